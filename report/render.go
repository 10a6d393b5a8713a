package report

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ErrEmptyReport is returned when there is nothing to draw.
var ErrEmptyReport = errors.New("report has no samples")

var (
	inlierColor   = color.RGBA{R: 34, G: 160, B: 60, A: 255}
	outlierColor  = color.RGBA{R: 210, G: 40, B: 40, A: 255}
	residualColor = color.RGBA{R: 90, G: 90, B: 90, A: 255}
	hullColor     = color.RGBA{R: 30, G: 90, B: 200, A: 255}
	labelColor    = color.RGBA{A: 255}
)

// Scatter draws observed points colored by inlier status, with a segment
// from each observation to its prediction.
type Scatter struct {
	Width        float64 // canvas width in millimeters
	Height       float64 // canvas height in millimeters
	Margin       float64
	MarkerRadius float64
	Hull         bool              // outline the inlier hull
	Resolution   canvas.Resolution // for PNG output
	Label        bool              // print a summary line on PNG output
}

// NewScatter returns a scatter plot with default settings.
func NewScatter() *Scatter {
	return &Scatter{
		Width:        200,
		Height:       150,
		Margin:       10,
		MarkerRadius: 1.2,
		Hull:         true,
		Resolution:   canvas.DPI(150),
		Label:        true,
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers.
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderSVG writes the plot as SVG.
func (s *Scatter) RenderSVG(w io.Writer, r *Report) error {
	if len(r.Samples) == 0 {
		return ErrEmptyReport
	}
	out := svg.New(w, s.Width, s.Height, nil)
	s.draw(out, r)
	return out.Close()
}

// RenderPNG writes the plot as PNG.
func (s *Scatter) RenderPNG(w io.Writer, r *Report) error {
	if len(r.Samples) == 0 {
		return ErrEmptyReport
	}
	rast := rasterizer.New(s.Width, s.Height, s.Resolution, canvas.DefaultColorSpace)
	s.draw(rast, r)
	if s.Label {
		drawText(rast, 6, 16, summary(r), labelColor)
	}
	return png.Encode(w, rast)
}

func summary(r *Report) string {
	return fmt.Sprintf("%s %s  inliers %d/%d  rms %.4g", r.Kind, r.Method, r.Inliers(), len(r.Samples), r.RMS())
}

// mapper fits the report bounds into the drawable area, keeping the aspect
// ratio and flipping y so image coordinates read top-down.
func (s *Scatter) mapper(b orb.Bound) func(x, y float64) (float64, float64) {
	dx, dy := b.Max[0]-b.Min[0], b.Max[1]-b.Min[1]
	availW, availH := s.Width-2*s.Margin, s.Height-2*s.Margin
	scale := math.Inf(1)
	if dx > 0 {
		scale = availW / dx
	}
	if dy > 0 {
		scale = math.Min(scale, availH/dy)
	}
	if math.IsInf(scale, 1) {
		scale = 1
	}
	// center the content
	offX := s.Margin + (availW-dx*scale)/2
	offY := s.Margin + (availH-dy*scale)/2
	return func(x, y float64) (float64, float64) {
		cx := offX + (x-b.Min[0])*scale
		cy := offY + (y-b.Min[1])*scale
		return cx, s.Height - cy
	}
}

func (s *Scatter) draw(out canvasRenderer, r *Report) {
	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: canvas.White}
	out.RenderPath(canvas.Rectangle(s.Width, s.Height), bg, canvas.Identity)

	toCanvas := s.mapper(r.bounds())

	if s.Hull {
		if hull := r.inlierHull(); hull != nil {
			style := canvas.DefaultStyle
			style.Fill = canvas.Paint{Color: canvas.Transparent}
			style.Stroke = canvas.Paint{Color: hullColor}
			style.StrokeWidth = 0.3
			out.RenderPath(ringPath(hull, toCanvas), style, canvas.Identity)
		}
	}

	lineStyle := canvas.DefaultStyle
	lineStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	lineStyle.Stroke = canvas.Paint{Color: residualColor}
	lineStyle.StrokeWidth = 0.25
	for _, sm := range r.Samples {
		if !sm.Valid {
			continue
		}
		p := &canvas.Path{}
		p.MoveTo(toCanvas(sm.Observed.X, sm.Observed.Y))
		p.LineTo(toCanvas(sm.Predicted.X, sm.Predicted.Y))
		out.RenderPath(p, lineStyle, canvas.Identity)
	}

	marker := canvas.DefaultStyle
	marker.Stroke = canvas.Paint{Color: canvas.Transparent}
	// outliers first so inliers stay visible where they overlap
	for _, inliers := range []bool{false, true} {
		marker.Fill = canvas.Paint{Color: outlierColor}
		if inliers {
			marker.Fill = canvas.Paint{Color: inlierColor}
		}
		for _, sm := range r.Samples {
			if sm.Inlier != inliers {
				continue
			}
			x, y := toCanvas(sm.Observed.X, sm.Observed.Y)
			out.RenderPath(canvas.Circle(s.MarkerRadius).Translate(x, y), marker, canvas.Identity)
		}
	}
}

func ringPath(ring orb.Ring, toCanvas func(x, y float64) (float64, float64)) *canvas.Path {
	p := &canvas.Path{}
	for i, pt := range ring {
		x, y := toCanvas(pt[0], pt[1])
		if i == 0 {
			p.MoveTo(x, y)
		} else {
			p.LineTo(x, y)
		}
	}
	p.Close()
	return p
}

// drawText writes text with the baseline at pixel (x, y).
func drawText(img draw.Image, x, y int, text string, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
