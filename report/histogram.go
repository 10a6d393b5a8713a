package report

import (
	"fmt"
	"io"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
	"gonum.org/v1/plot/vg/vgsvg"
)

// DefaultBins is the histogram bin count used when none is given.
const DefaultBins = 20

// Histogram plots the distribution of residuals, of inliers only when
// inliersOnly is set.
func (r *Report) Histogram(bins int, inliersOnly bool) (*plot.Plot, error) {
	values := plotter.Values(r.Residuals(inliersOnly))
	if len(values) == 0 {
		return nil, ErrEmptyReport
	}
	if bins <= 0 {
		bins = DefaultBins
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s %s residuals", r.Kind, r.Method)
	p.X.Label.Text = "residual"
	p.Y.Label.Text = "count"

	h, err := plotter.NewHist(values, bins)
	if err != nil {
		return nil, fmt.Errorf("building histogram: %w", err)
	}
	h.FillColor = inlierColor
	if !inliersOnly {
		h.FillColor = residualColor
	}
	p.Add(h)
	return p, nil
}

// WriteHistogram renders the histogram as "png" or "svg".
func (r *Report) WriteHistogram(w io.Writer, format string, bins int, inliersOnly bool) error {
	p, err := r.Histogram(bins, inliersOnly)
	if err != nil {
		return err
	}

	width, height := 6*vg.Inch, 4*vg.Inch
	switch strings.ToLower(format) {
	case "png":
		c := vgimg.New(width, height)
		p.Draw(draw.New(c))
		_, err = vgimg.PngCanvas{Canvas: c}.WriteTo(w)
	case "svg":
		c := vgsvg.New(width, height)
		p.Draw(draw.New(c))
		_, err = c.WriteTo(w)
	default:
		return fmt.Errorf("unsupported histogram format %q", format)
	}
	if err != nil {
		return fmt.Errorf("writing histogram: %w", err)
	}
	return nil
}
