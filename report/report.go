// Package report turns an estimation result into GeoJSON, scatter plots of
// observed against predicted points, and residual histograms.
package report

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"

	"github.com/kwv/robustfit/camera"
	"github.com/kwv/robustfit/consensus"
	"github.com/kwv/robustfit/transform"
)

// Sample is one correspondence seen through the estimated model.
type Sample struct {
	Index    int
	Observed r2.Point
	// Predicted is the model's image of the correspondence; meaningless
	// when Valid is false, e.g. for points behind a camera.
	Predicted r2.Point
	Valid     bool
	Residual  float64
	Inlier    bool
}

// Report summarizes one estimation.
type Report struct {
	Kind       string      `json:"kind"`
	Method     string      `json:"method"`
	Iterations int         `json:"iterations"`
	Model      interface{} `json:"model"`
	Samples    []Sample    `json:"-"`
}

// FromTransform builds a report for a 2D transform.
func FromTransform(kind transform.Kind, m transform.AffineMatrix, source, target []r2.Point, data *consensus.InliersData) *Report {
	r := &Report{Kind: kind.String(), Model: m}
	r.Samples = make([]Sample, len(source))
	for i := range source {
		p := m.Apply(source[i])
		r.Samples[i] = Sample{
			Index:     i,
			Observed:  target[i],
			Predicted: p,
			Valid:     true,
			Residual:  p.Sub(target[i]).Norm(),
			Inlier:    data != nil && data.IsInlier(i),
		}
	}
	r.fill(data)
	return r
}

// CameraModel is the JSON form of a pinhole camera in reports.
type CameraModel struct {
	Intrinsics camera.Intrinsics `json:"intrinsics"`
	Rotation   [9]float64        `json:"rotation"`
	Center     [3]float64        `json:"center"`
}

// FromCamera builds a report for a pinhole camera.
func FromCamera(cam *camera.PinholeCamera, points3D []r3.Vector, points2D []r2.Point, data *consensus.InliersData) *Report {
	model := CameraModel{Intrinsics: cam.Intrinsics}
	rot := cam.Rotation()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			model.Rotation[3*i+j] = rot.At(i, j)
		}
	}
	c := cam.Center()
	model.Center = [3]float64{c.X, c.Y, c.Z}

	r := &Report{Kind: "camera", Model: model}
	r.Samples = make([]Sample, len(points3D))
	for i := range points3D {
		p, ok := cam.Project(points3D[i])
		r.Samples[i] = Sample{
			Index:     i,
			Observed:  points2D[i],
			Predicted: p,
			Valid:     ok,
			Residual:  cam.ReprojectionError(points3D[i], points2D[i]),
			Inlier:    data != nil && data.IsInlier(i),
		}
	}
	r.fill(data)
	return r
}

func (r *Report) fill(data *consensus.InliersData) {
	if data == nil {
		return
	}
	r.Method = data.Method().String()
}

// Inliers counts the inlier samples.
func (r *Report) Inliers() int {
	n := 0
	for _, s := range r.Samples {
		if s.Inlier {
			n++
		}
	}
	return n
}

// Residuals returns the finite residuals, of inliers only when inliersOnly
// is set.
func (r *Report) Residuals(inliersOnly bool) []float64 {
	out := make([]float64, 0, len(r.Samples))
	for _, s := range r.Samples {
		if inliersOnly && !s.Inlier {
			continue
		}
		if math.IsInf(s.Residual, 0) || math.IsNaN(s.Residual) {
			continue
		}
		out = append(out, s.Residual)
	}
	return out
}

// RMS is the root mean square inlier residual.
func (r *Report) RMS() float64 {
	res := r.Residuals(true)
	if len(res) == 0 {
		return 0
	}
	var ss float64
	for _, v := range res {
		ss += v * v
	}
	return math.Sqrt(ss / float64(len(res)))
}

// bounds is the box covering observed and valid predicted points.
func (r *Report) bounds() orb.Bound {
	b := orb.Bound{Min: orb.Point{math.Inf(1), math.Inf(1)}, Max: orb.Point{math.Inf(-1), math.Inf(-1)}}
	for _, s := range r.Samples {
		b = b.Extend(orb.Point{s.Observed.X, s.Observed.Y})
		if s.Valid {
			b = b.Extend(orb.Point{s.Predicted.X, s.Predicted.Y})
		}
	}
	return b
}

// inlierHull is the closed convex hull of the observed inlier points, or
// nil for fewer than three of them.
func (r *Report) inlierHull() orb.Ring {
	var pts []orb.Point
	for _, s := range r.Samples {
		if s.Inlier {
			pts = append(pts, orb.Point{s.Observed.X, s.Observed.Y})
		}
	}
	hull := convexHull(pts)
	if len(hull) < 3 {
		return nil
	}
	return append(orb.Ring(hull), hull[0])
}

// convexHull computes the hull with Andrew's monotone chain.
func convexHull(points []orb.Point) []orb.Point {
	if len(points) < 3 {
		return append([]orb.Point(nil), points...)
	}

	sorted := append([]orb.Point(nil), points...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i][0] != sorted[j][0] {
			return sorted[i][0] < sorted[j][0]
		}
		return sorted[i][1] < sorted[j][1]
	})

	cross := func(o, a, b orb.Point) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}

	hull := make([]orb.Point, 0, 2*len(sorted))
	for _, p := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(sorted) - 2; i >= 0; i-- {
		p := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	return hull[:len(hull)-1]
}
