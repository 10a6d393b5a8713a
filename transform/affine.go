// Package transform estimates 2D transformations (affine, similarity and
// euclidean) between matched point sets with the consensus engine.
package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
)

// ErrSingular is returned when inverting a transform with a vanishing
// determinant.
var ErrSingular = errors.New("singular transform")

// singularDet is the determinant magnitude below which a transform is not
// invertible.
const singularDet = 1e-10

// AffineMatrix for 2D transforms: x' = ax + by + tx, y' = cx + dy + ty
type AffineMatrix struct {
	A  float64 `json:"a" yaml:"a"`
	B  float64 `json:"b" yaml:"b"`
	Tx float64 `json:"tx" yaml:"tx"`
	C  float64 `json:"c" yaml:"c"`
	D  float64 `json:"d" yaml:"d"`
	Ty float64 `json:"ty" yaml:"ty"`
}

// Identity returns the transform that leaves every point in place.
func Identity() AffineMatrix {
	return AffineMatrix{A: 1, D: 1}
}

// Translation creates a translation-only transform
func Translation(tx, ty float64) AffineMatrix {
	return AffineMatrix{A: 1, Tx: tx, D: 1, Ty: ty}
}

// Rotation creates a rotation transform (angle in radians, around origin)
func Rotation(angle float64) AffineMatrix {
	sin, cos := math.Sincos(angle)
	return AffineMatrix{A: cos, B: -sin, C: sin, D: cos}
}

// Scale creates a scaling transform
func Scale(sx, sy float64) AffineMatrix {
	return AffineMatrix{A: sx, D: sy}
}

// NewSimilarity builds scale·R(angle) followed by a translation.
func NewSimilarity(angle, scale, tx, ty float64) AffineMatrix {
	sin, cos := math.Sincos(angle)
	return AffineMatrix{
		A: scale * cos, B: -scale * sin, Tx: tx,
		C: scale * sin, D: scale * cos, Ty: ty,
	}
}

// NewEuclidean builds a rotation followed by a translation.
func NewEuclidean(angle, tx, ty float64) AffineMatrix {
	return NewSimilarity(angle, 1, tx, ty)
}

// Apply maps p through m.
func (m AffineMatrix) Apply(p r2.Point) r2.Point {
	return r2.Point{
		X: m.A*p.X + m.B*p.Y + m.Tx,
		Y: m.C*p.X + m.D*p.Y + m.Ty,
	}
}

// ApplyAll maps every point through m into a new slice.
func (m AffineMatrix) ApplyAll(points []r2.Point) []r2.Point {
	out := make([]r2.Point, len(points))
	for i, p := range points {
		out[i] = m.Apply(p)
	}
	return out
}

// Then composes m with next: applying the result is equivalent to applying
// m first, then next.
func (m AffineMatrix) Then(next AffineMatrix) AffineMatrix {
	return AffineMatrix{
		A:  next.A*m.A + next.B*m.C,
		B:  next.A*m.B + next.B*m.D,
		Tx: next.A*m.Tx + next.B*m.Ty + next.Tx,
		C:  next.C*m.A + next.D*m.C,
		D:  next.C*m.B + next.D*m.D,
		Ty: next.C*m.Tx + next.D*m.Ty + next.Ty,
	}
}

// Det is the determinant of the linear part.
func (m AffineMatrix) Det() float64 {
	return m.A*m.D - m.B*m.C
}

// Invert returns the inverse transform.
func (m AffineMatrix) Invert() (AffineMatrix, error) {
	det := m.Det()
	if math.Abs(det) < singularDet {
		return AffineMatrix{}, errors.Wrapf(ErrSingular, "determinant %g", det)
	}
	inv := 1 / det
	return AffineMatrix{
		A:  m.D * inv,
		B:  -m.B * inv,
		Tx: (m.B*m.Ty - m.D*m.Tx) * inv,
		C:  -m.C * inv,
		D:  m.A * inv,
		Ty: (m.C*m.Tx - m.A*m.Ty) * inv,
	}, nil
}

// Angle is the rotation of the linear part in radians, atan2(C, A).
func (m AffineMatrix) Angle() float64 {
	return math.Atan2(m.C, m.A)
}

// ScaleFactor is the mean length of the images of the unit axes.
func (m AffineMatrix) ScaleFactor() float64 {
	return (math.Hypot(m.A, m.C) + math.Hypot(m.B, m.D)) / 2
}

// EqualApprox reports whether all six entries are within tol.
func (m AffineMatrix) EqualApprox(o AffineMatrix, tol float64) bool {
	return math.Abs(m.A-o.A) <= tol && math.Abs(m.B-o.B) <= tol && math.Abs(m.Tx-o.Tx) <= tol &&
		math.Abs(m.C-o.C) <= tol && math.Abs(m.D-o.D) <= tol && math.Abs(m.Ty-o.Ty) <= tol
}

func (m AffineMatrix) params() []float64 {
	return []float64{m.A, m.B, m.Tx, m.C, m.D, m.Ty}
}

func affineFromParams(x []float64) AffineMatrix {
	return AffineMatrix{A: x[0], B: x[1], Tx: x[2], C: x[3], D: x[4], Ty: x[5]}
}

// Centroid calculates the center of mass of the selected points; nil idx
// selects all of them.
func Centroid(points []r2.Point, idx []int) r2.Point {
	var sum r2.Point
	n := 0
	each(points, idx, func(_ int, p r2.Point) {
		sum = sum.Add(p)
		n++
	})
	if n == 0 {
		return r2.Point{}
	}
	return sum.Mul(1 / float64(n))
}

// each visits points[i] for i in idx, or every point when idx is nil.
func each(points []r2.Point, idx []int, fn func(i int, p r2.Point)) {
	if idx == nil {
		for i, p := range points {
			fn(i, p)
		}
		return
	}
	for _, i := range idx {
		fn(i, points[i])
	}
}
