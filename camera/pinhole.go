// Package camera estimates pinhole cameras from 3D-2D point
// correspondences with the robust estimators of package consensus.
package camera

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrSingularCamera is returned when a 3x4 matrix has a singular left 3x3
// block and therefore no finite center.
var ErrSingularCamera = errors.New("singular camera matrix")

// Intrinsics holds the upper triangular calibration matrix
//
//	| FocalX  Skew    PrincipalX |
//	| 0       FocalY  PrincipalY |
//	| 0       0       1          |
type Intrinsics struct {
	FocalX     float64 `json:"focal_x" yaml:"focal_x"`
	FocalY     float64 `json:"focal_y" yaml:"focal_y"`
	Skew       float64 `json:"skew" yaml:"skew"`
	PrincipalX float64 `json:"principal_x" yaml:"principal_x"`
	PrincipalY float64 `json:"principal_y" yaml:"principal_y"`
}

// Matrix returns K.
func (k Intrinsics) Matrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		k.FocalX, k.Skew, k.PrincipalX,
		0, k.FocalY, k.PrincipalY,
		0, 0, 1,
	})
}

// AspectRatio is FocalY / FocalX.
func (k Intrinsics) AspectRatio() float64 {
	return k.FocalY / k.FocalX
}

// PrincipalPoint returns the principal point as a 2D point.
func (k Intrinsics) PrincipalPoint() r2.Point {
	return r2.Point{X: k.PrincipalX, Y: k.PrincipalY}
}

// PinholeCamera is P = K [R | -R C].
type PinholeCamera struct {
	Intrinsics Intrinsics
	rotation   *mat.Dense
	center     r3.Vector
	// p caches P row-major.
	p [12]float64
}

// NewPinholeCamera builds a camera from its intrinsics, a 3x3 rotation and
// its center in world coordinates.
func NewPinholeCamera(k Intrinsics, rotation mat.Matrix, center r3.Vector) (*PinholeCamera, error) {
	if r, c := rotation.Dims(); r != 3 || c != 3 {
		return nil, errors.Errorf("rotation must be 3x3, got %dx%d", r, c)
	}
	cam := &PinholeCamera{
		Intrinsics: k,
		rotation:   mat.DenseCopyOf(rotation),
		center:     center,
	}
	cam.cache()
	return cam, nil
}

func (c *PinholeCamera) cache() {
	composeMatrix(c.p[:], c.Intrinsics, c.rotation, c.center)
}

// composeMatrix writes K [R | -R C] row-major into dst.
func composeMatrix(dst []float64, k Intrinsics, rotation mat.Matrix, center r3.Vector) {
	var kr mat.Dense
	kr.Mul(k.Matrix(), rotation)
	t := [3]float64{center.X, center.Y, center.Z}
	for i := 0; i < 3; i++ {
		var last float64
		for j := 0; j < 3; j++ {
			v := kr.At(i, j)
			dst[i*4+j] = v
			last -= v * t[j]
		}
		dst[i*4+3] = last
	}
}

// FromMatrix decomposes a 3x4 camera matrix. The overall scale and sign of
// P are irrelevant.
func FromMatrix(p mat.Matrix) (*PinholeCamera, error) {
	if r, c := p.Dims(); r != 3 || c != 4 {
		return nil, errors.Errorf("camera matrix must be 3x4, got %dx%d", r, c)
	}
	m := mat.NewDense(3, 3, nil)
	last := mat.NewVecDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, p.At(i, j))
		}
		last.SetVec(i, p.At(i, 3))
	}

	det := mat.Det(m)
	if det == 0 || math.IsNaN(det) || math.IsInf(det, 0) {
		return nil, ErrSingularCamera
	}
	if det < 0 {
		m.Scale(-1, m)
		last.ScaleVec(-1, last)
	}

	// C = -M⁻¹ p4
	var c mat.VecDense
	if err := c.SolveVec(m, last); err != nil {
		return nil, errors.Wrap(ErrSingularCamera, err.Error())
	}
	center := r3.Vector{X: -c.AtVec(0), Y: -c.AtVec(1), Z: -c.AtVec(2)}

	k, r := rq(m)
	scale := k.At(2, 2)
	if scale == 0 || math.IsNaN(scale) {
		return nil, ErrSingularCamera
	}
	k.Scale(1/scale, k)

	return NewPinholeCamera(Intrinsics{
		FocalX:     k.At(0, 0),
		FocalY:     k.At(1, 1),
		Skew:       k.At(0, 1),
		PrincipalX: k.At(0, 2),
		PrincipalY: k.At(1, 2),
	}, r, center)
}

// rq factors m = K R with K upper triangular with positive diagonal and R
// orthonormal, using a QR factorization of the row-reversed transpose.
func rq(m *mat.Dense) (*mat.Dense, *mat.Dense) {
	flip := mat.NewDense(3, 3, []float64{0, 0, 1, 0, 1, 0, 1, 0, 0})

	var flipped mat.Dense
	flipped.Mul(flip, m)

	var qr mat.QR
	qr.Factorize(flipped.T())
	var q, r mat.Dense
	qr.QTo(&q)
	qr.RTo(&r)

	// K = F Rᵀ F, R = F Qᵀ
	var k, rot, tmp mat.Dense
	tmp.Mul(flip, r.T())
	k.Mul(&tmp, flip)
	rot.Mul(flip, q.T())

	for i := 0; i < 3; i++ {
		if k.At(i, i) < 0 {
			for row := 0; row < 3; row++ {
				k.Set(row, i, -k.At(row, i))
			}
			for col := 0; col < 3; col++ {
				rot.Set(i, col, -rot.At(i, col))
			}
		}
	}
	return &k, &rot
}

// Rotation returns a copy of R.
func (c *PinholeCamera) Rotation() *mat.Dense {
	return mat.DenseCopyOf(c.rotation)
}

// Center returns the camera center in world coordinates.
func (c *PinholeCamera) Center() r3.Vector { return c.center }

// AspectRatio is FocalY / FocalX.
func (c *PinholeCamera) AspectRatio() float64 { return c.Intrinsics.AspectRatio() }

// Matrix returns P as a new 3x4 matrix.
func (c *PinholeCamera) Matrix() *mat.Dense {
	data := make([]float64, 12)
	copy(data, c.p[:])
	return mat.NewDense(3, 4, data)
}

// Depth returns the third homogeneous coordinate of the projection of x,
// which is its depth along the principal axis.
func (c *PinholeCamera) Depth(x r3.Vector) float64 {
	return c.p[8]*x.X + c.p[9]*x.Y + c.p[10]*x.Z + c.p[11]
}

// Project maps x to the image. ok is false when x lies behind or on the
// camera plane.
func (c *PinholeCamera) Project(x r3.Vector) (r2.Point, bool) {
	return project(c.p[:], x)
}

func project(p []float64, x r3.Vector) (r2.Point, bool) {
	w := p[8]*x.X + p[9]*x.Y + p[10]*x.Z + p[11]
	if !(w > 0) {
		return r2.Point{}, false
	}
	return r2.Point{
		X: (p[0]*x.X + p[1]*x.Y + p[2]*x.Z + p[3]) / w,
		Y: (p[4]*x.X + p[5]*x.Y + p[6]*x.Z + p[7]) / w,
	}, true
}

// ReprojectionError is the image distance between the projection of x and
// observed, or +Inf when x is behind the camera.
func (c *PinholeCamera) ReprojectionError(x r3.Vector, observed r2.Point) float64 {
	proj, ok := c.Project(x)
	if !ok {
		return math.Inf(1)
	}
	return proj.Sub(observed).Norm()
}

// rodrigues returns exp([w]x), the rotation by |w| radians about w.
func rodrigues(w r3.Vector) *mat.Dense {
	theta := w.Norm()
	if theta < 1e-12 {
		return mat.NewDense(3, 3, []float64{
			1, -w.Z, w.Y,
			w.Z, 1, -w.X,
			-w.Y, w.X, 1,
		})
	}
	k := w.Mul(1 / theta)
	s, c := math.Sin(theta), math.Cos(theta)
	v := 1 - c
	return mat.NewDense(3, 3, []float64{
		c + k.X*k.X*v, k.X*k.Y*v - k.Z*s, k.X*k.Z*v + k.Y*s,
		k.Y*k.X*v + k.Z*s, c + k.Y*k.Y*v, k.Y*k.Z*v - k.X*s,
		k.Z*k.X*v - k.Y*s, k.Z*k.Y*v + k.X*s, c + k.Z*k.Z*v,
	})
}
