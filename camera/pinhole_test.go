package camera

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

var trueIntrinsics = Intrinsics{
	FocalX:     800,
	FocalY:     780,
	Skew:       1.5,
	PrincipalX: 320,
	PrincipalY: 240,
}

func trueCamera(t *testing.T) *PinholeCamera {
	t.Helper()
	cam, err := NewPinholeCamera(trueIntrinsics, rodrigues(r3.Vector{X: 0.1, Y: -0.2, Z: 0.05}), r3.Vector{X: 0.5, Y: -0.3, Z: -10})
	require.NoError(t, err)
	return cam
}

// scene draws n points in a box in front of cam and projects them. A
// fraction of the projections are corrupted with Gaussian noise of
// outlierSigma; the rest get inlierSigma.
func scene(rng *rand.Rand, cam *PinholeCamera, n int, outlierRatio, outlierSigma, inlierSigma float64) ([]r3.Vector, []r2.Point, []bool) {
	p3 := make([]r3.Vector, n)
	p2 := make([]r2.Point, n)
	outlier := make([]bool, n)
	for i := range p3 {
		X := r3.Vector{X: rng.Float64()*6 - 3, Y: rng.Float64()*6 - 3, Z: rng.Float64()*4 - 2}
		x, ok := cam.Project(X)
		if !ok {
			panic("scene point behind camera")
		}
		sigma := inlierSigma
		if rng.Float64() < outlierRatio {
			sigma = outlierSigma
			outlier[i] = true
		}
		x.X += rng.NormFloat64() * sigma
		x.Y += rng.NormFloat64() * sigma
		p3[i], p2[i] = X, x
	}
	return p3, p2, outlier
}

func assertIntrinsics(t *testing.T, want, got Intrinsics, tol float64) {
	t.Helper()
	assert.InDelta(t, want.FocalX, got.FocalX, tol, "focal x")
	assert.InDelta(t, want.FocalY, got.FocalY, tol, "focal y")
	assert.InDelta(t, want.Skew, got.Skew, tol, "skew")
	assert.InDelta(t, want.PrincipalX, got.PrincipalX, tol, "principal x")
	assert.InDelta(t, want.PrincipalY, got.PrincipalY, tol, "principal y")
}

func TestPinholeCamera_ProjectAndDepth(t *testing.T) {
	cam, err := NewPinholeCamera(Intrinsics{FocalX: 100, FocalY: 100, PrincipalX: 50, PrincipalY: 40}, identity3(), r3.Vector{})
	require.NoError(t, err)

	x, ok := cam.Project(r3.Vector{X: 1, Y: 2, Z: 10})
	require.True(t, ok)
	assert.InDelta(t, 60, x.X, 1e-12)
	assert.InDelta(t, 60, x.Y, 1e-12)
	assert.InDelta(t, 10, cam.Depth(r3.Vector{X: 1, Y: 2, Z: 10}), 1e-12)

	_, ok = cam.Project(r3.Vector{X: 1, Y: 2, Z: -1})
	assert.False(t, ok)
	assert.True(t, math.IsInf(cam.ReprojectionError(r3.Vector{Z: -1}, r2.Point{}), 1))
	assert.InDelta(t, 5, cam.ReprojectionError(r3.Vector{X: 1, Y: 2, Z: 10}, r2.Point{X: 63, Y: 64}), 1e-12)
}

func TestPinholeCamera_RejectsBadRotation(t *testing.T) {
	_, err := NewPinholeCamera(trueIntrinsics, mat.NewDense(2, 2, nil), r3.Vector{})
	assert.Error(t, err)
}

func TestFromMatrix_RoundTrip(t *testing.T) {
	cam := trueCamera(t)

	for _, scale := range []float64{1, 3.5, -0.01} {
		var p mat.Dense
		p.Scale(scale, cam.Matrix())

		got, err := FromMatrix(&p)
		require.NoError(t, err)
		assertIntrinsics(t, trueIntrinsics, got.Intrinsics, 1e-8)
		assert.True(t, mat.EqualApprox(cam.Rotation(), got.Rotation(), 1e-10), "rotation for scale %v", scale)
		assert.InDelta(t, cam.Center().X, got.Center().X, 1e-9)
		assert.InDelta(t, cam.Center().Y, got.Center().Y, 1e-9)
		assert.InDelta(t, cam.Center().Z, got.Center().Z, 1e-9)
		assert.InDelta(t, 1, mat.Det(got.Rotation()), 1e-12)
	}
}

func TestFromMatrix_Singular(t *testing.T) {
	p := mat.NewDense(3, 4, []float64{
		1, 2, 3, 4,
		2, 4, 6, 8,
		0, 0, 1, 1,
	})
	_, err := FromMatrix(p)
	assert.ErrorIs(t, err, ErrSingularCamera)

	_, err = FromMatrix(mat.NewDense(3, 3, nil))
	assert.Error(t, err)
}

func TestRodrigues(t *testing.T) {
	r := rodrigues(r3.Vector{Z: math.Pi / 2})
	want := mat.NewDense(3, 3, []float64{0, -1, 0, 1, 0, 0, 0, 0, 1})
	assert.True(t, mat.EqualApprox(want, r, 1e-12))

	assert.True(t, mat.EqualApprox(identity3(), rodrigues(r3.Vector{}), 0))
}

func TestIntrinsics(t *testing.T) {
	assert.InDelta(t, 0.975, trueIntrinsics.AspectRatio(), 1e-12)
	assert.Equal(t, r2.Point{X: 320, Y: 240}, trueIntrinsics.PrincipalPoint())
	assert.Equal(t, 1.5, trueIntrinsics.Matrix().At(0, 1))
}
