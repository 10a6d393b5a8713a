package camera

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/kwv/robustfit/consensus"
)

// MinimumPoints is the number of correspondences of a minimal DLT subset.
const MinimumPoints = 6

// degenerateRatio is the relative size of the second smallest singular
// value below which the DLT null space is not one dimensional.
const degenerateRatio = 1e-10

// SolveDLT estimates a camera from the correspondences at idx (all of
// them when idx is nil) with the Hartley-normalized direct linear
// transform. Rank deficient configurations, such as coplanar or repeated
// points, return consensus.ErrDegenerateSample.
func SolveDLT(points3D []r3.Vector, points2D []r2.Point, idx []int) (*PinholeCamera, error) {
	if idx == nil {
		idx = make([]int, len(points3D))
		for i := range idx {
			idx[i] = i
		}
	}
	n := len(idx)
	if n < MinimumPoints {
		return nil, errors.Wrapf(consensus.ErrDegenerateSample, "need %d points, got %d", MinimumPoints, n)
	}

	t2, s2 := normalization2D(points2D, idx)
	t3, s3 := normalization3D(points3D, idx)
	if s2 == 0 || s3 == 0 {
		return nil, errors.Wrap(consensus.ErrDegenerateSample, "coincident points")
	}

	a := mat.NewDense(2*n, 12, nil)
	for row, i := range idx {
		X := points3D[i].Sub(t3).Mul(s3)
		x := points2D[i].Sub(t2).Mul(s2)
		h := [4]float64{X.X, X.Y, X.Z, 1}
		for j := 0; j < 4; j++ {
			// [0ᵀ, -Xᵀ, y Xᵀ]
			a.Set(2*row, 4+j, -h[j])
			a.Set(2*row, 8+j, x.Y*h[j])
			// [Xᵀ, 0ᵀ, -x Xᵀ]
			a.Set(2*row+1, j, h[j])
			a.Set(2*row+1, 8+j, -x.X*h[j])
		}
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThinV) {
		return nil, errors.Wrap(consensus.ErrDegenerateSample, "svd failed")
	}
	values := svd.Values(nil)
	if values[0] == 0 || values[10] <= degenerateRatio*values[0] {
		return nil, errors.Wrap(consensus.ErrDegenerateSample, "rank deficient system")
	}
	var v mat.Dense
	svd.VTo(&v)

	pn := mat.NewDense(3, 4, nil)
	for k := 0; k < 12; k++ {
		pn.Set(k/4, k%4, v.At(k, 11))
	}

	// P = T2⁻¹ Pn T3
	t2inv := mat.NewDense(3, 3, []float64{
		1 / s2, 0, t2.X,
		0, 1 / s2, t2.Y,
		0, 0, 1,
	})
	t3m := mat.NewDense(4, 4, []float64{
		s3, 0, 0, -s3 * t3.X,
		0, s3, 0, -s3 * t3.Y,
		0, 0, s3, -s3 * t3.Z,
		0, 0, 0, 1,
	})
	var tmp, p mat.Dense
	tmp.Mul(t2inv, pn)
	p.Mul(&tmp, t3m)

	cam, err := FromMatrix(&p)
	if err != nil {
		return nil, errors.Wrap(consensus.ErrDegenerateSample, err.Error())
	}
	return cam, nil
}

// normalization2D returns the centroid and the scale that brings the mean
// distance to it to sqrt(2).
func normalization2D(points []r2.Point, idx []int) (r2.Point, float64) {
	var c r2.Point
	for _, i := range idx {
		c = c.Add(points[i])
	}
	c = c.Mul(1 / float64(len(idx)))
	var d float64
	for _, i := range idx {
		d += points[i].Sub(c).Norm()
	}
	d /= float64(len(idx))
	if d == 0 || math.IsNaN(d) {
		return c, 0
	}
	return c, math.Sqrt2 / d
}

// normalization3D returns the centroid and the scale that brings the mean
// distance to it to sqrt(3).
func normalization3D(points []r3.Vector, idx []int) (r3.Vector, float64) {
	var c r3.Vector
	for _, i := range idx {
		c = c.Add(points[i])
	}
	c = c.Mul(1 / float64(len(idx)))
	var d float64
	for _, i := range idx {
		d += points[i].Sub(c).Norm()
	}
	d /= float64(len(idx))
	if d == 0 || math.IsNaN(d) {
		return c, 0
	}
	return c, math.Sqrt(3) / d
}
