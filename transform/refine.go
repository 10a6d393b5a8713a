package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/kwv/robustfit/consensus"
	"github.com/kwv/robustfit/lsq"
)

func settings(opts consensus.RefineOptions) lsq.Settings {
	s := lsq.DefaultSettings()
	if opts.Fast {
		s.MaxIterations = 20
		s.Tolerance = 1e-8
	}
	s.KeepCovariance = opts.KeepCovariance
	return s
}

// parameterization maps a transform of one kind to the LM parameter vector
// and back.
type parameterization struct {
	dim  int
	to   func(AffineMatrix) []float64
	from func([]float64) AffineMatrix
}

var parameterizations = map[Kind]parameterization{
	Affine: {
		dim:  6,
		to:   AffineMatrix.params,
		from: affineFromParams,
	},
	Similarity: {
		dim: 4,
		to: func(m AffineMatrix) []float64 {
			return []float64{m.Angle(), m.ScaleFactor(), m.Tx, m.Ty}
		},
		from: func(x []float64) AffineMatrix { return NewSimilarity(x[0], x[1], x[2], x[3]) },
	},
	Euclidean: {
		dim: 3,
		to: func(m AffineMatrix) []float64 {
			return []float64{m.Angle(), m.Tx, m.Ty}
		},
		from: func(x []float64) AffineMatrix { return NewEuclidean(x[0], x[1], x[2]) },
	},
}

func (p *problem) cost(m AffineMatrix, idx []int) float64 {
	var c float64
	for _, i := range idx {
		d := m.Apply(p.source[i]).Sub(p.target[i])
		c += d.Dot(d)
	}
	return c
}

// Refine re-solves the transform by least squares on the inliers and then
// polishes it with Levenberg-Marquardt in the kind's own parameters.
func (p *problem) Refine(m AffineMatrix, inliers *consensus.InliersData, opts consensus.RefineOptions) (consensus.Refined[AffineMatrix], error) {
	var out consensus.Refined[AffineMatrix]

	idx := inliers.InlierIndices()
	if need := p.kind.MinimumPoints(); len(idx) < need {
		return out, errors.Wrapf(consensus.ErrRefinement, "%d inliers, need at least %d", len(idx), need)
	}

	start := m
	if pre, err := p.kind.Solve(p.source, p.target, idx); err == nil && p.cost(pre, idx) < p.cost(m, idx) {
		start = pre
	}

	param := parameterizations[p.kind]
	prob := lsq.Problem{
		Dim:  param.dim,
		Size: 2 * len(idx),
		Func: func(dst, x []float64) {
			t := param.from(x)
			for k, i := range idx {
				d := t.Apply(p.source[i]).Sub(p.target[i])
				dst[2*k], dst[2*k+1] = d.X, d.Y
			}
		},
	}
	if p.kind == Affine {
		prob.Jac = func(dst *mat.Dense, _ []float64) { affineJacobian(dst, p.source, idx) }
	}

	res, err := lsq.LevenbergMarquardt(prob, param.to(start), settings(opts))
	if err != nil {
		if !opts.Fast || !errors.Is(err, lsq.ErrNotConverged) {
			return out, consensus.WithCause(consensus.ErrRefinement, err, "%s", p.kind)
		}
		if err := p.checkFast(start, param.from(res.X), idx); err != nil {
			return out, err
		}
		if opts.KeepCovariance && res.Covariance == nil {
			res.Covariance = lsq.CovarianceAt(prob, res.X)
		}
	}

	out.Model = param.from(res.X)
	out.Covariance = res.Covariance
	return out, nil
}

// checkFast accepts an unconverged fast result only when it fits the
// inliers no worse than the transform it started from.
func (p *problem) checkFast(start, got AffineMatrix, idx []int) error {
	before, after := p.cost(start, idx), p.cost(got, idx)
	if math.IsNaN(after) || after > before {
		return consensus.WithCause(consensus.ErrRefinement, lsq.ErrNotConverged,
			"%s: fast refinement raised the inlier cost from %g to %g", p.kind, before, after)
	}
	return nil
}

// affineJacobian fills the constant Jacobian of the affine residuals.
func affineJacobian(dst *mat.Dense, source []r2.Point, idx []int) {
	dst.Zero()
	for k, i := range idx {
		p := source[i]
		dst.SetRow(2*k, []float64{p.X, p.Y, 1, 0, 0, 0})
		dst.SetRow(2*k+1, []float64{0, 0, 0, p.X, p.Y, 1})
	}
}
