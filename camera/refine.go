package camera

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/kwv/robustfit/consensus"
	"github.com/kwv/robustfit/lsq"
)

// Standard refinement parameters: fx, fy, skew, px, py, rotation vector
// (3) applied on top of the starting rotation, center (3).
const standardParams = 11

// Fast refinement works on the 12 entries of P directly.
const fastParams = 12

func standardSettings() lsq.Settings {
	s := lsq.DefaultSettings()
	s.Tolerance = 1e-10
	return s
}

func fastSettings() lsq.Settings {
	return lsq.Settings{
		MaxIterations: 20,
		Tolerance:     1e-8,
		InitialLambda: 1e-3,
	}
}

// refinement holds the inlier subset a camera is refined on.
type refinement struct {
	points3D    []r3.Vector
	points2D    []r2.Point
	idx         []int
	suggestions Suggestions
	opts        consensus.RefineOptions
}

// Refine improves cam on the inliers only, first re-solving the DLT on all
// of them and then running Levenberg-Marquardt with any enabled
// suggestions.
func (p *problem) Refine(cam *PinholeCamera, inliers *consensus.InliersData, opts consensus.RefineOptions) (consensus.Refined[*PinholeCamera], error) {
	var out consensus.Refined[*PinholeCamera]

	idx := inliers.InlierIndices()
	if len(idx) < MinimumPoints {
		return out, errors.Wrapf(consensus.ErrRefinement, "%d inliers, need at least %d", len(idx), MinimumPoints)
	}

	r := &refinement{
		points3D:    p.points3D,
		points2D:    p.points2D,
		idx:         idx,
		suggestions: p.suggestions,
		opts:        opts,
	}

	start := cam
	if pre, err := SolveDLT(p.points3D, p.points2D, idx); err == nil && r.cost(pre) < r.cost(cam) {
		start = pre
	}

	if opts.Fast {
		return r.fast(start)
	}
	return r.standard(start)
}

// cost is the sum of squared reprojection errors over the inliers.
func (r *refinement) cost(cam *PinholeCamera) float64 {
	var sum float64
	for _, i := range r.idx {
		e := cam.ReprojectionError(r.points3D[i], r.points2D[i])
		sum += e * e
	}
	return sum
}

// reprojection writes the 2 residuals per inlier of the camera matrix p.
// Points behind the camera give NaN so that trial steps reaching them are
// rejected.
func (r *refinement) reprojection(dst []float64, p []float64) {
	for k, i := range r.idx {
		proj, ok := project(p, r.points3D[i])
		if !ok {
			dst[2*k], dst[2*k+1] = math.NaN(), math.NaN()
			continue
		}
		dst[2*k] = proj.X - r.points2D[i].X
		dst[2*k+1] = proj.Y - r.points2D[i].Y
	}
}

// stages returns the suggestion weights to iterate over; a single stage
// with weight zero when no suggestion is enabled.
func (r *refinement) stages() []float64 {
	if !r.suggestions.Any() {
		return []float64{0}
	}
	return r.suggestions.weights()
}

func (r *refinement) standard(start *PinholeCamera) (consensus.Refined[*PinholeCamera], error) {
	var out consensus.Refined[*PinholeCamera]

	r0 := start.rotation
	k0 := start.Intrinsics
	c0 := start.center
	x := []float64{
		k0.FocalX, k0.FocalY, k0.Skew, k0.PrincipalX, k0.PrincipalY,
		0, 0, 0,
		c0.X, c0.Y, c0.Z,
	}

	decode := func(x []float64) (Intrinsics, *mat.Dense, r3.Vector) {
		k := Intrinsics{FocalX: x[0], FocalY: x[1], Skew: x[2], PrincipalX: x[3], PrincipalY: x[4]}
		var rot mat.Dense
		rot.Mul(rodrigues(r3.Vector{X: x[5], Y: x[6], Z: x[7]}), r0)
		return k, &rot, r3.Vector{X: x[8], Y: x[9], Z: x[10]}
	}

	n := 2 * len(r.idx)
	extra := 0
	if r.suggestions.Any() {
		extra = r.suggestions.count()
	}

	stages := r.stages()
	var res *lsq.Result
	for s, w := range stages {
		weight := w
		settings := standardSettings()
		settings.KeepCovariance = r.opts.KeepCovariance && s == len(stages)-1

		prob := lsq.Problem{
			Dim:  standardParams,
			Size: n + extra,
			Func: func(dst, x []float64) {
				k, rot, c := decode(x)
				var p [12]float64
				composeMatrix(p[:], k, rot, c)
				r.reprojection(dst[:n], p[:])
				if extra > 0 {
					r.suggestions.residuals(dst[n:], k, rot, c, weight)
				}
			},
		}

		var err error
		res, err = lsq.LevenbergMarquardt(prob, x, settings)
		if err != nil {
			return out, consensus.WithCause(consensus.ErrRefinement, err, "standard stage %d", s)
		}
		x = res.X
	}

	k, rot, c := decode(x)
	cam, err := NewPinholeCamera(k, rot, c)
	if err != nil {
		return out, errors.Wrap(consensus.ErrRefinement, err.Error())
	}
	out.Model = cam
	out.Covariance = res.Covariance
	return out, nil
}

func (r *refinement) fast(start *PinholeCamera) (consensus.Refined[*PinholeCamera], error) {
	var out consensus.Refined[*PinholeCamera]

	x := append([]float64(nil), start.p[:]...)
	norm := floats.Norm(x, 2)
	if norm == 0 {
		return out, errors.Wrap(consensus.ErrRefinement, "zero camera matrix")
	}
	floats.Scale(1/norm, x)

	n := 2 * len(r.idx)
	extra := 0
	if r.suggestions.Any() {
		extra = r.suggestions.count()
	}

	stages := r.stages()
	var res *lsq.Result
	converged := true
	for s, w := range stages {
		weight := w
		settings := fastSettings()
		settings.KeepCovariance = r.opts.KeepCovariance && s == len(stages)-1

		prob := lsq.Problem{
			Dim:  fastParams,
			Size: n + 1 + extra,
			Func: func(dst, x []float64) {
				r.reprojection(dst[:n], x)
				// fixes the projective scale
				dst[n] = floats.Dot(x, x) - 1
				if extra == 0 {
					return
				}
				cam, err := FromMatrix(mat.NewDense(3, 4, append([]float64(nil), x...)))
				if err != nil {
					for i := range dst[n+1:] {
						dst[n+1+i] = math.NaN()
					}
					return
				}
				r.suggestions.residuals(dst[n+1:], cam.Intrinsics, cam.rotation, cam.center, weight)
			},
		}

		var err error
		res, err = lsq.LevenbergMarquardt(prob, x, settings)
		if err != nil && !errors.Is(err, lsq.ErrNotConverged) {
			return out, consensus.WithCause(consensus.ErrRefinement, err, "fast stage %d", s)
		}
		converged = converged && err == nil
		x = res.X
		if settings.KeepCovariance && res.Covariance == nil {
			res.Covariance = lsq.CovarianceAt(prob, x)
		}
	}

	cam, err := FromMatrix(mat.NewDense(3, 4, x))
	if err != nil {
		return out, errors.Wrap(consensus.ErrRefinement, err.Error())
	}
	if err := r.checkFast(start, cam, converged); err != nil {
		return out, err
	}
	out.Model = cam
	out.Covariance = res.Covariance
	return out, nil
}

// checkFast accepts an unconverged fast result only when it reprojects the
// inliers no worse than the camera it started from.
func (r *refinement) checkFast(start, got *PinholeCamera, converged bool) error {
	if converged {
		return nil
	}
	before, after := r.cost(start), r.cost(got)
	if math.IsNaN(after) || after > before {
		return consensus.WithCause(consensus.ErrRefinement, lsq.ErrNotConverged,
			"fast refinement raised the inlier cost from %g to %g", before, after)
	}
	return nil
}
