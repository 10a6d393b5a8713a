// Package lsq solves small dense non-linear least-squares problems with a
// damped Gauss-Newton (Levenberg-Marquardt) iteration on gonum matrices.
package lsq

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrNotConverged is returned with the last iterate when the iteration
	// budget ran out before any convergence test passed.
	ErrNotConverged = errors.New("least squares did not converge")
	// ErrSingular is returned when the damped normal equations cannot be
	// factorized at any damping level.
	ErrSingular = errors.New("singular normal equations")
	// ErrInvalidProblem is returned for inconsistent dimensions or a
	// non-finite starting cost.
	ErrInvalidProblem = errors.New("invalid least squares problem")
)

// Problem describes the residual vector r(x) to minimize in the squared
// norm sense.
type Problem struct {
	// Dim is the number of parameters.
	Dim int
	// Size is the number of residuals.
	Size int
	// Func writes r(x) into dst, which has length Size.
	Func func(dst, x []float64)
	// Jac writes the Size x Dim Jacobian of r at x into dst. When nil it is
	// approximated with central differences.
	Jac func(dst *mat.Dense, x []float64)
}

// Settings tune the iteration.
type Settings struct {
	MaxIterations int
	// Tolerance is the relative cost decrease, relative step length and
	// gradient norm under which the iteration is considered converged.
	Tolerance     float64
	InitialLambda float64
	// KeepCovariance computes (JᵀJ)⁻¹·σ² at the solution.
	KeepCovariance bool
}

// DefaultSettings returns settings suited to camera and transform
// refinement.
func DefaultSettings() Settings {
	return Settings{
		MaxIterations: 200,
		Tolerance:     1e-12,
		InitialLambda: 1e-3,
	}
}

// Result is the outcome of a run.
type Result struct {
	X []float64
	// Cost is the sum of squared residuals at X.
	Cost       float64
	Iterations int
	Converged  bool
	// Covariance is nil unless requested, the problem is over-determined
	// and JᵀJ is positive definite at X.
	Covariance *mat.SymDense
}

const (
	maxLambda = 1e16
	minLambda = 1e-15
	minDiag   = 1e-12
)

// LevenbergMarquardt minimizes ||r(x)||² starting from x0. On
// ErrNotConverged the returned Result holds the best iterate found.
func LevenbergMarquardt(p Problem, x0 []float64, s Settings) (*Result, error) {
	if p.Dim <= 0 || p.Size <= 0 || p.Func == nil {
		return nil, errors.Wrapf(ErrInvalidProblem, "dim=%d size=%d", p.Dim, p.Size)
	}
	if len(x0) != p.Dim {
		return nil, errors.Wrapf(ErrInvalidProblem, "start has %d parameters, want %d", len(x0), p.Dim)
	}
	if s.MaxIterations <= 0 {
		s.MaxIterations = DefaultSettings().MaxIterations
	}
	if !(s.Tolerance > 0) {
		s.Tolerance = DefaultSettings().Tolerance
	}
	if !(s.InitialLambda > 0) {
		s.InitialLambda = DefaultSettings().InitialLambda
	}

	jac := p.Jac
	if jac == nil {
		jac = numericJacobian(p.Func)
	}

	x := append([]float64(nil), x0...)
	r := make([]float64, p.Size)
	p.Func(r, x)
	cost := floats.Dot(r, r)
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return nil, errors.Wrap(ErrInvalidProblem, "non-finite cost at start")
	}

	var (
		J      = mat.NewDense(p.Size, p.Dim, nil)
		jtj    mat.SymDense
		damped = mat.NewSymDense(p.Dim, nil)
		grad   = mat.NewVecDense(p.Dim, nil)
		delta  mat.VecDense
		chol   mat.Cholesky
		xNew   = make([]float64, p.Dim)
		rNew   = make([]float64, p.Size)
	)

	lambda := s.InitialLambda
	res := &Result{}
	iter := 0
	for iter < s.MaxIterations && !res.Converged {
		iter++
		if cost == 0 {
			res.Converged = true
			break
		}

		jac(J, x)
		jtj.SymOuterK(1, J.T())
		grad.MulVec(J.T(), mat.NewVecDense(p.Size, r))
		if mat.Norm(grad, math.Inf(1)) <= s.Tolerance*math.Max(cost, 1) {
			res.Converged = true
			break
		}

		singular := false
		for {
			damped.CopySym(&jtj)
			for i := 0; i < p.Dim; i++ {
				d := jtj.At(i, i)
				damped.SetSym(i, i, d+lambda*math.Max(d, minDiag))
			}
			if !chol.Factorize(damped) || chol.SolveVecTo(&delta, grad) != nil {
				lambda *= 10
				if lambda > maxLambda {
					singular = true
					break
				}
				continue
			}

			for i := range xNew {
				xNew[i] = x[i] - delta.AtVec(i)
			}
			p.Func(rNew, xNew)
			costNew := floats.Dot(rNew, rNew)

			if costNew < cost {
				decrease := (cost - costNew) / cost
				step := floats.Norm(delta.RawVector().Data, 2)
				copy(x, xNew)
				copy(r, rNew)
				cost = costNew
				lambda = math.Max(lambda/10, minLambda)
				if decrease <= s.Tolerance || step <= s.Tolerance*(floats.Norm(x, 2)+s.Tolerance) {
					res.Converged = true
				}
				break
			}

			lambda *= 10
			if lambda > maxLambda {
				break
			}
		}
		if singular {
			res.X, res.Cost, res.Iterations = x, cost, iter
			return res, errors.Wrapf(ErrSingular, "after %d iterations", iter)
		}
		if lambda > maxLambda {
			// no descent direction left at this resolution
			res.Converged = true
		}
	}

	res.X = x
	res.Cost = cost
	res.Iterations = iter
	if !res.Converged {
		return res, errors.Wrapf(ErrNotConverged, "cost %g after %d iterations", cost, iter)
	}
	if s.KeepCovariance {
		jac(J, x)
		res.Covariance = Covariance(J, cost)
	}
	return res, nil
}

// Covariance returns (JᵀJ)⁻¹ scaled by the residual variance
// cost/(m-p), or nil when it is not defined.
func Covariance(J mat.Matrix, cost float64) *mat.SymDense {
	m, n := J.Dims()
	if m <= n {
		return nil
	}
	var jtj mat.SymDense
	jtj.SymOuterK(1, J.T())

	var chol mat.Cholesky
	if !chol.Factorize(&jtj) {
		return nil
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil
	}
	inv.ScaleSym(cost/float64(m-n), &inv)
	return &inv
}

func numericJacobian(f func(dst, x []float64)) func(dst *mat.Dense, x []float64) {
	settings := &fd.JacobianSettings{Formula: fd.Central}
	return func(dst *mat.Dense, x []float64) {
		fd.Jacobian(dst, f, x, settings)
	}
}

// CovarianceAt evaluates the covariance of p at x, for iterates that did
// not pass the convergence tests.
func CovarianceAt(p Problem, x []float64) *mat.SymDense {
	r := make([]float64, p.Size)
	p.Func(r, x)
	jac := p.Jac
	if jac == nil {
		jac = numericJacobian(p.Func)
	}
	J := mat.NewDense(p.Size, p.Dim, nil)
	jac(J, x)
	return Covariance(J, floats.Dot(r, r))
}
