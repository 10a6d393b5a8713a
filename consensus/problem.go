package consensus

import "gonum.org/v1/gonum/mat"

// MinimalSolver computes candidate models from minimal subsets.
type MinimalSolver[M any] interface {
	// SubsetSize is the number of samples in a minimal subset.
	SubsetSize() int
	// Solve returns the candidate models supported by the samples at the
	// given indices. Rank-deficient subsets yield ErrDegenerateSample.
	Solve(indices []int) ([]M, error)
}

// ResidualEvaluator measures how far sample i is from model. Residuals are
// non-negative; +Inf marks samples the model cannot explain at all.
type ResidualEvaluator[M any] interface {
	Residual(model M, i int) float64
}

// Problem is a correspondence set together with its model contract.
type Problem[M any] interface {
	MinimalSolver[M]
	ResidualEvaluator[M]
	// Len is the number of correspondences.
	Len() int
}

// RefineOptions controls the refinement stage.
type RefineOptions struct {
	// Fast selects the cheaper refinement scheme.
	Fast bool
	// KeepCovariance requests the parameter covariance at the solution.
	KeepCovariance bool
}

// Refined is the outcome of a successful refinement.
type Refined[M any] struct {
	Model M
	// Covariance is nil unless requested and the system was well posed.
	Covariance *mat.SymDense
}

// Refiner improves a consensus model using its inliers only. Problems that
// implement it are refined when the estimator has ResultRefined set.
type Refiner[M any] interface {
	Refine(model M, inliers *InliersData, opts RefineOptions) (Refined[M], error)
}
