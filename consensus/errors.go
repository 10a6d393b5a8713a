package consensus

import "github.com/pkg/errors"

var (
	// ErrLocked is returned when a setter or Estimate is called while an
	// estimation is running on the same estimator.
	ErrLocked = errors.New("estimator is locked")

	// ErrNotReady is returned by Estimate when required inputs are missing
	// or inconsistent.
	ErrNotReady = errors.New("estimator is not ready")

	// ErrInvalidArgument is returned by setters for out-of-range or
	// mis-sized values. The estimator state is left unchanged.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrRobustEstimator is returned when the consensus loop finishes
	// without finding any usable model.
	ErrRobustEstimator = errors.New("robust estimation failed")

	// ErrDegenerateSample is returned by minimal solvers for rank-deficient
	// or otherwise singular subsets.
	ErrDegenerateSample = errors.New("degenerate sample")

	// ErrRefinement marks a refinement failure. It never escapes Estimate.
	ErrRefinement = errors.New("refinement failed")
)

func invalidArgf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidArgument, format, args...)
}

// WithCause wraps cause with a message and marks it with sentinel. Both
// match errors.Is on the result.
func WithCause(sentinel, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return errors.Wrapf(sentinel, format, args...)
	}
	return &causeError{sentinel: sentinel, cause: errors.Wrapf(cause, format, args...)}
}

type causeError struct {
	sentinel error
	cause    error
}

func (e *causeError) Error() string   { return e.sentinel.Error() + ": " + e.cause.Error() }
func (e *causeError) Unwrap() []error { return []error{e.sentinel, e.cause} }
