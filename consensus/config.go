package consensus

import "math"

// Defaults shared by every estimator.
const (
	DefaultThreshold          = 1.0
	DefaultStopThreshold      = 1e-3
	DefaultInlierFactor       = 1.5
	DefaultConfidence         = 0.99
	DefaultMaxIterations      = 5000
	DefaultProgressDelta      = 0.05
	DefaultResultRefined      = true
	DefaultCovarianceKept     = false
	DefaultFastRefinementUsed = false
)

// Config bundles the tunables of one estimator. Values are validated by the
// estimator setters; Validate checks a whole bundle at once, e.g. after
// loading it from a file.
type Config struct {
	// Threshold is the residual below which a sample is an inlier
	// (RANSAC, MSAC, PROSAC).
	Threshold float64
	// StopThreshold ends LMedS/PROMedS early once the best median residual
	// drops below it, and is the lower bound of their inlier threshold.
	StopThreshold float64
	// InlierFactor scales the robust standard deviation estimated from the
	// median residual (LMedS, PROMedS).
	InlierFactor float64
	// Confidence is the probability, in (0,1), that at least one sampled
	// subset is outlier free.
	Confidence float64
	// MaxIterations caps the consensus loop.
	MaxIterations int
	// ProgressDelta is the minimum progress advance, in [0,1], between two
	// progress notifications.
	ProgressDelta float64

	ResultRefined      bool
	CovarianceKept     bool
	FastRefinementUsed bool
}

// DefaultConfig returns the configuration estimators start with.
func DefaultConfig() Config {
	return Config{
		Threshold:          DefaultThreshold,
		StopThreshold:      DefaultStopThreshold,
		InlierFactor:       DefaultInlierFactor,
		Confidence:         DefaultConfidence,
		MaxIterations:      DefaultMaxIterations,
		ProgressDelta:      DefaultProgressDelta,
		ResultRefined:      DefaultResultRefined,
		CovarianceKept:     DefaultCovarianceKept,
		FastRefinementUsed: DefaultFastRefinementUsed,
	}
}

// Validate checks every field of c.
func (c Config) Validate() error {
	if err := validateThreshold("threshold", c.Threshold); err != nil {
		return err
	}
	if err := validateThreshold("stop threshold", c.StopThreshold); err != nil {
		return err
	}
	if err := validateInlierFactor(c.InlierFactor); err != nil {
		return err
	}
	if err := validateConfidence(c.Confidence); err != nil {
		return err
	}
	if err := validateMaxIterations(c.MaxIterations); err != nil {
		return err
	}
	return validateProgressDelta(c.ProgressDelta)
}

func validateThreshold(name string, v float64) error {
	if !(v > 0) || math.IsInf(v, 1) {
		return invalidArgf("%s must be positive and finite, got %v", name, v)
	}
	return nil
}

func validateInlierFactor(v float64) error {
	if !(v >= 1) || math.IsInf(v, 1) {
		return invalidArgf("inlier factor must be >= 1, got %v", v)
	}
	return nil
}

func validateConfidence(v float64) error {
	if !(v > 0 && v < 1) {
		return invalidArgf("confidence must be in (0,1), got %v", v)
	}
	return nil
}

func validateMaxIterations(v int) error {
	if v < 1 {
		return invalidArgf("max iterations must be positive, got %d", v)
	}
	return nil
}

func validateProgressDelta(v float64) error {
	if !(v >= 0 && v <= 1) {
		return invalidArgf("progress delta must be in [0,1], got %v", v)
	}
	return nil
}
