package consensus

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// Estimator is the robust estimation facade for models of type M. It owns
// the configuration, the lock and the results of the last run.
//
// While Estimate runs the estimator is locked: setters and nested Estimate
// calls return ErrLocked. Otherwise setters validate their argument and
// return ErrInvalidArgument without changing state when it is out of
// range.
// Getters are always allowed, including from listener callbacks.
type Estimator[M any] struct {
	mu     sync.RWMutex
	locked bool

	problem  Problem[M]
	method   Method
	cfg      Config
	quality  []float64
	listener Listener[*Estimator[M]]
	rng      *rand.Rand
	logger   zerolog.Logger

	inliers    *InliersData
	covariance *mat.SymDense
	iterations int
}

// NewEstimator returns an idle estimator using method and the default
// configuration. problem may be nil and set later.
func NewEstimator[M any](problem Problem[M], method Method) (*Estimator[M], error) {
	if !method.Valid() {
		return nil, invalidArgf("unknown method %d", int(method))
	}
	return &Estimator[M]{
		problem: problem,
		method:  method,
		cfg:     DefaultConfig(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:  zerolog.Nop(),
	}, nil
}

// acquire marks the estimator busy. The returned func releases it.
func (e *Estimator[M]) acquire() (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return nil, ErrLocked
	}
	e.locked = true
	return func() {
		e.mu.Lock()
		e.locked = false
		e.mu.Unlock()
	}, nil
}

// update runs fn under the write lock unless an estimation is in progress.
func (e *Estimator[M]) update(fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locked {
		return ErrLocked
	}
	return fn()
}

// IsLocked reports whether an estimation is running.
func (e *Estimator[M]) IsLocked() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.locked
}

// IsReady reports whether Estimate has everything it needs.
func (e *Estimator[M]) IsReady() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.readiness() == nil
}

func (e *Estimator[M]) readiness() error {
	if e.problem == nil {
		return errors.Wrap(ErrNotReady, "no samples")
	}
	n, s := e.problem.Len(), e.problem.SubsetSize()
	if n < s {
		return errors.Wrapf(ErrNotReady, "need at least %d samples, have %d", s, n)
	}
	if e.method.RequiresQualityScores() && len(e.quality) != n {
		return errors.Wrapf(ErrNotReady, "%s needs %d quality scores, have %d", e.method, n, len(e.quality))
	}
	return nil
}

// Problem returns the configured problem.
func (e *Estimator[M]) Problem() Problem[M] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.problem
}

// SetProblem replaces the correspondence set.
func (e *Estimator[M]) SetProblem(p Problem[M]) error {
	return e.update(func() error {
		e.problem = p
		return nil
	})
}

// Method returns the consensus method.
func (e *Estimator[M]) Method() Method {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.method
}

// SetMethod changes the consensus method.
func (e *Estimator[M]) SetMethod(m Method) error {
	return e.update(func() error {
		if !m.Valid() {
			return invalidArgf("unknown method %d", int(m))
		}
		e.method = m
		return nil
	})
}

// Config returns a copy of the current configuration.
func (e *Estimator[M]) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// SetConfig replaces the whole configuration after validating it.
func (e *Estimator[M]) SetConfig(cfg Config) error {
	return e.update(func() error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		e.cfg = cfg
		return nil
	})
}

func (e *Estimator[M]) Threshold() float64 { return e.Config().Threshold }

// SetThreshold sets the inlier threshold of RANSAC, MSAC and PROSAC.
func (e *Estimator[M]) SetThreshold(v float64) error {
	return e.update(func() error {
		if err := validateThreshold("threshold", v); err != nil {
			return err
		}
		e.cfg.Threshold = v
		return nil
	})
}

func (e *Estimator[M]) StopThreshold() float64 { return e.Config().StopThreshold }

// SetStopThreshold sets the median residual below which LMedS and PROMedS
// stop early.
func (e *Estimator[M]) SetStopThreshold(v float64) error {
	return e.update(func() error {
		if err := validateThreshold("stop threshold", v); err != nil {
			return err
		}
		e.cfg.StopThreshold = v
		return nil
	})
}

func (e *Estimator[M]) InlierFactor() float64 { return e.Config().InlierFactor }

func (e *Estimator[M]) SetInlierFactor(v float64) error {
	return e.update(func() error {
		if err := validateInlierFactor(v); err != nil {
			return err
		}
		e.cfg.InlierFactor = v
		return nil
	})
}

func (e *Estimator[M]) Confidence() float64 { return e.Config().Confidence }

func (e *Estimator[M]) SetConfidence(v float64) error {
	return e.update(func() error {
		if err := validateConfidence(v); err != nil {
			return err
		}
		e.cfg.Confidence = v
		return nil
	})
}

func (e *Estimator[M]) MaxIterations() int { return e.Config().MaxIterations }

func (e *Estimator[M]) SetMaxIterations(v int) error {
	return e.update(func() error {
		if err := validateMaxIterations(v); err != nil {
			return err
		}
		e.cfg.MaxIterations = v
		return nil
	})
}

func (e *Estimator[M]) ProgressDelta() float64 { return e.Config().ProgressDelta }

func (e *Estimator[M]) SetProgressDelta(v float64) error {
	return e.update(func() error {
		if err := validateProgressDelta(v); err != nil {
			return err
		}
		e.cfg.ProgressDelta = v
		return nil
	})
}

func (e *Estimator[M]) ResultRefined() bool { return e.Config().ResultRefined }

func (e *Estimator[M]) SetResultRefined(v bool) error {
	return e.update(func() error {
		e.cfg.ResultRefined = v
		return nil
	})
}

func (e *Estimator[M]) CovarianceKept() bool { return e.Config().CovarianceKept }

func (e *Estimator[M]) SetCovarianceKept(v bool) error {
	return e.update(func() error {
		e.cfg.CovarianceKept = v
		return nil
	})
}

func (e *Estimator[M]) FastRefinementUsed() bool { return e.Config().FastRefinementUsed }

func (e *Estimator[M]) SetFastRefinementUsed(v bool) error {
	return e.update(func() error {
		e.cfg.FastRefinementUsed = v
		return nil
	})
}

// QualityScores returns a copy of the per-sample quality scores.
func (e *Estimator[M]) QualityScores() []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.quality == nil {
		return nil
	}
	out := make([]float64, len(e.quality))
	copy(out, e.quality)
	return out
}

// SetQualityScores sets the per-sample quality used by PROSAC and
// PROMedS. Higher is better. The slice is copied; nil clears the scores.
func (e *Estimator[M]) SetQualityScores(scores []float64) error {
	return e.update(func() error {
		if scores == nil {
			e.quality = nil
			return nil
		}
		if e.problem != nil && e.problem.Len() > 0 && len(scores) != e.problem.Len() {
			return invalidArgf("got %d quality scores for %d samples", len(scores), e.problem.Len())
		}
		for i, q := range scores {
			if math.IsNaN(q) || math.IsInf(q, 0) {
				return invalidArgf("quality score %d is not finite", i)
			}
		}
		e.quality = append([]float64(nil), scores...)
		return nil
	})
}

// Listener returns the registered listener, if any.
func (e *Estimator[M]) Listener() Listener[*Estimator[M]] {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.listener
}

// SetListener registers l. A nil listener disables notifications.
func (e *Estimator[M]) SetListener(l Listener[*Estimator[M]]) error {
	return e.update(func() error {
		e.listener = l
		return nil
	})
}

// SetSeed makes subset sampling reproducible.
func (e *Estimator[M]) SetSeed(seed int64) error {
	return e.update(func() error {
		e.rng = rand.New(rand.NewSource(seed))
		return nil
	})
}

// SetLogger sets the logger used for run summaries and refinement
// warnings.
func (e *Estimator[M]) SetLogger(l zerolog.Logger) error {
	return e.update(func() error {
		e.logger = l
		return nil
	})
}

// InliersData returns the inlier record of the last successful run, or
// nil.
func (e *Estimator[M]) InliersData() *InliersData {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.inliers
}

// Covariance returns the parameter covariance of the last refined model.
// ok is false when it was not requested or could not be computed.
func (e *Estimator[M]) Covariance() (*mat.SymDense, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.covariance == nil {
		return nil, false
	}
	c := mat.NewSymDense(e.covariance.SymmetricDim(), nil)
	c.CopySym(e.covariance)
	return c, true
}

// Iterations returns the number of consensus iterations of the last run.
func (e *Estimator[M]) Iterations() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.iterations
}

// Estimate runs the configured method and, when enabled and supported by
// the problem, refines the consensus model on its inliers. A refinement
// failure is logged and the unrefined model returned.
func (e *Estimator[M]) Estimate() (M, error) {
	var zero M

	release, err := e.acquire()
	if err != nil {
		return zero, err
	}
	defer release()

	e.mu.Lock()
	if err := e.readiness(); err != nil {
		e.mu.Unlock()
		return zero, err
	}
	e.inliers = nil
	e.covariance = nil
	e.iterations = 0
	problem, method, cfg, rng, logger, listener := e.problem, e.method, e.cfg, e.rng, e.logger, e.listener
	quality := e.quality
	e.mu.Unlock()

	if listener != nil {
		listener.OnEstimateStart(e)
		defer listener.OnEstimateEnd(e)
	}

	hooks := runHooks{}
	if listener != nil {
		hooks.nextIteration = func(i int) { listener.OnEstimateNextIteration(e, i) }
		hooks.progress = func(p float64) { listener.OnEstimateProgressChange(e, p) }
	}

	start := time.Now()
	res, err := run(problem, method, cfg, quality, rng, hooks)
	if err != nil {
		logger.Debug().Err(err).Str("method", method.String()).Msg("estimation failed")
		return zero, err
	}

	model := res.model
	var cov *mat.SymDense
	if cfg.ResultRefined {
		if r, ok := problem.(Refiner[M]); ok {
			refined, rerr := r.Refine(model, res.inliers, RefineOptions{
				Fast:           cfg.FastRefinementUsed,
				KeepCovariance: cfg.CovarianceKept,
			})
			if rerr != nil {
				logger.Warn().Err(rerr).Str("method", method.String()).Msg("refinement failed, keeping consensus model")
			} else {
				model = refined.Model
				if cfg.CovarianceKept {
					cov = refined.Covariance
				}
			}
		}
	}

	e.mu.Lock()
	e.inliers = res.inliers
	e.covariance = cov
	e.iterations = res.iterations
	e.mu.Unlock()

	logger.Debug().
		Str("method", method.String()).
		Int("iterations", res.iterations).
		Int("inliers", res.inliers.NumInliers()).
		Int("samples", res.inliers.NumSamples()).
		Dur("elapsed", time.Since(start)).
		Msg("estimation finished")

	return model, nil
}
