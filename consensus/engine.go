package consensus

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// maxDegenerateRetries bounds how many subsets one iteration may draw
// before giving up on degenerate samples.
const maxDegenerateRetries = 50

type runHooks struct {
	nextIteration func(iteration int)
	progress      func(progress float64)
}

type runResult[M any] struct {
	model      M
	inliers    *InliersData
	iterations int
}

// run executes the consensus loop shared by every method.
func run[M any](p Problem[M], method Method, cfg Config, quality []float64, rng *rand.Rand, hooks runHooks) (runResult[M], error) {
	var res runResult[M]

	pol, ok := policies[method]
	if !ok {
		return res, invalidArgf("unknown method %d", int(method))
	}
	n := p.Len()
	s := p.SubsetSize()
	if s <= 0 || n < s {
		return res, errors.Wrapf(ErrNotReady, "need at least %d samples, have %d", s, n)
	}

	var sampler subsetSampler
	if pol.sampling == sampleProgressive {
		if len(quality) != n {
			return res, errors.Wrapf(ErrNotReady, "%s needs %d quality scores, have %d", method, n, len(quality))
		}
		sampler = newProgressiveSampler(rng, quality, s, cfg.MaxIterations)
	} else {
		sampler = newUniformSampler(rng, n)
	}

	ev := evaluator[M]{
		problem:   p,
		policy:    pol,
		cfg:       cfg,
		residuals: make([]float64, n),
		scratch:   make([]float64, n),
	}
	subset := make([]int, s)

	var (
		best         M
		found        bool
		bestScore    = math.Inf(1)
		required     = RequiredIterations(0, s, cfg.Confidence, cfg.MaxIterations)
		lastProgress float64
		lastErr      error
		stop         bool
		iter         int
	)

	for iter < required && iter < cfg.MaxIterations && !stop {
		if hooks.nextIteration != nil {
			hooks.nextIteration(iter)
		}

		candidates, err := solveSubset(p, sampler, iter, subset)
		if err != nil {
			lastErr = err
		}
		for _, c := range candidates {
			score, inliers, valid := ev.score(c)
			if !valid || !(score < bestScore) {
				continue
			}
			best, bestScore, found = c, score, true

			ratio := float64(inliers) / float64(n)
			if r := RequiredIterations(ratio, s, cfg.Confidence, cfg.MaxIterations); r < required {
				required = r
			}
			if pol.scoring == scoreMedianResidual && score < cfg.StopThreshold {
				stop = true
			}
		}
		iter++

		progress := math.Min(1, float64(iter)/float64(required))
		if hooks.progress != nil && progress > lastProgress && progress-lastProgress >= cfg.ProgressDelta {
			lastProgress = progress
			hooks.progress(progress)
		}
	}

	if !found {
		if lastErr != nil {
			return res, WithCause(ErrRobustEstimator, lastErr, "no model after %d iterations", iter)
		}
		return res, errors.Wrapf(ErrRobustEstimator, "no model with inliers after %d iterations", iter)
	}
	if hooks.progress != nil && lastProgress < 1 {
		hooks.progress(1)
	}

	res.model = best
	res.inliers = ev.final(method, best)
	res.iterations = iter
	return res, nil
}

// solveSubset draws subsets until the solver returns at least one model or
// the retry budget for degenerate samples is spent.
func solveSubset[M any](p Problem[M], sampler subsetSampler, iter int, subset []int) ([]M, error) {
	var lastErr error
	for attempt := 0; attempt < maxDegenerateRetries; attempt++ {
		sampler.Sample(iter, subset)
		models, err := p.Solve(subset)
		if err == nil && len(models) > 0 {
			return models, nil
		}
		if err == nil {
			err = errors.Wrap(ErrDegenerateSample, "solver returned no model")
		}
		if !errors.Is(err, ErrDegenerateSample) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// evaluator scores candidates against the whole correspondence set.
// Scores are "lower is better" for every policy.
type evaluator[M any] struct {
	problem   Problem[M]
	policy    policy
	cfg       Config
	residuals []float64
	scratch   []float64
}

func (e *evaluator[M]) fill(model M) []float64 {
	for i := range e.residuals {
		r := e.problem.Residual(model, i)
		if math.IsNaN(r) {
			r = math.Inf(1)
		}
		e.residuals[i] = r
	}
	return e.residuals
}

// score returns the candidate's score, the inlier count used for adaptive
// stopping and whether the candidate is usable at all. Median policies count
// against the larger of the stop and inlier thresholds.
func (e *evaluator[M]) score(model M) (float64, int, bool) {
	residuals := e.fill(model)

	switch e.policy.scoring {
	case scoreMedianResidual:
		med := median(residuals, e.scratch)
		if math.IsInf(med, 1) {
			return 0, 0, false
		}
		// A bound scaled from this candidate's median would let a poor
		// model count its outliers; the robust threshold is for final only.
		bound := math.Max(e.cfg.StopThreshold, e.cfg.Threshold)
		count := 0
		for _, r := range residuals {
			if r <= bound {
				count++
			}
		}
		return med, count, true

	case scoreTruncatedCost:
		t := e.cfg.Threshold
		tSq := t * t
		var cost float64
		count := 0
		for _, r := range residuals {
			if r < t {
				count++
				cost += r * r
			} else {
				cost += tSq
			}
		}
		return cost, count, count > 0

	default:
		count := 0
		for _, r := range residuals {
			if r < e.cfg.Threshold {
				count++
			}
		}
		return -float64(count), count, count > 0
	}
}

// final builds the InliersData of the winning model.
func (e *evaluator[M]) final(method Method, model M) *InliersData {
	residuals := make([]float64, len(e.residuals))
	copy(residuals, e.fill(model))
	med := median(residuals, e.scratch)

	var d *InliersData
	if e.policy.scoring == scoreMedianResidual {
		threshold := robustThreshold(med, len(residuals), e.problem.SubsetSize(), e.cfg.InlierFactor, e.cfg.StopThreshold)
		d = newInliersData(method, residuals, threshold, false)
	} else {
		d = newInliersData(method, residuals, e.cfg.Threshold, true)
	}
	d.bestMedianResidual = med
	return d
}
