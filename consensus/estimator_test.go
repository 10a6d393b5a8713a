package consensus

import (
	"bytes"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEstimator_Defaults(t *testing.T) {
	e, err := NewEstimator[line](nil, DefaultMethod)
	require.NoError(t, err)

	assert.Equal(t, PROMedS, e.Method())
	assert.Equal(t, DefaultConfig(), e.Config())
	assert.False(t, e.IsLocked())
	assert.False(t, e.IsReady())
	assert.Nil(t, e.InliersData())

	_, err = NewEstimator[line](nil, Method(42))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestEstimator_SetterRoundTrip(t *testing.T) {
	e, err := NewEstimator[line](nil, RANSAC)
	require.NoError(t, err)

	require.NoError(t, e.SetThreshold(2.5))
	require.NoError(t, e.SetStopThreshold(1e-4))
	require.NoError(t, e.SetInlierFactor(2))
	require.NoError(t, e.SetConfidence(0.95))
	require.NoError(t, e.SetMaxIterations(123))
	require.NoError(t, e.SetProgressDelta(0.25))
	require.NoError(t, e.SetResultRefined(false))
	require.NoError(t, e.SetCovarianceKept(true))
	require.NoError(t, e.SetFastRefinementUsed(true))
	require.NoError(t, e.SetMethod(MSAC))

	assert.Equal(t, 2.5, e.Threshold())
	assert.Equal(t, 1e-4, e.StopThreshold())
	assert.Equal(t, 2.0, e.InlierFactor())
	assert.Equal(t, 0.95, e.Confidence())
	assert.Equal(t, 123, e.MaxIterations())
	assert.Equal(t, 0.25, e.ProgressDelta())
	assert.False(t, e.ResultRefined())
	assert.True(t, e.CovarianceKept())
	assert.True(t, e.FastRefinementUsed())
	assert.Equal(t, MSAC, e.Method())
}

func TestEstimator_SettersRejectInvalidValues(t *testing.T) {
	e, err := NewEstimator[line](nil, RANSAC)
	require.NoError(t, err)
	before := e.Config()

	tests := []struct {
		name string
		set  func() error
	}{
		{"zero threshold", func() error { return e.SetThreshold(0) }},
		{"negative threshold", func() error { return e.SetThreshold(-1) }},
		{"nan threshold", func() error { return e.SetThreshold(math.NaN()) }},
		{"inf threshold", func() error { return e.SetThreshold(math.Inf(1)) }},
		{"zero stop threshold", func() error { return e.SetStopThreshold(0) }},
		{"inlier factor below one", func() error { return e.SetInlierFactor(0.99) }},
		{"confidence zero", func() error { return e.SetConfidence(0) }},
		{"confidence one", func() error { return e.SetConfidence(1) }},
		{"confidence above one", func() error { return e.SetConfidence(1.5) }},
		{"zero iterations", func() error { return e.SetMaxIterations(0) }},
		{"negative progress delta", func() error { return e.SetProgressDelta(-0.1) }},
		{"progress delta above one", func() error { return e.SetProgressDelta(1.1) }},
		{"unknown method", func() error { return e.SetMethod(Method(-1)) }},
		{"invalid config", func() error {
			cfg := DefaultConfig()
			cfg.Confidence = 2
			return e.SetConfig(cfg)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.set(), ErrInvalidArgument)
		})
	}
	assert.Equal(t, before, e.Config(), "rejected values must not change state")
	assert.Equal(t, RANSAC, e.Method())
}

func TestEstimator_BoundaryValuesAccepted(t *testing.T) {
	e, err := NewEstimator[line](nil, RANSAC)
	require.NoError(t, err)

	assert.NoError(t, e.SetInlierFactor(1))
	assert.NoError(t, e.SetMaxIterations(1))
	assert.NoError(t, e.SetProgressDelta(0))
	assert.NoError(t, e.SetProgressDelta(1))
	assert.NoError(t, e.SetConfidence(1e-9))
	assert.NoError(t, e.SetThreshold(math.SmallestNonzeroFloat64))
}

func TestEstimator_QualityScores(t *testing.T) {
	p := &lineProblem{points: make([]point, 5)}
	e, err := NewEstimator[line](p, PROSAC)
	require.NoError(t, err)
	assert.False(t, e.IsReady(), "PROSAC without quality scores")

	assert.ErrorIs(t, e.SetQualityScores([]float64{1, 2, 3}), ErrInvalidArgument)
	assert.ErrorIs(t, e.SetQualityScores([]float64{1, 2, math.NaN(), 4, 5}), ErrInvalidArgument)
	assert.Nil(t, e.QualityScores())

	scores := []float64{1, 2, 3, 4, 5}
	require.NoError(t, e.SetQualityScores(scores))
	scores[0] = 99
	assert.Equal(t, []float64{1, 2, 3, 4, 5}, e.QualityScores())
	assert.True(t, e.IsReady())

	// growing the sample set invalidates the scores
	require.NoError(t, e.SetProblem(&lineProblem{points: make([]point, 6)}))
	assert.False(t, e.IsReady())
	_, err = e.Estimate()
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestEstimator_ClearQualityScores(t *testing.T) {
	p := &lineProblem{points: make([]point, 5)}
	e, err := NewEstimator[line](p, PROSAC)
	require.NoError(t, err)
	require.NoError(t, e.SetQualityScores([]float64{1, 2, 3, 4, 5}))

	require.NoError(t, e.SetMethod(RANSAC))
	require.NoError(t, e.SetQualityScores(nil))
	assert.Nil(t, e.QualityScores())
	assert.True(t, e.IsReady())

	// an empty, non-nil slice is still a size mismatch
	assert.ErrorIs(t, e.SetQualityScores([]float64{}), ErrInvalidArgument)

	require.NoError(t, e.SetMethod(PROSAC))
	assert.False(t, e.IsReady())
}

func TestEstimator_Readiness(t *testing.T) {
	e, err := NewEstimator[line](nil, RANSAC)
	require.NoError(t, err)

	_, err = e.Estimate()
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, e.SetProblem(&lineProblem{points: []point{{0, 0}}}))
	assert.False(t, e.IsReady())
	_, err = e.Estimate()
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, e.SetProblem(&lineProblem{points: []point{{0, 0}, {1, 1}}}))
	assert.True(t, e.IsReady())
}

// recorder captures listener events and probes the lock from inside them.
type recorder struct {
	starts, ends int
	iterations   []int
	progress     []float64

	lockedInStart    bool
	setterErrInStart error
	nestedErrInStart error
	lockedInEnd      bool
	setterErrInIter  error
	thresholdInIter  float64
	inliersSeenAtEnd bool
}

func (r *recorder) listener() Listener[*Estimator[line]] {
	return ListenerFuncs[*Estimator[line]]{
		Start: func(e *Estimator[line]) {
			r.starts++
			r.lockedInStart = e.IsLocked()
			r.setterErrInStart = e.SetThreshold(-1)
			_, r.nestedErrInStart = e.Estimate()
		},
		End: func(e *Estimator[line]) {
			r.ends++
			r.lockedInEnd = e.IsLocked()
			r.inliersSeenAtEnd = e.InliersData() != nil
		},
		NextIteration: func(e *Estimator[line], i int) {
			if len(r.iterations) == 0 {
				r.setterErrInIter = e.SetMaxIterations(1)
				r.thresholdInIter = e.Threshold()
			}
			r.iterations = append(r.iterations, i)
		},
		Progress: func(_ *Estimator[line], p float64) {
			r.progress = append(r.progress, p)
		},
	}
}

func TestEstimate_ListenerEventsAndLock(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	pts, _ := noisyLine(rng, 200, 0.3, 0.01)
	e := newTestEstimator(t, &lineProblem{points: pts}, RANSAC)
	require.NoError(t, e.SetProgressDelta(0.1))

	rec := &recorder{}
	require.NoError(t, e.SetListener(rec.listener()))

	_, err := e.Estimate()
	require.NoError(t, err)

	assert.Equal(t, 1, rec.starts)
	assert.Equal(t, 1, rec.ends)
	assert.True(t, rec.lockedInStart)
	assert.True(t, rec.lockedInEnd, "end fires before the lock is released")
	assert.True(t, rec.inliersSeenAtEnd)
	assert.ErrorIs(t, rec.setterErrInStart, ErrLocked, "lock is checked before the argument")
	assert.ErrorIs(t, rec.nestedErrInStart, ErrLocked)
	assert.ErrorIs(t, rec.setterErrInIter, ErrLocked)
	assert.Equal(t, 0.1, rec.thresholdInIter, "getters work while locked")

	assert.False(t, e.IsLocked())
	assert.Equal(t, 0.1, e.Threshold(), "setter called while locked had no effect")
	assert.Equal(t, e.Iterations(), len(rec.iterations))
	for i, it := range rec.iterations {
		assert.Equal(t, i, it)
	}

	require.NotEmpty(t, rec.progress)
	for i := 1; i < len(rec.progress); i++ {
		assert.GreaterOrEqual(t, rec.progress[i], rec.progress[i-1])
	}
	for _, p := range rec.progress {
		assert.True(t, p >= 0 && p <= 1, "progress %v out of range", p)
	}
	assert.Equal(t, 1.0, rec.progress[len(rec.progress)-1])

	// setters work again once released
	assert.NoError(t, e.SetThreshold(0.2))
}

func TestEstimate_EndFiresOnFailure(t *testing.T) {
	pts := make([]point, 4)
	e := newTestEstimator(t, &lineProblem{points: pts}, LMedS)
	require.NoError(t, e.SetMaxIterations(2))

	rec := &recorder{}
	require.NoError(t, e.SetListener(rec.listener()))

	_, err := e.Estimate()
	require.ErrorIs(t, err, ErrRobustEstimator)
	assert.Equal(t, 1, rec.starts)
	assert.Equal(t, 1, rec.ends)
	assert.False(t, e.IsLocked())
}

func TestEstimate_NoCallbacksWhenNotReady(t *testing.T) {
	e := newTestEstimator(t, &lineProblem{}, RANSAC)
	rec := &recorder{}
	require.NoError(t, e.SetListener(rec.listener()))

	_, err := e.Estimate()
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Zero(t, rec.starts)
	assert.Zero(t, rec.ends)
}

func TestEstimate_ConcurrentCallRejected(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	pts, _ := noisyLine(rng, 50, 0.1, 0.01)
	e := newTestEstimator(t, &lineProblem{points: pts}, RANSAC)

	started := make(chan struct{})
	proceed := make(chan struct{})
	require.NoError(t, e.SetListener(ListenerFuncs[*Estimator[line]]{
		Start: func(*Estimator[line]) {
			close(started)
			<-proceed
		},
	}))

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = e.Estimate()
	}()

	<-started
	_, err := e.Estimate()
	assert.ErrorIs(t, err, ErrLocked)
	assert.ErrorIs(t, e.SetMethod(LMedS), ErrLocked)
	assert.True(t, e.IsLocked())
	close(proceed)
	wg.Wait()

	assert.NoError(t, firstErr)
	assert.False(t, e.IsLocked())
	assert.Equal(t, RANSAC, e.Method())
}

func TestEstimate_LogsRefinementFailure(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	pts, _ := noisyLine(rng, 80, 0.1, 0.01)
	p := &refiningLineProblem{
		lineProblem: &lineProblem{points: pts},
		err:         ErrRefinement,
	}
	e := newTestEstimator(t, p, RANSAC)

	var buf bytes.Buffer
	require.NoError(t, e.SetLogger(zerolog.New(&buf).Level(zerolog.WarnLevel)))

	_, err := e.Estimate()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "refinement failed")
	assert.Contains(t, buf.String(), `"level":"warn"`)
}
