package consensus

// Listener receives estimation events. Callbacks run synchronously on the
// goroutine calling Estimate, while the estimator is locked: any setter or
// nested Estimate invoked from a callback returns ErrLocked. E is the
// estimator type handed to the callbacks.
type Listener[E any] interface {
	// OnEstimateStart fires once, before the first subset is drawn.
	OnEstimateStart(estimator E)
	// OnEstimateEnd fires once, after refinement or after a failure.
	OnEstimateEnd(estimator E)
	// OnEstimateNextIteration fires on every pass of the consensus loop.
	OnEstimateNextIteration(estimator E, iteration int)
	// OnEstimateProgressChange fires when progress, in [0,1], advanced by
	// at least the configured delta. Reported values never decrease.
	OnEstimateProgressChange(estimator E, progress float64)
}

// ListenerFuncs adapts plain functions to a Listener. Nil fields are
// skipped.
type ListenerFuncs[E any] struct {
	Start         func(estimator E)
	End           func(estimator E)
	NextIteration func(estimator E, iteration int)
	Progress      func(estimator E, progress float64)
}

func (l ListenerFuncs[E]) OnEstimateStart(e E) {
	if l.Start != nil {
		l.Start(e)
	}
}

func (l ListenerFuncs[E]) OnEstimateEnd(e E) {
	if l.End != nil {
		l.End(e)
	}
}

func (l ListenerFuncs[E]) OnEstimateNextIteration(e E, iteration int) {
	if l.NextIteration != nil {
		l.NextIteration(e, iteration)
	}
}

func (l ListenerFuncs[E]) OnEstimateProgressChange(e E, progress float64) {
	if l.Progress != nil {
		l.Progress(e, progress)
	}
}

// MultiListener fans events out to several listeners in order.
type MultiListener[E any] []Listener[E]

func (m MultiListener[E]) OnEstimateStart(e E) {
	for _, l := range m {
		l.OnEstimateStart(e)
	}
}

func (m MultiListener[E]) OnEstimateEnd(e E) {
	for _, l := range m {
		l.OnEstimateEnd(e)
	}
}

func (m MultiListener[E]) OnEstimateNextIteration(e E, iteration int) {
	for _, l := range m {
		l.OnEstimateNextIteration(e, iteration)
	}
}

func (m MultiListener[E]) OnEstimateProgressChange(e E, progress float64) {
	for _, l := range m {
		l.OnEstimateProgressChange(e, progress)
	}
}
