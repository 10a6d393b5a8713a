package transform

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"github.com/kwv/robustfit/consensus"
)

// problem adapts matched 2D point sets to the consensus engine.
type problem struct {
	kind   Kind
	source []r2.Point
	target []r2.Point
}

func (p *problem) Len() int        { return len(p.source) }
func (p *problem) SubsetSize() int { return p.kind.MinimumPoints() }

func (p *problem) Solve(idx []int) ([]AffineMatrix, error) {
	m, err := p.kind.Solve(p.source, p.target, idx)
	if err != nil {
		return nil, err
	}
	return []AffineMatrix{m}, nil
}

// Residual is the distance between the mapped source point and its target.
func (p *problem) Residual(m AffineMatrix, i int) float64 {
	return m.Apply(p.source[i]).Sub(p.target[i]).Norm()
}

// Estimator robustly fits a transform of a fixed Kind.
type Estimator struct {
	*consensus.Estimator[AffineMatrix]
	kind Kind
}

// NewEstimator returns an estimator for kind without points.
func NewEstimator(kind Kind, method consensus.Method) (*Estimator, error) {
	if !kind.Valid() {
		return nil, errors.Wrapf(consensus.ErrInvalidArgument, "unknown transform kind %d", int(kind))
	}
	core, err := consensus.NewEstimator[AffineMatrix](&problem{kind: kind}, method)
	if err != nil {
		return nil, err
	}
	return &Estimator{Estimator: core, kind: kind}, nil
}

// NewEstimatorWithPoints is NewEstimator followed by SetPoints.
func NewEstimatorWithPoints(kind Kind, source, target []r2.Point, method consensus.Method) (*Estimator, error) {
	e, err := NewEstimator(kind, method)
	if err != nil {
		return nil, err
	}
	if err := e.SetPoints(source, target); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Estimator) Kind() Kind { return e.kind }

func (e *Estimator) current() *problem {
	if p, ok := e.Problem().(*problem); ok {
		return p
	}
	return &problem{kind: e.kind}
}

// SetPoints sets the matched pairs; target[i] is the image of source[i].
func (e *Estimator) SetPoints(source, target []r2.Point) error {
	if e.IsLocked() {
		return consensus.ErrLocked
	}
	if len(source) != len(target) {
		return errors.Wrapf(consensus.ErrInvalidArgument, "got %d source points and %d target points", len(source), len(target))
	}
	if need := e.kind.MinimumPoints(); len(source) < need {
		return errors.Wrapf(consensus.ErrInvalidArgument, "%s needs at least %d pairs, got %d", e.kind, need, len(source))
	}
	return e.SetProblem(&problem{kind: e.kind, source: source, target: target})
}

func (e *Estimator) Source() []r2.Point { return e.current().source }
func (e *Estimator) Target() []r2.Point { return e.current().target }

type listenerAdapter struct {
	owner *Estimator
	l     consensus.Listener[*Estimator]
}

func (a listenerAdapter) OnEstimateStart(*consensus.Estimator[AffineMatrix]) {
	a.l.OnEstimateStart(a.owner)
}

func (a listenerAdapter) OnEstimateEnd(*consensus.Estimator[AffineMatrix]) {
	a.l.OnEstimateEnd(a.owner)
}

func (a listenerAdapter) OnEstimateNextIteration(_ *consensus.Estimator[AffineMatrix], iteration int) {
	a.l.OnEstimateNextIteration(a.owner, iteration)
}

func (a listenerAdapter) OnEstimateProgressChange(_ *consensus.Estimator[AffineMatrix], progress float64) {
	a.l.OnEstimateProgressChange(a.owner, progress)
}

// SetListener registers l; nil disables notifications.
func (e *Estimator) SetListener(l consensus.Listener[*Estimator]) error {
	if l == nil {
		return e.Estimator.SetListener(nil)
	}
	return e.Estimator.SetListener(listenerAdapter{owner: e, l: l})
}

func (e *Estimator) Listener() consensus.Listener[*Estimator] {
	if a, ok := e.Estimator.Listener().(listenerAdapter); ok {
		return a.l
	}
	return nil
}

// Estimate runs the robust fit and returns the transform.
func (e *Estimator) Estimate() (AffineMatrix, error) {
	m, err := e.Estimator.Estimate()
	if err != nil {
		return AffineMatrix{}, errors.WithMessage(err, e.kind.String())
	}
	return m, nil
}
