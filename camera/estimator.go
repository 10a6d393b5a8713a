package camera

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/kwv/robustfit/consensus"
)

// problem adapts a 3D-2D correspondence set to the consensus engine.
// It is replaced, never mutated, when points or suggestions change.
type problem struct {
	points3D    []r3.Vector
	points2D    []r2.Point
	suggestions Suggestions
}

func (p *problem) Len() int        { return len(p.points3D) }
func (p *problem) SubsetSize() int { return MinimumPoints }

func (p *problem) Solve(idx []int) ([]*PinholeCamera, error) {
	cam, err := SolveDLT(p.points3D, p.points2D, idx)
	if err != nil {
		return nil, err
	}
	return []*PinholeCamera{cam}, nil
}

func (p *problem) Residual(cam *PinholeCamera, i int) float64 {
	return cam.ReprojectionError(p.points3D[i], p.points2D[i])
}

// Estimator robustly estimates a pinhole camera from 3D-2D
// correspondences. It embeds the generic consensus estimator for the
// shared configuration surface.
type Estimator struct {
	*consensus.Estimator[*PinholeCamera]
}

// NewEstimator returns an estimator without points using method.
func NewEstimator(method consensus.Method) (*Estimator, error) {
	core, err := consensus.NewEstimator[*PinholeCamera](&problem{suggestions: DefaultSuggestions()}, method)
	if err != nil {
		return nil, err
	}
	return &Estimator{Estimator: core}, nil
}

// NewEstimatorWithPoints is NewEstimator followed by SetPoints.
func NewEstimatorWithPoints(points3D []r3.Vector, points2D []r2.Point, method consensus.Method) (*Estimator, error) {
	e, err := NewEstimator(method)
	if err != nil {
		return nil, err
	}
	if err := e.SetPoints(points3D, points2D); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Estimator) current() *problem {
	if p, ok := e.Problem().(*problem); ok {
		return p
	}
	return &problem{suggestions: DefaultSuggestions()}
}

// SetPoints sets the correspondences. Both slices must have the same
// length, at least MinimumPoints. They are not copied and must not be
// modified while the estimator uses them.
func (e *Estimator) SetPoints(points3D []r3.Vector, points2D []r2.Point) error {
	if e.IsLocked() {
		return consensus.ErrLocked
	}
	if len(points3D) != len(points2D) {
		return invalidArgf("got %d 3D points and %d 2D points", len(points3D), len(points2D))
	}
	if len(points3D) < MinimumPoints {
		return invalidArgf("need at least %d correspondences, got %d", MinimumPoints, len(points3D))
	}
	next := *e.current()
	next.points3D, next.points2D = points3D, points2D
	return e.SetProblem(&next)
}

// Points3D returns the 3D points in use.
func (e *Estimator) Points3D() []r3.Vector { return e.current().points3D }

// Points2D returns the 2D points in use.
func (e *Estimator) Points2D() []r2.Point { return e.current().points2D }

// Suggestions returns the refinement suggestions.
func (e *Estimator) Suggestions() Suggestions {
	s := e.current().suggestions
	if s.Rotation != nil {
		s.Rotation = mat.DenseCopyOf(s.Rotation)
	}
	return s
}

// SetSuggestions replaces every suggestion at once.
func (e *Estimator) SetSuggestions(s Suggestions) error {
	if e.IsLocked() {
		return consensus.ErrLocked
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if s.Rotation != nil {
		s.Rotation = mat.DenseCopyOf(s.Rotation)
	}
	next := *e.current()
	next.suggestions = s
	return e.SetProblem(&next)
}

func (e *Estimator) updateSuggestions(fn func(s *Suggestions)) error {
	s := e.Suggestions()
	fn(&s)
	return e.SetSuggestions(s)
}

// SetSkewSuggested enables or disables the skewness suggestion.
func (e *Estimator) SetSkewSuggested(enabled bool, value float64) error {
	return e.updateSuggestions(func(s *Suggestions) { s.SkewEnabled, s.Skew = enabled, value })
}

// SetFocalXSuggested enables or disables the horizontal focal length
// suggestion.
func (e *Estimator) SetFocalXSuggested(enabled bool, value float64) error {
	return e.updateSuggestions(func(s *Suggestions) { s.FocalXEnabled, s.FocalX = enabled, value })
}

// SetFocalYSuggested enables or disables the vertical focal length
// suggestion.
func (e *Estimator) SetFocalYSuggested(enabled bool, value float64) error {
	return e.updateSuggestions(func(s *Suggestions) { s.FocalYEnabled, s.FocalY = enabled, value })
}

// SetAspectRatioSuggested enables or disables the FocalY/FocalX
// suggestion. value must be positive.
func (e *Estimator) SetAspectRatioSuggested(enabled bool, value float64) error {
	return e.updateSuggestions(func(s *Suggestions) { s.AspectRatioEnabled, s.AspectRatio = enabled, value })
}

func (e *Estimator) SetPrincipalPointSuggested(enabled bool, value r2.Point) error {
	return e.updateSuggestions(func(s *Suggestions) { s.PrincipalPointEnabled, s.PrincipalPoint = enabled, value })
}

// SetRotationSuggested enables or disables the rotation suggestion. value
// must be a proper 3x3 rotation; nil means identity.
func (e *Estimator) SetRotationSuggested(enabled bool, value mat.Matrix) error {
	if e.IsLocked() {
		return consensus.ErrLocked
	}
	var rot *mat.Dense
	if value != nil {
		if err := validateRotation(value); err != nil {
			return err
		}
		rot = mat.DenseCopyOf(value)
	}
	return e.updateSuggestions(func(s *Suggestions) { s.RotationEnabled, s.Rotation = enabled, rot })
}

func (e *Estimator) SetCenterSuggested(enabled bool, value r3.Vector) error {
	return e.updateSuggestions(func(s *Suggestions) { s.CenterEnabled, s.Center = enabled, value })
}

// SetSuggestionWeights sets the continuation schedule of suggestion
// weights.
func (e *Estimator) SetSuggestionWeights(min, max, step float64) error {
	return e.updateSuggestions(func(s *Suggestions) { s.MinWeight, s.MaxWeight, s.WeightStep = min, max, step })
}

// listenerAdapter forwards engine events with the camera estimator as the
// source.
type listenerAdapter struct {
	owner *Estimator
	l     consensus.Listener[*Estimator]
}

func (a listenerAdapter) OnEstimateStart(*consensus.Estimator[*PinholeCamera]) {
	a.l.OnEstimateStart(a.owner)
}

func (a listenerAdapter) OnEstimateEnd(*consensus.Estimator[*PinholeCamera]) {
	a.l.OnEstimateEnd(a.owner)
}

func (a listenerAdapter) OnEstimateNextIteration(_ *consensus.Estimator[*PinholeCamera], iteration int) {
	a.l.OnEstimateNextIteration(a.owner, iteration)
}

func (a listenerAdapter) OnEstimateProgressChange(_ *consensus.Estimator[*PinholeCamera], progress float64) {
	a.l.OnEstimateProgressChange(a.owner, progress)
}

// SetListener registers l; nil disables notifications.
func (e *Estimator) SetListener(l consensus.Listener[*Estimator]) error {
	if l == nil {
		return e.Estimator.SetListener(nil)
	}
	return e.Estimator.SetListener(listenerAdapter{owner: e, l: l})
}

// Listener returns the registered listener, if any.
func (e *Estimator) Listener() consensus.Listener[*Estimator] {
	if a, ok := e.Estimator.Listener().(listenerAdapter); ok {
		return a.l
	}
	return nil
}

// Estimate runs the robust estimation and returns the camera.
func (e *Estimator) Estimate() (*PinholeCamera, error) {
	cam, err := e.Estimator.Estimate()
	if err != nil {
		return nil, errors.WithMessage(err, "camera")
	}
	return cam, nil
}
