package camera

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/kwv/robustfit/consensus"
)

// Default suggestion weights. Refinement runs one stage per weight from
// the minimum up to the maximum, each warm-started from the previous one.
const (
	DefaultMinSuggestionWeight  = 0.1
	DefaultMaxSuggestionWeight  = 2.0
	DefaultSuggestionWeightStep = 1.0
)

// Suggestions are soft priors pulled in during refinement. Each enabled
// term adds weight·(current - suggested) residuals to the cost.
type Suggestions struct {
	SkewEnabled bool
	Skew        float64

	FocalXEnabled bool
	FocalX        float64

	FocalYEnabled bool
	FocalY        float64

	AspectRatioEnabled bool
	AspectRatio        float64

	PrincipalPointEnabled bool
	PrincipalPoint        r2.Point

	RotationEnabled bool
	// Rotation is 3x3; nil means identity.
	Rotation *mat.Dense

	CenterEnabled bool
	Center        r3.Vector

	MinWeight  float64
	MaxWeight  float64
	WeightStep float64
}

// DefaultSuggestions has every term disabled with neutral targets.
func DefaultSuggestions() Suggestions {
	return Suggestions{
		AspectRatio: 1,
		MinWeight:   DefaultMinSuggestionWeight,
		MaxWeight:   DefaultMaxSuggestionWeight,
		WeightStep:  DefaultSuggestionWeightStep,
	}
}

// Any reports whether at least one term is enabled.
func (s Suggestions) Any() bool {
	return s.SkewEnabled || s.FocalXEnabled || s.FocalYEnabled || s.AspectRatioEnabled ||
		s.PrincipalPointEnabled || s.RotationEnabled || s.CenterEnabled
}

// Validate checks targets and weights.
func (s Suggestions) Validate() error {
	for name, v := range map[string]float64{
		"skew":              s.Skew,
		"horizontal focal":  s.FocalX,
		"vertical focal":    s.FocalY,
		"principal point x": s.PrincipalPoint.X,
		"principal point y": s.PrincipalPoint.Y,
		"center x":          s.Center.X,
		"center y":          s.Center.Y,
		"center z":          s.Center.Z,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return invalidArgf("suggested %s must be finite, got %v", name, v)
		}
	}
	if !(s.AspectRatio > 0) || math.IsInf(s.AspectRatio, 1) {
		return invalidArgf("suggested aspect ratio must be positive, got %v", s.AspectRatio)
	}
	if s.Rotation != nil {
		if err := validateRotation(s.Rotation); err != nil {
			return err
		}
	}
	if !(s.MinWeight > 0) || !(s.MaxWeight >= s.MinWeight) || math.IsInf(s.MaxWeight, 1) {
		return invalidArgf("suggestion weights need 0 < min <= max, got %v and %v", s.MinWeight, s.MaxWeight)
	}
	if !(s.WeightStep > 0) {
		return invalidArgf("suggestion weight step must be positive, got %v", s.WeightStep)
	}
	return nil
}

func validateRotation(r mat.Matrix) error {
	if rows, cols := r.Dims(); rows != 3 || cols != 3 {
		return invalidArgf("suggested rotation must be 3x3, got %dx%d", rows, cols)
	}
	var rrt mat.Dense
	rrt.Mul(r, r.T())
	if !mat.EqualApprox(&rrt, identity3(), 1e-6) || mat.Det(r) < 0 {
		return invalidArgf("suggested rotation is not a proper rotation")
	}
	return nil
}

func identity3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

// weights returns the continuation schedule, always ending at MaxWeight.
func (s Suggestions) weights() []float64 {
	var out []float64
	for w := s.MinWeight; w < s.MaxWeight; w += s.WeightStep {
		out = append(out, w)
	}
	return append(out, s.MaxWeight)
}

// count returns the number of residuals the enabled terms add.
func (s Suggestions) count() int {
	n := 0
	for _, on := range []bool{s.SkewEnabled, s.FocalXEnabled, s.FocalYEnabled, s.AspectRatioEnabled} {
		if on {
			n++
		}
	}
	if s.PrincipalPointEnabled {
		n += 2
	}
	if s.RotationEnabled {
		n += 9
	}
	if s.CenterEnabled {
		n += 3
	}
	return n
}

// residuals writes the weighted suggestion residuals of the given camera
// parameters into dst, which has length count().
func (s Suggestions) residuals(dst []float64, k Intrinsics, rotation mat.Matrix, center r3.Vector, weight float64) {
	i := 0
	put := func(v float64) {
		dst[i] = weight * v
		i++
	}
	if s.SkewEnabled {
		put(k.Skew - s.Skew)
	}
	if s.FocalXEnabled {
		put(k.FocalX - s.FocalX)
	}
	if s.FocalYEnabled {
		put(k.FocalY - s.FocalY)
	}
	if s.AspectRatioEnabled {
		put(k.AspectRatio() - s.AspectRatio)
	}
	if s.PrincipalPointEnabled {
		put(k.PrincipalX - s.PrincipalPoint.X)
		put(k.PrincipalY - s.PrincipalPoint.Y)
	}
	if s.RotationEnabled {
		target := s.Rotation
		if target == nil {
			target = identity3()
		}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				put(rotation.At(r, c) - target.At(r, c))
			}
		}
	}
	if s.CenterEnabled {
		put(center.X - s.Center.X)
		put(center.Y - s.Center.Y)
		put(center.Z - s.Center.Z)
	}
}

func invalidArgf(format string, args ...interface{}) error {
	return errors.Wrapf(consensus.ErrInvalidArgument, format, args...)
}
