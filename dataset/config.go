// Package dataset loads the YAML run configuration and the JSON
// correspondence files robustfit estimates from.
package dataset

import (
	"fmt"
	"os"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gopkg.in/yaml.v3"

	"github.com/kwv/robustfit/camera"
	"github.com/kwv/robustfit/consensus"
	"github.com/kwv/robustfit/telemetry"
)

// Config is the robustfit configuration file.
type Config struct {
	Estimator   EstimatorConfig      `yaml:"estimator" json:"estimator"`
	Suggestions *SuggestionsConfig   `yaml:"suggestions,omitempty" json:"suggestions,omitempty"`
	MQTT        telemetry.MQTTConfig `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	HTTP        HTTPConfig           `yaml:"http,omitempty" json:"http,omitempty"`
}

// EstimatorConfig mirrors consensus.Config plus the method and seed.
type EstimatorConfig struct {
	Method         consensus.Method `yaml:"method" json:"method"`
	Threshold      float64          `yaml:"threshold" json:"threshold"`
	StopThreshold  float64          `yaml:"stopThreshold" json:"stopThreshold"`
	InlierFactor   float64          `yaml:"inlierFactor" json:"inlierFactor"`
	Confidence     float64          `yaml:"confidence" json:"confidence"`
	MaxIterations  int              `yaml:"maxIterations" json:"maxIterations"`
	ProgressDelta  float64          `yaml:"progressDelta" json:"progressDelta"`
	Refine         bool             `yaml:"refine" json:"refine"`
	KeepCovariance bool             `yaml:"keepCovariance" json:"keepCovariance"`
	FastRefinement bool             `yaml:"fastRefinement" json:"fastRefinement"`
	// Seed makes runs reproducible when set.
	Seed *int64 `yaml:"seed,omitempty" json:"seed,omitempty"`
}

// SuggestionsConfig holds optional camera refinement suggestions. Only the
// fields that are set are enabled.
type SuggestionsConfig struct {
	Skew           *float64    `yaml:"skew,omitempty" json:"skew,omitempty"`
	FocalX         *float64    `yaml:"focalX,omitempty" json:"focalX,omitempty"`
	FocalY         *float64    `yaml:"focalY,omitempty" json:"focalY,omitempty"`
	AspectRatio    *float64    `yaml:"aspectRatio,omitempty" json:"aspectRatio,omitempty"`
	PrincipalPoint *[2]float64 `yaml:"principalPoint,omitempty" json:"principalPoint,omitempty"`
	// Rotation is row-major 3x3.
	Rotation *[9]float64 `yaml:"rotation,omitempty" json:"rotation,omitempty"`
	Center   *[3]float64 `yaml:"center,omitempty" json:"center,omitempty"`

	MinWeight  *float64 `yaml:"minWeight,omitempty" json:"minWeight,omitempty"`
	MaxWeight  *float64 `yaml:"maxWeight,omitempty" json:"maxWeight,omitempty"`
	WeightStep *float64 `yaml:"weightStep,omitempty" json:"weightStep,omitempty"`
}

// HTTPConfig configures the service mode.
type HTTPConfig struct {
	Port int `yaml:"port,omitempty" json:"port,omitempty"`
}

// DefaultHTTPPort is used by the service when no port is configured.
const DefaultHTTPPort = 8080

// DefaultMethod is the method of a configuration that names none. Datasets
// rarely carry quality scores, so it is not a progressive one.
const DefaultMethod = consensus.RANSAC

// DefaultConfig returns a configuration with the estimator defaults.
func DefaultConfig() *Config {
	c := consensus.DefaultConfig()
	return &Config{
		Estimator: EstimatorConfig{
			Method:         DefaultMethod,
			Threshold:      c.Threshold,
			StopThreshold:  c.StopThreshold,
			InlierFactor:   c.InlierFactor,
			Confidence:     c.Confidence,
			MaxIterations:  c.MaxIterations,
			ProgressDelta:  c.ProgressDelta,
			Refine:         c.ResultRefined,
			KeepCovariance: c.CovarianceKept,
			FastRefinement: c.FastRefinementUsed,
		},
		HTTP: HTTPConfig{Port: DefaultHTTPPort},
	}
}

// Consensus converts the estimator section.
func (e EstimatorConfig) Consensus() consensus.Config {
	return consensus.Config{
		Threshold:          e.Threshold,
		StopThreshold:      e.StopThreshold,
		InlierFactor:       e.InlierFactor,
		Confidence:         e.Confidence,
		MaxIterations:      e.MaxIterations,
		ProgressDelta:      e.ProgressDelta,
		ResultRefined:      e.Refine,
		CovarianceKept:     e.KeepCovariance,
		FastRefinementUsed: e.FastRefinement,
	}
}

// CameraSuggestions converts the suggestions section; nil gives the
// defaults with nothing enabled.
func (s *SuggestionsConfig) CameraSuggestions() camera.Suggestions {
	out := camera.DefaultSuggestions()
	if s == nil {
		return out
	}
	if s.Skew != nil {
		out.SkewEnabled, out.Skew = true, *s.Skew
	}
	if s.FocalX != nil {
		out.FocalXEnabled, out.FocalX = true, *s.FocalX
	}
	if s.FocalY != nil {
		out.FocalYEnabled, out.FocalY = true, *s.FocalY
	}
	if s.AspectRatio != nil {
		out.AspectRatioEnabled, out.AspectRatio = true, *s.AspectRatio
	}
	if s.PrincipalPoint != nil {
		out.PrincipalPointEnabled = true
		out.PrincipalPoint = r2.Point{X: s.PrincipalPoint[0], Y: s.PrincipalPoint[1]}
	}
	if s.Rotation != nil {
		out.RotationEnabled = true
		out.Rotation = rotationMatrix(*s.Rotation)
	}
	if s.Center != nil {
		out.CenterEnabled = true
		out.Center = r3.Vector{X: s.Center[0], Y: s.Center[1], Z: s.Center[2]}
	}
	if s.MinWeight != nil {
		out.MinWeight = *s.MinWeight
	}
	if s.MaxWeight != nil {
		out.MaxWeight = *s.MaxWeight
	}
	if s.WeightStep != nil {
		out.WeightStep = *s.WeightStep
	}
	return out
}

// Validate checks the estimator and suggestion sections.
func (c *Config) Validate() error {
	if !c.Estimator.Method.Valid() {
		return fmt.Errorf("estimator.method: unknown method %d", int(c.Estimator.Method))
	}
	if err := c.Estimator.Consensus().Validate(); err != nil {
		return fmt.Errorf("estimator: %w", err)
	}
	if err := c.Suggestions.CameraSuggestions().Validate(); err != nil {
		return fmt.Errorf("suggestions: %w", err)
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	return nil
}

// LoadConfig loads the configuration from a YAML file. Absent fields keep
// their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
