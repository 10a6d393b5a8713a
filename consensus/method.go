package consensus

import (
	"strings"

	"github.com/pkg/errors"
)

// Method selects the consensus policy used by an estimator.
type Method int

const (
	// RANSAC maximizes the number of samples with a residual below the
	// inlier threshold.
	RANSAC Method = iota
	// LMedS minimizes the median residual. No threshold is needed while
	// sampling.
	LMedS
	// MSAC minimizes the sum of residuals truncated at the threshold.
	MSAC
	// PROSAC is RANSAC with quality-ordered progressive sampling.
	PROSAC
	// PROMedS is LMedS with quality-ordered progressive sampling.
	PROMedS
)

// DefaultMethod is the method used when none is configured.
const DefaultMethod = PROMedS

type scoring int

const (
	scoreInlierCount scoring = iota
	scoreMedianResidual
	scoreTruncatedCost
)

type sampling int

const (
	sampleUniform sampling = iota
	sampleProgressive
)

// policy is the data value behind a Method: how candidates are scored and
// how subsets are drawn.
type policy struct {
	scoring  scoring
	sampling sampling
}

var policies = map[Method]policy{
	RANSAC:  {scoring: scoreInlierCount, sampling: sampleUniform},
	LMedS:   {scoring: scoreMedianResidual, sampling: sampleUniform},
	MSAC:    {scoring: scoreTruncatedCost, sampling: sampleUniform},
	PROSAC:  {scoring: scoreInlierCount, sampling: sampleProgressive},
	PROMedS: {scoring: scoreMedianResidual, sampling: sampleProgressive},
}

var methodNames = map[Method]string{
	RANSAC:  "ransac",
	LMedS:   "lmeds",
	MSAC:    "msac",
	PROSAC:  "prosac",
	PROMedS: "promeds",
}

func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether m is one of the known methods.
func (m Method) Valid() bool {
	_, ok := policies[m]
	return ok
}

// RequiresQualityScores reports whether the method samples by quality.
func (m Method) RequiresQualityScores() bool {
	return policies[m].sampling == sampleProgressive
}

// UsesMedian reports whether the method scores by median residual and is
// therefore driven by the stop threshold instead of the inlier threshold.
func (m Method) UsesMedian() bool {
	return policies[m].scoring == scoreMedianResidual
}

// ParseMethod parses a case-insensitive method name.
func ParseMethod(s string) (Method, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for m, n := range methodNames {
		if n == name {
			return m, nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidArgument, "unknown method %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Method) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, errors.Wrapf(ErrInvalidArgument, "unknown method %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Method) UnmarshalText(text []byte) error {
	parsed, err := ParseMethod(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
