package dataset

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/kwv/robustfit/camera"
	"github.com/kwv/robustfit/transform"
)

// KindCamera selects 3D-2D camera estimation; the other kinds are the
// transform.Kind names.
const KindCamera = "camera"

// Dataset is a set of correspondences on disk. Camera datasets fill
// Points3D and Points2D, transform datasets Source and Target.
type Dataset struct {
	Kind     string       `json:"kind"`
	Points3D [][3]float64 `json:"points3d,omitempty"`
	Points2D [][2]float64 `json:"points2d,omitempty"`
	Source   [][2]float64 `json:"source,omitempty"`
	Target   [][2]float64 `json:"target,omitempty"`
	// Quality holds optional per-correspondence scores for PROSAC and
	// PROMedS; higher is better.
	Quality []float64 `json:"quality,omitempty"`
}

// IsCamera reports whether d is a camera dataset.
func (d *Dataset) IsCamera() bool {
	return strings.EqualFold(d.Kind, KindCamera)
}

// TransformKind parses Kind for transform datasets.
func (d *Dataset) TransformKind() (transform.Kind, error) {
	return transform.ParseKind(d.Kind)
}

// Len is the number of correspondences.
func (d *Dataset) Len() int {
	if d.IsCamera() {
		return len(d.Points3D)
	}
	return len(d.Source)
}

// CameraPoints returns the 3D-2D correspondences.
func (d *Dataset) CameraPoints() ([]r3.Vector, []r2.Point) {
	p3 := make([]r3.Vector, len(d.Points3D))
	for i, p := range d.Points3D {
		p3[i] = r3.Vector{X: p[0], Y: p[1], Z: p[2]}
	}
	return p3, points(d.Points2D)
}

// Pairs returns the 2D source and target points.
func (d *Dataset) Pairs() ([]r2.Point, []r2.Point) {
	return points(d.Source), points(d.Target)
}

func points(raw [][2]float64) []r2.Point {
	out := make([]r2.Point, len(raw))
	for i, p := range raw {
		out[i] = r2.Point{X: p[0], Y: p[1]}
	}
	return out
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Validate checks that the kind is known, the point arrays are paired and
// large enough, and every coordinate is finite.
func (d *Dataset) Validate() error {
	var n, need int
	switch {
	case d.IsCamera():
		if len(d.Points3D) != len(d.Points2D) {
			return fmt.Errorf("got %d 3D points and %d 2D points", len(d.Points3D), len(d.Points2D))
		}
		for i, p := range d.Points3D {
			if !finite(p[:]...) || !finite(d.Points2D[i][:]...) {
				return fmt.Errorf("correspondence %d is not finite", i)
			}
		}
		n, need = len(d.Points3D), camera.MinimumPoints
	default:
		kind, err := d.TransformKind()
		if err != nil {
			return fmt.Errorf("dataset kind: %w", err)
		}
		if len(d.Source) != len(d.Target) {
			return fmt.Errorf("got %d source points and %d target points", len(d.Source), len(d.Target))
		}
		for i, p := range d.Source {
			if !finite(p[:]...) || !finite(d.Target[i][:]...) {
				return fmt.Errorf("pair %d is not finite", i)
			}
		}
		n, need = len(d.Source), kind.MinimumPoints()
	}
	if n < need {
		return fmt.Errorf("%s needs at least %d correspondences, got %d", d.Kind, need, n)
	}
	if d.Quality != nil && len(d.Quality) != n {
		return fmt.Errorf("got %d quality scores for %d correspondences", len(d.Quality), n)
	}
	return nil
}

// ReadDataset decodes and validates a JSON dataset.
func ReadDataset(r io.Reader) (*Dataset, error) {
	var d Dataset
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return nil, fmt.Errorf("parsing dataset JSON: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// LoadDataset reads a dataset file.
func LoadDataset(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("dataset file not found: %s", path)
		}
		return nil, fmt.Errorf("opening dataset: %w", err)
	}
	defer f.Close()
	return ReadDataset(f)
}

// SaveDataset writes d as indented JSON.
func SaveDataset(path string, d *Dataset) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling dataset: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing dataset: %w", err)
	}
	return nil
}

func rotationMatrix(rowMajor [9]float64) *mat.Dense {
	return mat.NewDense(3, 3, rowMajor[:])
}
