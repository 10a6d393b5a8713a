package dataset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/robustfit/consensus"
	"github.com/kwv/robustfit/transform"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
estimator:
  method: ransac
  threshold: 2.5
  seed: 42
suggestions:
  skew: 0
  aspectRatio: 1.1
  center: [1, 2, 3]
  maxWeight: 4
mqtt:
  broker: tcp://localhost:1883
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, consensus.RANSAC, cfg.Estimator.Method)
	assert.Equal(t, 2.5, cfg.Estimator.Threshold)
	assert.Equal(t, consensus.DefaultConfidence, cfg.Estimator.Confidence)
	assert.Equal(t, consensus.DefaultMaxIterations, cfg.Estimator.MaxIterations)
	assert.True(t, cfg.Estimator.Refine)
	require.NotNil(t, cfg.Estimator.Seed)
	assert.Equal(t, int64(42), *cfg.Estimator.Seed)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.Equal(t, DefaultHTTPPort, cfg.HTTP.Port)

	s := cfg.Suggestions.CameraSuggestions()
	assert.True(t, s.SkewEnabled)
	assert.True(t, s.AspectRatioEnabled)
	assert.Equal(t, 1.1, s.AspectRatio)
	assert.True(t, s.CenterEnabled)
	assert.False(t, s.FocalXEnabled)
	assert.False(t, s.RotationEnabled)
	assert.Equal(t, 4.0, s.MaxWeight)
	assert.Equal(t, 0.1, s.MinWeight)
}

func TestLoadConfig_OmittedMethod(t *testing.T) {
	cfg, err := LoadConfig(writeFile(t, "c.yaml", "estimator:\n  threshold: 3\n"))
	require.NoError(t, err)
	assert.Equal(t, consensus.RANSAC, cfg.Estimator.Method)
	assert.Equal(t, 3.0, cfg.Estimator.Threshold)
	assert.Equal(t, consensus.DefaultConfidence, cfg.Estimator.Confidence)
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad yaml", "estimator: [", "parsing config YAML"},
		{"unknown method", "estimator:\n  method: magic\n", "parsing config YAML"},
		{"bad confidence", "estimator:\n  confidence: 1\n", "estimator"},
		{"bad suggestion", "suggestions:\n  aspectRatio: -1\n", "suggestions"},
		{"bad rotation", "suggestions:\n  rotation: [2, 0, 0, 0, 1, 0, 0, 0, 1]\n", "suggestions"},
		{"bad port", "http:\n  port: 70000\n", "http.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, "c.yaml", tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "config file not found")
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Estimator.Method = consensus.MSAC
	cfg.Estimator.FastRefinement = true
	skew := 0.5
	cfg.Suggestions = &SuggestionsConfig{Skew: &skew, PrincipalPoint: &[2]float64{320, 240}}

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, SaveConfig(path, cfg))
	got, err := LoadConfig(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Errorf("config round trip mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, cfg.Estimator.Consensus(), got.Estimator.Consensus())
}

func TestReadDataset(t *testing.T) {
	d, err := ReadDataset(strings.NewReader(`{
		"kind": "similarity",
		"source": [[0,0],[1,0],[0,1]],
		"target": [[1,1],[3,1],[1,3]],
		"quality": [1, 0.5, 0.2]
	}`))
	require.NoError(t, err)
	assert.False(t, d.IsCamera())
	assert.Equal(t, 3, d.Len())
	kind, err := d.TransformKind()
	require.NoError(t, err)
	assert.Equal(t, transform.Similarity, kind)

	src, dst := d.Pairs()
	assert.Equal(t, r2.Point{X: 1, Y: 0}, src[1])
	assert.Equal(t, r2.Point{X: 3, Y: 1}, dst[1])

	cam, err := ReadDataset(strings.NewReader(`{
		"kind": "Camera",
		"points3d": [[0,0,1],[1,0,1],[0,1,1],[1,1,2],[2,1,3],[1,2,1]],
		"points2d": [[0,0],[1,0],[0,1],[1,1],[2,1],[1,2]]
	}`))
	require.NoError(t, err)
	assert.True(t, cam.IsCamera())
	p3, p2 := cam.CameraPoints()
	assert.Len(t, p3, 6)
	assert.Equal(t, 2.0, p3[4].X)
	assert.Equal(t, r2.Point{X: 1, Y: 2}, p2[5])
}

func TestReadDataset_Invalid(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"syntax", `{"kind":`},
		{"unknown kind", `{"kind":"projective","source":[[0,0],[1,1]],"target":[[0,0],[1,1]]}`},
		{"unpaired", `{"kind":"euclidean","source":[[0,0],[1,1]],"target":[[0,0]]}`},
		{"too few", `{"kind":"affine","source":[[0,0],[1,1]],"target":[[0,0],[1,1]]}`},
		{"camera too few", `{"kind":"camera","points3d":[[0,0,1]],"points2d":[[0,0]]}`},
		{"quality length", `{"kind":"euclidean","source":[[0,0],[1,1]],"target":[[0,0],[1,1]],"quality":[1]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadDataset(strings.NewReader(tt.json))
			assert.Error(t, err)
		})
	}
}

func TestSaveDataset(t *testing.T) {
	d := &Dataset{Kind: "euclidean", Source: [][2]float64{{0, 0}, {1, 1}}, Target: [][2]float64{{1, 0}, {2, 1}}}
	path := filepath.Join(t.TempDir(), "d.json")
	require.NoError(t, SaveDataset(path, d))
	got, err := LoadDataset(path)
	require.NoError(t, err)
	if diff := cmp.Diff(d, got); diff != "" {
		t.Errorf("dataset round trip mismatch (-want +got):\n%s", diff)
	}

	_, err = LoadDataset(filepath.Join(t.TempDir(), "none.json"))
	assert.ErrorContains(t, err, "dataset file not found")
}
