package main

import (
	"bytes"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/robustfit/dataset"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// readyApp returns an App that has already estimated the euclidean fixture.
func readyApp(t *testing.T) *App {
	t.Helper()
	app, _, _ := testApp(t)
	d := euclideanDataset()
	app.Dataset = d
	_, err := app.Estimate(d)
	require.NoError(t, err)
	return app
}

// emptyApp returns a set-up App without any estimation.
func emptyApp(t *testing.T) *App {
	t.Helper()
	app, _, _ := testApp(t)
	require.NoError(t, app.Setup())
	return app
}

func serve(h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// /health
// ---------------------------------------------------------------------------

func TestHealth_NoResult(t *testing.T) {
	rec := serve(newHTTPServer(emptyApp(t)), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Status    string `json:"status"`
		HasResult bool   `json:"hasResult"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.False(t, body.HasResult)
}

func TestHealth_WithResult(t *testing.T) {
	rec := serve(newHTTPServer(readyApp(t)), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"hasResult":true`)
}

// ---------------------------------------------------------------------------
// result endpoints
// ---------------------------------------------------------------------------

func TestEndpoints_NoResult_503(t *testing.T) {
	h := newHTTPServer(emptyApp(t))
	for _, path := range []string{"/result", "/inliers.svg", "/inliers.geojson", "/residuals.png"} {
		t.Run(path, func(t *testing.T) {
			rec := serve(h, http.MethodGet, path, nil)
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		})
	}
}

func TestResult(t *testing.T) {
	rec := serve(newHTTPServer(readyApp(t)), http.MethodGet, "/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body resultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "euclidean", body.Kind)
	assert.Equal(t, "ransac", body.Method)
	assert.Equal(t, 25, body.Inliers)
	assert.Equal(t, 30, body.Samples)
	assert.NotEmpty(t, body.RunID)
	assert.Positive(t, body.Iterations)
	assert.Less(t, body.RMS, 1e-6)
	assert.Empty(t, body.Covariance)
}

func TestInliersSVG(t *testing.T) {
	rec := serve(newHTTPServer(readyApp(t)), http.MethodGet, "/inliers.svg", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/svg+xml", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Body.String(), "<svg")
}

func TestInliersGeoJSON(t *testing.T) {
	rec := serve(newHTTPServer(readyApp(t)), http.MethodGet, "/inliers.geojson", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))

	var fc struct {
		Type     string            `json:"type"`
		Features []json.RawMessage `json:"features"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	// 30 points, 30 residual segments and the inlier hull
	assert.Len(t, fc.Features, 61)
}

func TestResidualsPNG(t *testing.T) {
	h := newHTTPServer(readyApp(t))

	rec := serve(h, http.MethodGet, "/residuals.png?bins=8", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	_, err := png.Decode(rec.Body)
	assert.NoError(t, err)

	rec = serve(h, http.MethodGet, "/residuals.png?bins=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetrics(t *testing.T) {
	rec := serve(newHTTPServer(readyApp(t)), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `robustfit_estimations_total{method="ransac",outcome="success"} 1`)
	assert.Contains(t, body, "robustfit_iterations_total")
}

// ---------------------------------------------------------------------------
// POST /estimate
// ---------------------------------------------------------------------------

func TestPostEstimate_RerunsLoadedDataset(t *testing.T) {
	app := readyApp(t)
	first, _ := app.Last()

	rec := serve(newHTTPServer(app), http.MethodPost, "/estimate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body resultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 25, body.Inliers)
	assert.NotEqual(t, first.RunID, body.RunID)

	last, _ := app.Last()
	assert.NotSame(t, first, last)
}

func TestPostEstimate_PostedDataset(t *testing.T) {
	app := emptyApp(t)
	d := euclideanDataset()
	d.Kind = "similarity"
	payload, err := json.Marshal(d)
	require.NoError(t, err)

	rec := serve(newHTTPServer(app), http.MethodPost, "/estimate", payload)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body resultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "similarity", body.Kind)
	assert.Equal(t, 25, body.Inliers)

	// the posted dataset does not replace the loaded one
	assert.Nil(t, app.Dataset)
}

func TestPostEstimate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		app    func(t *testing.T) *App
		body   string
		status int
	}{
		{"no dataset", emptyApp, "", http.StatusServiceUnavailable},
		{"bad json", emptyApp, `{"kind":`, http.StatusBadRequest},
		{"invalid dataset", emptyApp, `{"kind":"affine","source":[[0,0]],"target":[[1,1]]}`, http.StatusBadRequest},
		{"estimation failure", func(t *testing.T) *App {
			app := emptyApp(t)
			app.Config.Estimator.MaxIterations = 5
			app.Dataset = &dataset.Dataset{
				Kind:   "euclidean",
				Source: [][2]float64{{1, 1}, {1, 1}, {1, 1}},
				Target: [][2]float64{{0, 0}, {1, 0}, {2, 0}},
			}
			return app
		}, "", http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(newHTTPServer(tt.app(t)), http.MethodPost, "/estimate", []byte(tt.body))
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.True(t, strings.Contains(rec.Body.String(), `"error"`))
		})
	}
}

func TestPostEstimate_BodyTooLarge(t *testing.T) {
	app := emptyApp(t)
	body := bytes.Repeat([]byte(" "), maxDatasetBytes+1)

	rec := serve(newHTTPServer(app), http.MethodPost, "/estimate", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error"`)
	last, _ := app.Last()
	assert.Nil(t, last)
}

func TestPostEstimate_MethodNotAllowed(t *testing.T) {
	rec := serve(newHTTPServer(readyApp(t)), http.MethodGet, "/estimate", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
