package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kwv/robustfit/consensus"
	"github.com/kwv/robustfit/dataset"
	"github.com/kwv/robustfit/report"
)

// maxDatasetBytes bounds POST /estimate bodies.
const maxDatasetBytes = 32 << 20

// resultResponse is the JSON body of /result and POST /estimate.
type resultResponse struct {
	RunID      string      `json:"runId,omitempty"`
	Kind       string      `json:"kind"`
	Method     string      `json:"method"`
	Iterations int         `json:"iterations"`
	Inliers    int         `json:"inliers"`
	Samples    int         `json:"samples"`
	RMS        float64     `json:"rms"`
	Model      interface{} `json:"model"`
	Covariance [][]float64 `json:"covariance,omitempty"`
	ElapsedMs  int64       `json:"elapsedMs"`
}

func newResultResponse(res *Result) resultResponse {
	r := res.Report
	out := resultResponse{
		RunID:      res.RunID,
		Kind:       r.Kind,
		Method:     r.Method,
		Iterations: r.Iterations,
		Inliers:    r.Inliers(),
		Samples:    len(r.Samples),
		RMS:        r.RMS(),
		Model:      r.Model,
		ElapsedMs:  res.Elapsed.Milliseconds(),
	}
	if res.Covariance != nil {
		n := res.Covariance.SymmetricDim()
		out.Covariance = make([][]float64, n)
		for i := range out.Covariance {
			out.Covariance[i] = make([]float64, n)
			for j := range out.Covariance[i] {
				out.Covariance[i][j] = res.Covariance.At(i, j)
			}
		}
	}
	return out
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(a *App) http.Handler {
	mux := http.NewServeMux()
	log := a.Logger.With().Str("component", "http").Logger()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		last, _ := a.Last()
		writeJSON(w, http.StatusOK, struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			HasResult bool      `json:"hasResult"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			HasResult: last != nil,
		})
	})

	// withResult serves 503 until an estimation has succeeded.
	withResult := func(fn func(w http.ResponseWriter, r *http.Request, res *Result)) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			res, _ := a.Last()
			if res == nil {
				http.Error(w, "No estimation result available", http.StatusServiceUnavailable)
				return
			}
			fn(w, r, res)
		}
	}

	mux.HandleFunc("GET /result", withResult(func(w http.ResponseWriter, r *http.Request, res *Result) {
		writeJSON(w, http.StatusOK, newResultResponse(res))
	}))

	mux.HandleFunc("GET /inliers.svg", withResult(func(w http.ResponseWriter, r *http.Request, res *Result) {
		var buf bytes.Buffer
		if err := report.NewScatter().RenderSVG(&buf, res.Report); err != nil {
			log.Error().Err(err).Msg("rendering scatter plot")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(buf.Bytes())
	}))

	mux.HandleFunc("GET /inliers.geojson", withResult(func(w http.ResponseWriter, r *http.Request, res *Result) {
		w.Header().Set("Content-Type", "application/geo+json")
		if err := res.Report.WriteGeoJSON(w); err != nil {
			log.Error().Err(err).Msg("writing geojson")
		}
	}))

	mux.HandleFunc("GET /residuals.png", withResult(func(w http.ResponseWriter, r *http.Request, res *Result) {
		bins := report.DefaultBins
		if v := r.URL.Query().Get("bins"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "bins must be a positive integer", http.StatusBadRequest)
				return
			}
			bins = n
		}
		inliersOnly := r.URL.Query().Get("inliers") == "true"

		var buf bytes.Buffer
		if err := res.Report.WriteHistogram(&buf, "png", bins, inliersOnly); err != nil {
			if errors.Is(err, report.ErrEmptyReport) {
				http.Error(w, "No residuals to plot", http.StatusServiceUnavailable)
				return
			}
			log.Error().Err(err).Msg("rendering histogram")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(buf.Bytes())
	}))

	mux.Handle("GET /metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /estimate", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDatasetBytes))
		if err != nil {
			status := http.StatusBadRequest
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			writeJSON(w, status, errorResponse{Error: err.Error()})
			return
		}

		d := a.Dataset
		if len(bytes.TrimSpace(body)) > 0 {
			if d, err = dataset.ReadDataset(bytes.NewReader(body)); err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
				return
			}
		}
		if d == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "no dataset loaded"})
			return
		}

		log.Debug().Str("kind", d.Kind).Int("samples", d.Len()).Msg("estimate requested")
		res, err := a.Estimate(d)
		if err != nil {
			status := http.StatusUnprocessableEntity
			if errors.Is(err, consensus.ErrInvalidArgument) {
				status = http.StatusBadRequest
			}
			writeJSON(w, status, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, newResultResponse(res))
	})

	return mux
}
