package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/kwv/robustfit/camera"
	"github.com/kwv/robustfit/consensus"
	"github.com/kwv/robustfit/dataset"
	"github.com/kwv/robustfit/report"
	"github.com/kwv/robustfit/telemetry"
	"github.com/kwv/robustfit/transform"
)

// Result is the outcome of one estimation run.
type Result struct {
	RunID      string
	Report     *report.Report
	Covariance *mat.SymDense
	Elapsed    time.Duration
}

// App encapsulates the application state and dependencies
type App struct {
	Config     *dataset.Config
	Dataset    *dataset.Dataset
	Logger     zerolog.Logger
	Registry   *prometheus.Registry
	Metrics    *telemetry.Metrics
	MQTTClient mqtt.Client
	Publisher  *telemetry.Publisher

	Out io.Writer

	// CLI options
	ConfigFile    string
	DataFile      string
	Method        string
	GeoJSONFile   string
	RenderFile    string
	HistogramFile string
	LogLevel      string
	HTTPPort      int

	setupOnce sync.Once
	setupErr  error

	// estimations are serialized; last is read by the HTTP handlers
	runMu   sync.Mutex
	mu      sync.RWMutex
	last    *Result
	lastErr error
}

// NewApp creates a new App writing its summaries to out.
func NewApp(out io.Writer) *App {
	return &App{
		Out:    out,
		Logger: zerolog.Nop(),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.DataFile = opts.DataFile
	a.Method = opts.Method
	a.GeoJSONFile = opts.GeoJSONFile
	a.RenderFile = opts.RenderFile
	a.HistogramFile = opts.HistogramFile
	a.LogLevel = opts.LogLevel
	a.HTTPPort = opts.HTTPPort
}

// Setup loads the configuration and builds the logger, metrics and, when a
// broker is configured, the MQTT publisher. It runs once.
func (a *App) Setup() error {
	a.setupOnce.Do(func() { a.setupErr = a.setup() })
	return a.setupErr
}

func (a *App) setup() error {
	level, err := telemetry.ParseLevel(a.LogLevel)
	if err != nil {
		return err
	}
	a.Logger = telemetry.NewConsoleLogger(level, "robustfit")

	if a.Config == nil {
		if a.ConfigFile == "" {
			a.Config = dataset.DefaultConfig()
		} else {
			cfg, err := dataset.LoadConfig(a.ConfigFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			a.Config = cfg
			a.Logger.Info().Str("path", a.ConfigFile).Msg("loaded config")
		}
	}
	if a.Method != "" {
		m, err := consensus.ParseMethod(a.Method)
		if err != nil {
			return err
		}
		a.Config.Estimator.Method = m
	}

	if a.Registry == nil {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(collectors.NewGoCollector())
	}
	if a.Metrics, err = telemetry.NewMetrics(a.Registry); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	if a.MQTTClient == nil {
		client, err := telemetry.ConnectMQTT(a.Config.MQTT, a.Logger)
		if err != nil {
			// progress publishing is optional
			a.Logger.Warn().Err(err).Msg("MQTT unavailable, publishing disabled")
		}
		a.MQTTClient = client
	}
	if a.MQTTClient != nil {
		a.Publisher = telemetry.NewPublisher(a.MQTTClient, a.Config.MQTT.Resolved().Prefix, a.Logger)
	}
	return nil
}

// RunEstimate loads the dataset, estimates, writes the requested reports
// and prints a summary.
func (a *App) RunEstimate() error {
	if err := a.Setup(); err != nil {
		return err
	}
	defer a.disconnect()

	d, err := dataset.Open(context.Background(), a.DataFile)
	if err != nil {
		return err
	}
	a.Dataset = d

	res, err := a.Estimate(d)
	if err != nil {
		return err
	}
	if err := a.writeReports(res.Report); err != nil {
		return err
	}
	a.printSummary(res)
	return nil
}

// Estimate runs the configured estimator on d and records the result.
func (a *App) Estimate(d *dataset.Dataset) (*Result, error) {
	if err := a.Setup(); err != nil {
		return nil, err
	}
	a.runMu.Lock()
	defer a.runMu.Unlock()

	start := time.Now()
	res, err := a.estimate(d)
	if err == nil {
		res.Elapsed = time.Since(start)
	}

	a.mu.Lock()
	a.lastErr = err
	if err == nil {
		a.last = res
	}
	a.mu.Unlock()

	a.publishResult(d, res, err, time.Since(start))
	return res, err
}

func (a *App) estimate(d *dataset.Dataset) (*Result, error) {
	cfg := a.Config.Estimator
	log := a.Logger.With().Str("kind", d.Kind).Str("method", cfg.Method.String()).Logger()

	if d.IsCamera() {
		points3D, points2D := d.CameraPoints()
		e, err := camera.NewEstimatorWithPoints(points3D, points2D, cfg.Method)
		if err != nil {
			return nil, err
		}
		if err := e.SetSuggestions(a.Config.Suggestions.CameraSuggestions()); err != nil {
			return nil, err
		}
		cam, err := runEstimator[*camera.Estimator, *camera.PinholeCamera](a, e, d, log)
		if err != nil {
			return nil, err
		}
		return a.result(e, report.FromCamera(cam, points3D, points2D, e.InliersData())), nil
	}

	kind, err := d.TransformKind()
	if err != nil {
		return nil, err
	}
	source, target := d.Pairs()
	e, err := transform.NewEstimatorWithPoints(kind, source, target, cfg.Method)
	if err != nil {
		return nil, err
	}
	m, err := runEstimator[*transform.Estimator, transform.AffineMatrix](a, e, d, log)
	if err != nil {
		return nil, err
	}
	return a.result(e, report.FromTransform(kind, m, source, target, e.InliersData())), nil
}

// estimator is the surface shared by the camera and transform estimators.
type estimator[E, M any] interface {
	SetConfig(consensus.Config) error
	SetSeed(int64) error
	SetQualityScores([]float64) error
	SetLogger(zerolog.Logger) error
	SetListener(consensus.Listener[E]) error
	Method() consensus.Method
	InliersData() *consensus.InliersData
	Iterations() int
	Covariance() (*mat.SymDense, bool)
	Estimate() (M, error)
}

func runEstimator[E estimator[E, M], M any](a *App, e E, d *dataset.Dataset, log zerolog.Logger) (M, error) {
	var zero M
	cfg := a.Config.Estimator
	if err := e.SetConfig(cfg.Consensus()); err != nil {
		return zero, err
	}
	if cfg.Seed != nil {
		if err := e.SetSeed(*cfg.Seed); err != nil {
			return zero, err
		}
	}
	if d.Quality != nil {
		if err := e.SetQualityScores(d.Quality); err != nil {
			return zero, err
		}
	}
	if err := e.SetLogger(log); err != nil {
		return zero, err
	}

	listeners := consensus.MultiListener[E]{telemetry.MetricsListener[E](a.Metrics, e.Method())}
	if a.Publisher != nil {
		listeners = append(listeners, telemetry.PublisherListener[E](a.Publisher))
	}
	if err := e.SetListener(listeners); err != nil {
		return zero, err
	}

	model, err := e.Estimate()
	a.Metrics.ObserveResult(e.Method(), e.InliersData(), err)
	if err != nil {
		log.Error().Err(err).Int("iterations", e.Iterations()).Msg("estimation failed")
		return zero, err
	}
	log.Info().
		Int("iterations", e.Iterations()).
		Int("inliers", e.InliersData().NumInliers()).
		Int("samples", e.InliersData().NumSamples()).
		Msg("estimation finished")
	return model, nil
}

type runInfo interface {
	Iterations() int
	Covariance() (*mat.SymDense, bool)
}

func (a *App) result(e runInfo, r *report.Report) *Result {
	r.Iterations = e.Iterations()
	res := &Result{Report: r}
	if cov, ok := e.Covariance(); ok {
		res.Covariance = cov
	}
	if a.Publisher != nil {
		res.RunID = a.Publisher.RunID()
	}
	return res
}

func (a *App) publishResult(d *dataset.Dataset, res *Result, err error, elapsed time.Duration) {
	if a.Publisher == nil {
		return
	}
	// nothing ran
	if errors.Is(err, consensus.ErrNotReady) || errors.Is(err, consensus.ErrInvalidArgument) {
		return
	}
	msg := telemetry.ResultMessage{
		Kind:      strings.ToLower(d.Kind),
		Method:    a.Config.Estimator.Method.String(),
		Success:   err == nil,
		Samples:   d.Len(),
		ElapsedMs: elapsed.Milliseconds(),
	}
	if err != nil {
		msg.Error = err.Error()
	} else {
		msg.Iterations = res.Report.Iterations
		msg.Inliers = res.Report.Inliers()
		msg.Model = res.Report.Model
	}
	// failures are logged by the publisher
	_ = a.Publisher.PublishResult(msg)
}

// Last returns the most recent successful result and the error of the most
// recent run.
func (a *App) Last() (*Result, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last, a.lastErr
}

func (a *App) writeReports(r *report.Report) error {
	if a.GeoJSONFile != "" {
		if err := writeFile(a.GeoJSONFile, r.WriteGeoJSON); err != nil {
			return fmt.Errorf("writing geojson: %w", err)
		}
		a.Logger.Info().Str("path", a.GeoJSONFile).Msg("wrote geojson")
	}
	if a.RenderFile != "" {
		s := report.NewScatter()
		render := func(w io.Writer) error { return s.RenderSVG(w, r) }
		if isPNG(a.RenderFile) {
			render = func(w io.Writer) error { return s.RenderPNG(w, r) }
		}
		if err := writeFile(a.RenderFile, render); err != nil {
			return fmt.Errorf("rendering scatter plot: %w", err)
		}
		a.Logger.Info().Str("path", a.RenderFile).Msg("wrote scatter plot")
	}
	if a.HistogramFile != "" {
		format := "svg"
		if isPNG(a.HistogramFile) {
			format = "png"
		}
		err := writeFile(a.HistogramFile, func(w io.Writer) error {
			return r.WriteHistogram(w, format, report.DefaultBins, false)
		})
		if err != nil {
			return fmt.Errorf("rendering histogram: %w", err)
		}
		a.Logger.Info().Str("path", a.HistogramFile).Msg("wrote histogram")
	}
	return nil
}

func isPNG(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".png")
}

func writeFile(path string, fn func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (a *App) printSummary(res *Result) {
	r := res.Report
	fmt.Fprintf(a.Out, "\n=== %s (%s) ===\n", r.Kind, r.Method)
	fmt.Fprintf(a.Out, "Iterations: %d\n", r.Iterations)
	fmt.Fprintf(a.Out, "Inliers:    %d/%d\n", r.Inliers(), len(r.Samples))
	fmt.Fprintf(a.Out, "Inlier RMS: %.6g\n", r.RMS())
	fmt.Fprintf(a.Out, "Elapsed:    %s\n", res.Elapsed.Round(time.Microsecond))

	switch m := r.Model.(type) {
	case transform.AffineMatrix:
		fmt.Fprintf(a.Out, "Model:      [%.6g %.6g %.6g; %.6g %.6g %.6g]\n", m.A, m.B, m.Tx, m.C, m.D, m.Ty)
		fmt.Fprintf(a.Out, "Rotation:   %.4f deg, scale %.6g\n", m.Angle()*180/math.Pi, m.ScaleFactor())
	case report.CameraModel:
		k := m.Intrinsics
		fmt.Fprintf(a.Out, "Focal:      %.6g, %.6g (skew %.4g)\n", k.FocalX, k.FocalY, k.Skew)
		fmt.Fprintf(a.Out, "Principal:  %.6g, %.6g\n", k.PrincipalX, k.PrincipalY)
		fmt.Fprintf(a.Out, "Center:     %.6g, %.6g, %.6g\n", m.Center[0], m.Center[1], m.Center[2])
	}
	if res.Covariance != nil {
		fmt.Fprintf(a.Out, "Covariance: %dx%d\n", res.Covariance.SymmetricDim(), res.Covariance.SymmetricDim())
	}
	if res.RunID != "" {
		fmt.Fprintf(a.Out, "Run:        %s\n", res.RunID)
	}
}

// RunService serves the HTTP API until ctx is cancelled. A dataset given
// on the command line is estimated once at startup.
func (a *App) RunService(ctx context.Context) error {
	if err := a.Setup(); err != nil {
		return err
	}
	defer a.disconnect()

	if a.DataFile != "" {
		d, err := dataset.Open(ctx, a.DataFile)
		if err != nil {
			return err
		}
		a.Dataset = d
		if _, err := a.Estimate(d); err != nil {
			a.Logger.Warn().Err(err).Msg("initial estimation failed")
		}
	}

	port := a.HTTPPort
	if port == 0 {
		port = a.Config.HTTP.Port
	}
	if port == 0 {
		port = dataset.DefaultHTTPPort
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", port),
		Handler:           newHTTPServer(a),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", srv.Addr).Msg("HTTP server starting")
		errCh <- srv.ListenAndServe()
	}()

	fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", port)
	fmt.Fprintln(a.Out, "  GET  /health          - Health check")
	fmt.Fprintln(a.Out, "  GET  /result          - Last estimation result")
	fmt.Fprintln(a.Out, "  GET  /inliers.svg     - Inlier scatter plot")
	fmt.Fprintln(a.Out, "  GET  /inliers.geojson - Inlier report as GeoJSON")
	fmt.Fprintln(a.Out, "  GET  /residuals.png   - Residual histogram")
	fmt.Fprintln(a.Out, "  GET  /metrics         - Prometheus metrics")
	fmt.Fprintln(a.Out, "  POST /estimate        - Estimate a posted dataset, or re-run the loaded one")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	case <-ctx.Done():
	}

	a.Logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (a *App) disconnect() {
	if a.MQTTClient != nil && a.MQTTClient.IsConnected() {
		a.MQTTClient.Disconnect(250)
	}
}
