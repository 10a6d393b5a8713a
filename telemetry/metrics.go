package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kwv/robustfit/consensus"
)

// Metrics are the Prometheus collectors fed by estimations.
type Metrics struct {
	estimations *prometheus.CounterVec
	iterations  *prometheus.CounterVec
	progress    *prometheus.GaugeVec
	inlierRatio *prometheus.GaugeVec
	duration    *prometheus.HistogramVec

	mu      sync.Mutex
	started map[string]time.Time
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		estimations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "robustfit_estimations_total",
				Help: "Finished estimations by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		iterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "robustfit_iterations_total",
				Help: "Consensus iterations run",
			},
			[]string{"method"},
		),
		progress: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "robustfit_estimation_progress",
				Help: "Progress of the running estimation, from 0 to 1",
			},
			[]string{"method"},
		),
		inlierRatio: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "robustfit_inlier_ratio",
				Help: "Inlier ratio of the last successful estimation",
			},
			[]string{"method"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "robustfit_estimation_duration_seconds",
				Help:    "Wall time of estimations",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"method"},
		),
		started: make(map[string]time.Time),
	}
	for _, c := range []prometheus.Collector{m.estimations, m.iterations, m.progress, m.inlierRatio, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) start(method string) {
	m.mu.Lock()
	m.started[method] = time.Now()
	m.mu.Unlock()
	m.progress.WithLabelValues(method).Set(0)
}

func (m *Metrics) end(method string) {
	m.mu.Lock()
	t, ok := m.started[method]
	delete(m.started, method)
	m.mu.Unlock()
	if ok {
		m.duration.WithLabelValues(method).Observe(time.Since(t).Seconds())
	}
}

// ObserveResult counts a finished estimation and, on success, records its
// inlier ratio.
func (m *Metrics) ObserveResult(method consensus.Method, inliers *consensus.InliersData, err error) {
	name := method.String()
	if err != nil {
		m.estimations.WithLabelValues(name, "failure").Inc()
		return
	}
	m.estimations.WithLabelValues(name, "success").Inc()
	if inliers != nil {
		m.inlierRatio.WithLabelValues(name).Set(inliers.InlierRatio())
	}
}

// MetricsListener adapts m to a consensus listener for estimations run
// with method.
func MetricsListener[E any](m *Metrics, method consensus.Method) consensus.Listener[E] {
	name := method.String()
	return consensus.ListenerFuncs[E]{
		Start:         func(E) { m.start(name) },
		End:           func(E) { m.end(name) },
		NextIteration: func(E, int) { m.iterations.WithLabelValues(name).Inc() },
		Progress:      func(_ E, p float64) { m.progress.WithLabelValues(name).Set(p) },
	}
}
