package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postloom/backend/internal/models"
)

// Metrics owns its registry so tests can build as many as they like.
// Every method is a no-op on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	postAttempts  *prometheus.CounterVec
	catchUpRuns   prometheus.Counter
	cycleDuration prometheus.Histogram
	emergencyStop prometheus.Gauge
	modelCalls    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postloom_cycles_total",
				Help: "Posting cycles by result",
			},
			[]string{"result"},
		),
		postAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postloom_post_attempts_total",
				Help: "Platform post attempts by platform and status",
			},
			[]string{"platform", "status"},
		),
		catchUpRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postloom_catch_up_runs_total",
			Help: "Catch-up runs planned at startup or reload",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "postloom_cycle_duration_seconds",
			Help:    "Wall time of a posting cycle",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		emergencyStop: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postloom_emergency_stop",
			Help: "1 while the emergency stop is engaged",
		}),
		modelCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postloom_model_calls_total",
				Help: "Generation model calls by result",
			},
			[]string{"result"},
		),
	}
	m.registry.MustRegister(
		m.cycles,
		m.postAttempts,
		m.catchUpRuns,
		m.cycleDuration,
		m.emergencyStop,
		m.modelCalls,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) CycleFinished(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) PostAttempted(p models.Platform, status models.AttemptStatus) {
	if m == nil {
		return
	}
	platform := string(p)
	if platform == "" {
		platform = "none"
	}
	m.postAttempts.WithLabelValues(platform, string(status)).Inc()
}

func (m *Metrics) CatchUpPlanned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.catchUpRuns.Add(float64(n))
}

func (m *Metrics) SetEmergencyStop(on bool) {
	if m == nil {
		return
	}
	if on {
		m.emergencyStop.Set(1)
	} else {
		m.emergencyStop.Set(0)
	}
}

func (m *Metrics) ModelCall(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.modelCalls.WithLabelValues(result).Inc()
}
