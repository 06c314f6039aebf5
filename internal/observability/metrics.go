package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsManager owns a private Prometheus registry so the daemon never
// collides with another registry in the host process. The core hook and HTTP
// families are fixed; subsystem counters are attached at boot as scrape-time
// functions over their status snapshots.
type MetricsManager struct {
	logger   *zap.Logger
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	hookEvents   *prometheus.CounterVec
	verdicts     *prometheus.CounterVec
	evalDuration prometheus.Histogram
}

// NewMetricsManager builds the registry and the fixed metric families.
func NewMetricsManager(start time.Time, logger *zap.Logger) *MetricsManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	mm := &MetricsManager{
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	mm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oversight_http_requests_total",
			Help: "Gateway requests served",
		},
		[]string{"method", "route", "status"},
	)
	mm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oversight_http_request_duration_seconds",
			Help:    "Gateway request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	mm.hookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oversight_hook_events_total",
			Help: "Hook events dispatched through the plugin registry",
		},
		[]string{"hook"},
	)
	mm.verdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oversight_verdicts_total",
			Help: "Merged hook verdicts by outcome",
		},
		[]string{"verdict"},
	)
	// The policy budget is 5 ms, so the buckets concentrate there.
	mm.evalDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "oversight_evaluation_duration_seconds",
		Help:    "End-to-end hook evaluation duration",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
	})

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "oversight_uptime_seconds",
		Help: "Time since the daemon started",
	}, func() float64 { return time.Since(start).Seconds() })

	mm.registry.MustRegister(
		mm.httpRequests,
		mm.httpDuration,
		mm.hookEvents,
		mm.verdicts,
		mm.evalDuration,
		uptime,
	)
	mm.registry.MustRegister(collectors.NewGoCollector())
	mm.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return mm
}

// RecordEvaluation counts one hook dispatch and its merged verdict.
func (mm *MetricsManager) RecordEvaluation(hook, verdict string, duration time.Duration) {
	mm.hookEvents.WithLabelValues(hook).Inc()
	mm.verdicts.WithLabelValues(verdict).Inc()
	mm.evalDuration.Observe(duration.Seconds())
}

// RecordHTTPRequest counts one gateway request. route should be the matched
// route pattern, not the raw path, to keep label cardinality bounded.
func (mm *MetricsManager) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	mm.httpRequests.WithLabelValues(method, route, code).Inc()
	mm.httpDuration.WithLabelValues(method, route, code).Observe(duration.Seconds())
}

// RegisterGauge exposes a scrape-time gauge backed by fn.
func (mm *MetricsManager) RegisterGauge(name, help string, fn func() float64) {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn)
	if err := mm.registry.Register(g); err != nil {
		mm.logger.Warn("failed to register gauge", zap.String("metric", name), zap.Error(err))
	}
}

// RegisterCounter exposes a scrape-time counter backed by fn, which must be
// monotonically non-decreasing for the life of the process.
func (mm *MetricsManager) RegisterCounter(name, help string, fn func() float64) {
	c := prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, fn)
	if err := mm.registry.Register(c); err != nil {
		mm.logger.Warn("failed to register counter", zap.String("metric", name), zap.Error(err))
	}
}

// Registry exposes the underlying registry for custom collectors.
func (mm *MetricsManager) Registry() *prometheus.Registry { return mm.registry }

// Handler serves the registry in the Prometheus exposition format.
func (mm *MetricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
