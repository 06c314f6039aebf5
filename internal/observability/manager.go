// Package observability bundles the Prometheus metrics registry, the
// OpenTelemetry trace exporter, and the health probe surface behind one
// manager the daemon owns and the gateway serves.
package observability

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Config gates the optional observability features. Health probes are always
// available; metrics and tracing are opt-in.
type Config struct {
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// MetricsConfig controls the Prometheus registry.
type MetricsConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// DefaultConfig returns metrics on and tracing off.
func DefaultConfig(serviceName, serviceVersion string) Config {
	return Config{
		Metrics: MetricsConfig{Enabled: true},
		Tracing: TracingConfig{
			ServiceName:    serviceName,
			ServiceVersion: serviceVersion,
			SampleRate:     1.0,
		},
	}
}

// Manager coordinates the observability features.
type Manager struct {
	logger  *zap.Logger
	health  *HealthManager
	metrics *MetricsManager
	tracing *TracingManager

	startTime time.Time
}

// NewManager builds the enabled feature managers. Tracing initialization is
// the only fallible step; everything else always succeeds.
func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		logger:    logger,
		startTime: time.Now(),
		health:    NewHealthManager(logger),
	}

	if cfg.Metrics.Enabled {
		m.metrics = NewMetricsManager(m.startTime, logger)
		logger.Info("prometheus metrics enabled")
	}
	if cfg.Tracing.Enabled {
		tracing, err := NewTracingManager(cfg.Tracing, logger)
		if err != nil {
			return nil, err
		}
		m.tracing = tracing
	}
	return m, nil
}

// Health returns the health manager. Never nil.
func (m *Manager) Health() *HealthManager { return m.health }

// Metrics returns the metrics manager, or nil when metrics are disabled.
func (m *Manager) Metrics() *MetricsManager { return m.metrics }

// Tracing returns the tracing manager, or nil when tracing is disabled.
func (m *Manager) Tracing() *TracingManager { return m.tracing }

// RegisterCheck adds a named health probe.
func (m *Manager) RegisterCheck(c Check) { m.health.AddCheck(c) }

// RecordEvaluation counts one hook dispatch and its merged verdict. Safe to
// call with metrics disabled.
func (m *Manager) RecordEvaluation(hook, verdict string, duration time.Duration) {
	if m.metrics != nil {
		m.metrics.RecordEvaluation(hook, verdict, duration)
	}
}

// RecordHTTPRequest counts one gateway request. Safe to call with metrics
// disabled.
func (m *Manager) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m.metrics != nil {
		m.metrics.RecordHTTPRequest(method, route, status, duration)
	}
}

// RegisterGauge exposes a scrape-time gauge backed by fn. No-op when metrics
// are disabled.
func (m *Manager) RegisterGauge(name, help string, fn func() float64) {
	if m.metrics != nil {
		m.metrics.RegisterGauge(name, help, fn)
	}
}

// RegisterCounter exposes a scrape-time counter backed by fn, which must be
// monotonically non-decreasing. No-op when metrics are disabled.
func (m *Manager) RegisterCounter(name, help string, fn func() float64) {
	if m.metrics != nil {
		m.metrics.RegisterCounter(name, help, fn)
	}
}

// Close shuts down the trace exporter, flushing buffered spans.
func (m *Manager) Close(ctx context.Context) error {
	if m.tracing != nil {
		return m.tracing.Close(ctx)
	}
	return nil
}
