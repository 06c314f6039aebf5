package observability

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// TracingConfig controls the OTLP/HTTP span exporter. An empty endpoint uses
// the exporter's localhost default.
type TracingConfig struct {
	Enabled        bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName    string  `json:"serviceName" mapstructure:"service-name"`
	ServiceVersion string  `json:"serviceVersion,omitempty" mapstructure:"service-version"`
	OTLPEndpoint   string  `json:"otlpEndpoint,omitempty" mapstructure:"otlp-endpoint"`
	SampleRate     float64 `json:"sampleRate,omitempty" mapstructure:"sample-rate"`
}

// TracingManager installs the global tracer provider. Packages that emit
// spans (the analyzer pipeline stages in particular) pick it up through
// otel.Tracer and stay no-ops until a provider is installed here.
type TracingManager struct {
	logger   *zap.Logger
	config   TracingConfig
	tracer   oteltrace.Tracer
	provider *trace.TracerProvider
	enabled  bool
}

// NewTracingManager wires the OTLP exporter and tracer provider. A disabled
// config yields an inert manager.
func NewTracingManager(cfg TracingConfig, logger *zap.Logger) (*TracingManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "oversight"
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = 1.0
	}

	tm := &TracingManager{logger: logger, config: cfg, enabled: cfg.Enabled}
	if !cfg.Enabled {
		return tm, nil
	}

	if err := tm.init(); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	logger.Info("opentelemetry tracing enabled",
		zap.String("service", cfg.ServiceName),
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.Float64("sampleRate", cfg.SampleRate))
	return tm, nil
}

func (tm *TracingManager) init() error {
	opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
	if tm.config.OTLPEndpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpoint(tm.config.OTLPEndpoint))
	}
	exporter, err := otlptracehttp.New(context.Background(), opts...)
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(tm.config.ServiceName),
			semconv.ServiceVersionKey.String(tm.config.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	tm.provider = trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(tm.config.SampleRate)),
	)
	otel.SetTracerProvider(tm.provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tm.tracer = otel.Tracer(tm.config.ServiceName)
	return nil
}

// IsEnabled reports whether spans are being exported.
func (tm *TracingManager) IsEnabled() bool { return tm.enabled }

// StartSpan starts a span, or passes the caller's context through untouched
// when tracing is disabled.
func (tm *TracingManager) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	if !tm.enabled {
		return ctx, oteltrace.SpanFromContext(ctx)
	}
	return tm.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// SetSpanError marks the current span as failed.
func (tm *TracingManager) SetSpanError(ctx context.Context, err error) {
	if !tm.enabled || err == nil {
		return
	}
	span := oteltrace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("error", "true"),
		attribute.String("error.message", err.Error()),
	)
}

// HTTPMiddleware extracts inbound trace context and wraps each request in a
// span. A disabled manager returns a pass-through middleware.
func (tm *TracingManager) HTTPMiddleware() func(http.Handler) http.Handler {
	if !tm.enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := tm.tracer.Start(ctx, fmt.Sprintf("%s %s", r.Method, r.URL.Path),
				oteltrace.WithAttributes(
					semconv.HTTPMethodKey.String(r.Method),
					semconv.HTTPTargetKey.String(r.URL.Path),
					semconv.HTTPHostKey.String(r.Host),
				),
			)
			defer span.End()

			ww := &tracingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(w.Header()))
			next.ServeHTTP(ww, r.WithContext(ctx))

			span.SetAttributes(semconv.HTTPStatusCodeKey.Int(ww.statusCode))
			if ww.statusCode >= 400 {
				span.SetAttributes(attribute.String("error", "true"))
			}
		})
	}
}

type tracingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *tracingResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Close shuts down the provider, flushing buffered spans.
func (tm *TracingManager) Close(ctx context.Context) error {
	if !tm.enabled || tm.provider == nil {
		return nil
	}
	tm.logger.Info("shutting down opentelemetry tracing")
	return tm.provider.Shutdown(ctx)
}
