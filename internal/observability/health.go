package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"

	defaultCheckTimeout = 5 * time.Second
)

// Check is one named health probe. Probe returns nil when the component is
// healthy.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthReport aggregates every probe outcome.
type HealthReport struct {
	Status     string        `json:"status"`
	Timestamp  time.Time     `json:"timestamp"`
	Components []CheckResult `json:"components,omitempty"`
}

// HealthManager runs registered probes for the /healthz endpoint. With no
// probes registered it reports healthy.
type HealthManager struct {
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.Mutex
	checks []Check
}

// NewHealthManager returns an empty manager with the default probe timeout.
func NewHealthManager(logger *zap.Logger) *HealthManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthManager{logger: logger, timeout: defaultCheckTimeout}
}

// AddCheck registers a probe. Blank names and nil probes are ignored.
func (hm *HealthManager) AddCheck(c Check) {
	if c.Name == "" || c.Probe == nil {
		return
	}
	hm.mu.Lock()
	hm.checks = append(hm.checks, c)
	hm.mu.Unlock()
}

// Report runs every probe under the manager timeout.
func (hm *HealthManager) Report(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, hm.timeout)
	defer cancel()

	hm.mu.Lock()
	checks := append([]Check(nil), hm.checks...)
	hm.mu.Unlock()

	report := HealthReport{
		Status:     statusHealthy,
		Timestamp:  time.Now().UTC(),
		Components: make([]CheckResult, 0, len(checks)),
	}
	for _, c := range checks {
		start := time.Now()
		result := CheckResult{Name: c.Name, Status: statusHealthy}
		if err := c.Probe(ctx); err != nil {
			result.Status = statusUnhealthy
			result.Error = err.Error()
			report.Status = statusUnhealthy
			hm.logger.Warn("health check failed",
				zap.String("component", c.Name),
				zap.Error(err))
		}
		result.Latency = time.Since(start).String()
		report.Components = append(report.Components, result)
	}
	return report
}

// IsHealthy reports whether every probe passes right now.
func (hm *HealthManager) IsHealthy() bool {
	return hm.Report(context.Background()).Status == statusHealthy
}

// Handler serves the health report, 503 when any probe fails.
func (hm *HealthManager) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := hm.Report(r.Context())

		code := http.StatusOK
		if report.Status != statusHealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(report); err != nil {
			hm.logger.Warn("failed to encode health report", zap.Error(err))
		}
	}
}
