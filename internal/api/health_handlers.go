package api

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// readyTimeout bounds all dependency checks of one readiness probe.
const readyTimeout = 5 * time.Second

// HealthChecker defines the interface for components that can be health checked.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// NamedChecker pairs a checker with the name reported in probe responses.
type NamedChecker struct {
	Name    string
	Checker HealthChecker

	// Critical checkers fail readiness. Non-critical failures are reported
	// as "degraded" while the service stays ready.
	Critical bool
}

// HealthHandlers provides health and readiness check endpoints for Kubernetes probes.
type HealthHandlers struct {
	checkers []NamedChecker
	logger   *slog.Logger
	now      func() time.Time
}

// NewHealthHandlers creates a new health check handler. Nil checkers are skipped.
func NewHealthHandlers(logger *slog.Logger, checkers ...NamedChecker) *HealthHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &HealthHandlers{logger: logger, now: time.Now}
	for _, c := range checkers {
		if c.Checker != nil {
			h.checkers = append(h.checkers, c)
		}
	}
	sort.SliceStable(h.checkers, func(i, j int) bool { return h.checkers[i].Name < h.checkers[j].Name })
	return h
}

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health (liveness probe).
// Returns 200 whenever the process can serve requests.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, r.Context(), http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	writeJSON(w, r.Context(), http.StatusOK, HealthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": "ok"},
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready (readiness probe).
// Returns 503 if any critical dependency is unavailable.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, r.Context(), http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	checks := make(map[string]string, len(h.checkers))
	healthy := true
	for _, c := range h.checkers {
		if err := c.Checker.HealthCheck(ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed",
				slog.String("check", c.Name),
				slog.Bool("critical", c.Critical),
				slog.String("error", err.Error()),
			)
			if c.Critical {
				checks[c.Name] = "error"
				healthy = false
			} else {
				checks[c.Name] = "degraded"
			}
			continue
		}
		checks[c.Name] = "ok"
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, r.Context(), statusCode, HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}
