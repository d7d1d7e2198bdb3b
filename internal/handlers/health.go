package handlers

import (
	"net/http"
	"time"

	domain "github.com/blazecity/api/internal/domain"
	"github.com/blazecity/api/internal/platform/httpx"
	"github.com/blazecity/api/internal/repositories"
)

// HealthHandlers serves the liveness and readiness endpoints.
type HealthHandlers struct {
	reports   repositories.HealthRepository
	startedAt time.Time
	now       func() time.Time
}

// NewHealthHandlers constructs the health endpoints. The repository may be nil,
// in which case readiness degenerates to liveness.
func NewHealthHandlers(reports repositories.HealthRepository) *HealthHandlers {
	return &HealthHandlers{
		reports:   reports,
		startedAt: time.Now().UTC(),
		now:       time.Now,
	}
}

// Healthz reports process liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()
	httpx.WriteSuccess(r.Context(), w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    now.Sub(h.startedAt).String(),
		"timestamp": now.Format(time.RFC3339),
	})
}

// Readyz probes downstream dependencies and reports aggregate readiness.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.reports == nil {
		httpx.WriteSuccess(ctx, w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}

	report, err := h.reports.Collect(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("readiness probe failed", http.StatusServiceUnavailable))
		return
	}

	checks := make(map[string]any, len(report.Checks))
	for name, check := range report.Checks {
		entry := map[string]any{
			"status":  string(check.Status),
			"latency": check.Latency.String(),
		}
		if check.Detail != "" {
			entry["detail"] = check.Detail
		}
		if check.Error != "" {
			entry["error"] = check.Error
		}
		checks[name] = entry
	}

	fields := map[string]any{
		"status":       string(report.Status),
		"checks":       checks,
		"generated_at": report.GeneratedAt.UTC().Format(time.RFC3339),
	}

	if report.Status == domain.HealthStatusError {
		httpx.WriteError(ctx, w, httpx.NewError("dependencies unavailable", http.StatusServiceUnavailable).WithDetails(fields))
		return
	}

	httpx.WriteSuccess(ctx, w, http.StatusOK, fields)
}
