package health

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hilthontt/codesync/internal/infrastructure/json"
)

const checkTimeout = 2 * time.Second

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

type Handler struct {
	startTime time.Time
	healthy   atomic.Bool
	checks    map[string]Check
}

func NewHandler(checks map[string]Check) *Handler {
	h := &Handler{
		startTime: time.Now(),
		checks:    checks,
	}
	h.healthy.Store(true)
	return h
}

// SetHealthy flips liveness, used while draining on shutdown.
func (h *Handler) SetHealthy(ok bool) {
	h.healthy.Store(ok)
}

func (h *Handler) response(status string) healthResponse {
	return healthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	}
}

// GetHealth answers liveness probes.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	if !h.healthy.Load() {
		_ = json.Write(w, http.StatusServiceUnavailable, h.response("unhealthy"))
		return
	}

	_ = json.Write(w, http.StatusOK, h.response("ok"))
}

// GetReady also runs every dependency check.
func (h *Handler) GetReady(w http.ResponseWriter, r *http.Request) {
	resp := h.response("ok")
	status := http.StatusOK

	if !h.healthy.Load() {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	if len(h.checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()

		resp.Checks = make(map[string]string, len(h.checks))
		for name, check := range h.checks {
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "unhealthy"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}

	_ = json.Write(w, status, resp)
}
