// health.go -- Health check handler for GET /api/health.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/MGallo-Code/chiroport/internal/httpx"
	"github.com/MGallo-Code/chiroport/internal/store"
)

const healthCheckTimeout = 2 * time.Second

type memoryStats struct {
	AllocBytes uint64 `json:"alloc_bytes"`
	SysBytes   uint64 `json:"sys_bytes"`
	NumGC      uint32 `json:"num_gc"`
}

type healthResponse struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Memory        memoryStats       `json:"memory"`
	Services      map[string]bool   `json:"services"`
	Checks        map[string]string `json:"checks"`
}

// CheckHealth handles GET /api/health -- reports uptime, memory, which
// services are configured, and pings the counter store and database.
// Returns 200 when every configured check passes, 503 otherwise.
func (h *Handler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	if !h.healthAuthorized(w, r) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{
		"counter_store": h.ping(ctx, r, "counter store", h.Counters),
		"database":      h.ping(ctx, r, "database", h.Database),
	}

	status, code := "ok", http.StatusOK
	for _, c := range checks {
		if c == "error" {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	httpx.WriteJSON(w, code, healthResponse{
		Status:        status,
		UptimeSeconds: int64(time.Since(h.Started).Seconds()),
		Memory: memoryStats{
			AllocBytes: mem.Alloc,
			SysBytes:   mem.Sys,
			NumGC:      mem.NumGC,
		},
		Services: map[string]bool{
			"waitwhile":     h.Queue != nil,
			"identity":      h.Identity != nil,
			"metabase":      h.Embed != nil,
			"database":      h.Database != nil,
			"counter_store": h.Counters != nil,
		},
		Checks: checks,
	})
}

// healthAuthorized applies the x-health-secret rules and writes the
// rejection when it returns false.
func (h *Handler) healthAuthorized(w http.ResponseWriter, r *http.Request) bool {
	if h.HealthSecret == "" {
		if h.Production {
			httpx.NotFound(w, "not found")
			return false
		}
		return true
	}
	got := r.Header.Get("x-health-secret")
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.HealthSecret)) != 1 {
		httpx.LogWarn(r, "health check rejected: bad secret")
		httpx.Unauthorized(w, "unauthorized")
		return false
	}
	return true
}

// ping returns ok, disabled, not_configured, or error.
func (h *Handler) ping(ctx context.Context, r *http.Request, name string, c HealthChecker) string {
	if c == nil {
		return "not_configured"
	}
	if err := c.CheckHealth(ctx); err != nil {
		if errors.Is(err, store.ErrCacheDisabled) {
			return "disabled"
		}
		httpx.LogError(r, name+" health check failed", "error", err)
		return "error"
	}
	return "ok"
}
