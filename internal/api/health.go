package api

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"
)

// healthCheckTimeout bounds each component check.
const healthCheckTimeout = 2 * time.Second

// Health statuses.
const (
	healthOK       = "ok"
	healthDegraded = "degraded"
)

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Goroutines    int               `json:"goroutines"`
	Units         int               `json:"units"`
	StreamClients int               `json:"stream_clients"`
	Components    map[string]string `json:"components"`
}

// handleHealth runs every registered component check. Any failing check
// marks the response degraded and answers 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        healthOK,
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		Units:         len(s.units.Units()),
		StreamClients: s.hub.ClientCount(),
		Components:    make(map[string]string, len(s.checks)),
	}

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := s.checks[name](ctx)
		cancel()
		if err != nil {
			resp.Status = healthDegraded
			resp.Components[name] = err.Error()
			continue
		}
		resp.Components[name] = healthOK
	}

	status := http.StatusOK
	if resp.Status != healthOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
