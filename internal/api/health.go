package api

import (
	"net/http"
	"sync/atomic"
	"time"
)

// Readiness tracks which components have come up. The health handler reports
// healthy only once every flag is set and shutdown has not begun, so the
// supervisor never routes traffic at a half-started process.
type Readiness struct {
	queue    atomic.Bool
	registry atomic.Bool
	workers  atomic.Bool
	stopping atomic.Bool
}

func (r *Readiness) SetQueueReady(ok bool)    { r.queue.Store(ok) }
func (r *Readiness) SetRegistryReady(ok bool) { r.registry.Store(ok) }
func (r *Readiness) SetWorkersReady(ok bool)  { r.workers.Store(ok) }
func (r *Readiness) SetShuttingDown()         { r.stopping.Store(true) }

func (r *Readiness) Ready() bool {
	return r.queue.Load() && r.registry.Load() && r.workers.Load() && !r.stopping.Load()
}

// HealthHandler serves the unauthenticated GET /health handshake.
type HealthHandler struct {
	ready   *Readiness
	service string
	version string
}

func NewHealthHandler(ready *Readiness, service, version string) *HealthHandler {
	return &HealthHandler{ready: ready, service: service, version: version}
}

type healthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

func (h *HealthHandler) Serve(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if !h.ready.Ready() {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{
		Status:    status,
		Service:   h.service,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   h.version,
	})
}
