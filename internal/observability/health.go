package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
)

// HealthServer exposes /healthz, /readyz and /statusz endpoints.
// /statusz reports per-source state, including failed sources and shards.
type HealthServer struct {
	ready atomic.Bool

	mu     sync.RWMutex
	status func() any
}

// NewHealthServer creates a new health server.
func NewHealthServer() *HealthServer {
	return &HealthServer{}
}

// SetReady marks the server as ready to receive traffic.
func (h *HealthServer) SetReady(ready bool) {
	h.ready.Store(ready)
}

// SetStatusFunc registers the function rendered by /statusz.
func (h *HealthServer) SetStatusFunc(fn func() any) {
	h.mu.Lock()
	h.status = fn
	h.mu.Unlock()
}

// Handler returns an http.Handler with health, readiness and status endpoints.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	mux.HandleFunc("GET /statusz", h.handleStatus)
	return mux
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	if h.ready.Load() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
}

func (h *HealthServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	fn := h.status
	h.mu.RUnlock()

	if fn == nil {
		writeJSON(w, http.StatusOK, map[string]any{"sources": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": fn()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
