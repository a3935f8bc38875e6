package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

const probeTimeout = 5 * time.Second

// Probe reports whether one dependency is reachable.
type Probe func(ctx context.Context) error

// Health aggregates named dependency probes behind the /health endpoint.
type Health struct {
	service string

	mu     sync.RWMutex
	probes map[string]Probe
}

func NewHealth(service string) *Health {
	return &Health{service: service, probes: make(map[string]Probe)}
}

// Register adds a named probe. Re-registering a name replaces the probe.
func (h *Health) Register(name string, p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = p
}

// Report is the /health response body.
type Report struct {
	Status     string            `json:"status"`
	Service    string            `json:"service"`
	Components map[string]string `json:"components,omitempty"`
}

// Check runs every registered probe, each with its own timeout. A failing
// probe degrades the report but never aborts the remaining probes.
func (h *Health) Check(ctx context.Context) Report {
	h.mu.RLock()
	probes := make(map[string]Probe, len(h.probes))
	for name, p := range h.probes {
		probes[name] = p
	}
	h.mu.RUnlock()

	rep := Report{
		Status:     "healthy",
		Service:    h.service,
		Components: make(map[string]string, len(probes)),
	}
	for name, probe := range probes {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := probe(pctx)
		cancel()

		if err != nil {
			rep.Status = "degraded"
			rep.Components[name] = "error"
			continue
		}
		rep.Components[name] = "connected"
	}
	return rep
}

// Handler serves the health report. Degraded reports answer 503 so the
// load balancer rotates the instance out.
func (h *Health) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := h.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if rep.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(rep)
	}
}
