package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/partstream/backend/internal/auth"
	"github.com/partstream/backend/internal/events"
	"github.com/partstream/backend/internal/stream"
)

const sseHeartbeat = 15 * time.Second

// handleSSE streams envelopes as Server-Sent Events until the client goes
// away. Tenants see their own traffic plus platform-wide events; an optional
// ?patterns=a,b query narrows the subscription.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authorize(w, r, auth.RoleAnalyst)
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		respond(w, http.StatusInternalServerError, map[string]interface{}{
			"error": "streaming unsupported by this connection",
		})
		return
	}

	patterns := stream.DefaultPatterns
	if q := strings.TrimSpace(r.URL.Query().Get("patterns")); q != "" {
		patterns = strings.Split(q, ",")
	}
	ch, cancel := s.deps.Bus.Chan(patterns...)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Info("📡 SSE client connected", "org_id", ac.OrgID, "patterns", patterns)
	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case env, open := <-ch:
			if !open {
				return
			}
			if !wantsEnvelope(ac, env) {
				continue
			}
			frame, err := env.SSEFormat()
			if err != nil {
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			// Comment frames keep intermediaries from timing the stream out.
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// wantsEnvelope applies the tenant filter: untagged envelopes are platform
// news and go to everyone.
func wantsEnvelope(ac auth.Context, env *events.Envelope) bool {
	return env.TenantID == "" || ac.ScopesAll() || env.TenantID == ac.OrgID
}
