package api

import (
	"encoding/json"
	"net/http"

	"github.com/partstream/backend/internal/auth"
	"github.com/partstream/backend/internal/fault"
)

func respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// respondError maps the fault kind onto an HTTP status. Callers never pick
// status codes by hand, so the taxonomy stays the single source of truth.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := fault.HTTPStatus(err)
	if status >= 500 {
		s.logger.Error("❌ Request error", "error", err)
	}
	respond(w, status, map[string]interface{}{
		"error": err.Error(),
		"kind":  fault.KindOf(err).String(),
	})
}

func (s *Server) respondBadJSON(w http.ResponseWriter) {
	respond(w, http.StatusBadRequest, map[string]interface{}{
		"error": "invalid request body",
		"kind":  fault.KindValidation.String(),
	})
}

// authorize pulls the tenant context and enforces the minimum role for the
// route. The auth middleware guarantees the context is present.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, min auth.Role) (auth.Context, bool) {
	ac, err := auth.FromContext(r.Context())
	if err != nil {
		s.respondError(w, err)
		return auth.Context{}, false
	}
	if err := ac.Require(min); err != nil {
		s.respondError(w, err)
		return auth.Context{}, false
	}
	return ac, true
}
