package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/partstream/backend/internal/auth"
	"github.com/partstream/backend/internal/workflow"
)

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authorize(w, r, auth.RoleAnalyst)
	if !ok {
		return
	}

	f := workflow.ListFilter{
		State:  r.URL.Query().Get("state"),
		Kind:   r.URL.Query().Get("kind"),
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}
	instances, err := s.deps.Workflows.List(r.Context(), ac, f)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"workflows": instances,
		"count":     len(instances),
	})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authorize(w, r, auth.RoleAnalyst)
	if !ok {
		return
	}

	inst, err := s.deps.Workflows.GetScoped(r.Context(), ac, mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, inst)
}

func (s *Server) handleWorkflowHistory(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authorize(w, r, auth.RoleAnalyst)
	if !ok {
		return
	}

	id := mux.Vars(r)["id"]
	hist, err := s.deps.Workflows.History(r.Context(), ac, id, queryInt(r, "limit"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"workflow_id": id,
		"events":      hist,
		"count":       len(hist),
	})
}

// handleSignalWorkflow signals any workflow by its ID, covering the
// single-component workflows that have no BOM route.
func (s *Server) handleSignalWorkflow(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authorize(w, r, auth.RoleAdmin)
	if !ok {
		return
	}

	var req struct {
		Signal string `json:"signal"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondBadJSON(w)
		return
	}
	sig, err := workflow.ParseSignal(req.Signal)
	if err != nil {
		s.respondError(w, err)
		return
	}

	id := mux.Vars(r)["id"]
	if _, err := s.deps.Workflows.GetScoped(r.Context(), ac, id); err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.deps.Engine.Signal(r.Context(), id, sig, ac.UserID, req.Reason); err != nil {
		s.respondError(w, err)
		return
	}
	respond(w, http.StatusAccepted, map[string]interface{}{
		"workflow_id": id,
		"signal":      string(sig),
		"actor":       ac.UserID,
	})
}
