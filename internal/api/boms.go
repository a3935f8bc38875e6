package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/partstream/backend/internal/audit"
	"github.com/partstream/backend/internal/auth"
	"github.com/partstream/backend/internal/bom"
	"github.com/partstream/backend/internal/fault"
	"github.com/partstream/backend/internal/ingest"
	"github.com/partstream/backend/internal/locks"
	"github.com/partstream/backend/internal/workflow"
)

// registerIdemTTL is how long a registration result answers replays of the
// same Idempotency-Key. Upload retries arrive within minutes; a day covers
// delayed client-side replays without keeping results forever.
const registerIdemTTL = 24 * time.Hour

// handleRegisterBOM accepts a parsed snapshot reference and registers it for
// enrichment. Regular callers always register into their own organization;
// only platform staff may name another org (bulk re-ingestion).
func (s *Server) handleRegisterBOM(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authorize(w, r, auth.RoleEngineer)
	if !ok {
		return
	}

	var req ingest.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondBadJSON(w)
		return
	}
	if !ac.ScopesAll() {
		req.OrganizationID = ac.OrgID
	} else if req.OrganizationID == "" {
		s.respondError(w, fault.New(fault.KindValidation, "api.boms", "organization_id is required for platform staff"))
		return
	}
	if req.UploadedBy == "" {
		req.UploadedBy = ac.UserID
	}

	// An Idempotency-Key pins the first outcome: replays get the stored
	// response instead of re-running registration.
	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	var storeKey string
	if idemKey != "" && s.deps.Idempotency != nil {
		storeKey = locks.IdempotencyKey(req.OrganizationID, idemKey)
		if cached, ok, err := s.deps.Idempotency.Get(r.Context(), storeKey); err == nil && ok {
			s.replayRegistration(w, cached)
			return
		}
	}

	b, created, err := s.deps.Registrar.Register(r.Context(), req)
	if err != nil {
		s.respondError(w, err)
		return
	}
	body := map[string]interface{}{
		"bom":     b,
		"created": created,
	}

	if storeKey != "" {
		if raw, merr := json.Marshal(body); merr == nil {
			won, rerr := s.deps.Idempotency.Register(r.Context(), storeKey, raw, registerIdemTTL)
			if rerr == nil && !won {
				// A concurrent replay beat us to the key; its outcome wins.
				if cached, ok, gerr := s.deps.Idempotency.Get(r.Context(), storeKey); gerr == nil && ok {
					s.replayRegistration(w, cached)
					return
				}
			}
		}
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respond(w, status, body)
}

func (s *Server) replayRegistration(w http.ResponseWriter, cached []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Idempotent-Replay", "true")
	w.WriteHeader(http.StatusOK)
	w.Write(cached)
}

func (s *Server) handleListBOMs(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authorize(w, r, auth.RoleAnalyst)
	if !ok {
		return
	}

	f := bom.ListFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}
	boms, err := s.deps.BOMs.ListBOMs(r.Context(), ac, f)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"boms":  boms,
		"count": len(boms),
	})
}

func (s *Server) handleCountBOMs(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authorize(w, r, auth.RoleAnalyst)
	if !ok {
		return
	}

	n, err := s.deps.BOMs.CountBOMs(r.Context(), ac, r.URL.Query().Get("status"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"count": n})
}

func (s *Server) handleGetBOM(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authorize(w, r, auth.RoleAnalyst)
	if !ok {
		return
	}

	b, err := s.deps.BOMs.GetBOM(r.Context(), ac, mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, b)
}

// handleDeleteBOM removes the BOM, its lines, and its audit trail. The
// database delete is the authoritative one (it writes the admin audit log
// entry in the same transaction); object storage cleanup is best effort.
func (s *Server) handleDeleteBOM(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authorize(w, r, auth.RoleAdmin)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondBadJSON(w)
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		s.respondError(w, fault.New(fault.KindValidation, "api.boms", "a non-empty reason is required to delete a bom"))
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.deps.BOMs.DeleteBOM(r.Context(), ac, id, req.Reason); err != nil {
		s.respondError(w, err)
		return
	}

	removed, err := s.deps.Objects.DeletePrefix(r.Context(), audit.BOMPrefix(id))
	if err != nil {
		// Orphaned audit objects are harmless; the next delete sweep or a
		// re-run of this call clears them.
		s.logger.Warn("⚠️ Audit cleanup incomplete after bom delete", "bom_id", id, "error", err)
	}
	s.logger.Info("🗑️ BOM deleted", "bom_id", id, "actor", ac.UserID, "audit_objects_removed", removed)
	respond(w, http.StatusOK, map[string]interface{}{
		"status":                "deleted",
		"bom_id":                id,
		"audit_objects_removed": removed,
	})
}

func (s *Server) handleListLines(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authorize(w, r, auth.RoleAnalyst)
	if !ok {
		return
	}

	items, err := s.deps.BOMs.ListLineItems(r.Context(), ac, mux.Vars(r)["id"], queryInt(r, "limit"), queryInt(r, "offset"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"lines": items,
		"count": len(items),
	})
}

// handleBOMProgress merges the durable progress trail with the live workflow
// state. A finished or crashed workflow still answers from the event trail.
func (s *Server) handleBOMProgress(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authorize(w, r, auth.RoleAnalyst)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]

	b, err := s.deps.BOMs.GetBOM(r.Context(), ac, id)
	if err != nil {
		s.respondError(w, err)
		return
	}

	body := map[string]interface{}{
		"bom_id": b.ID,
		"status": b.Status,
	}
	if ev, err := s.deps.BOMs.LatestEnrichmentEvent(r.Context(), ac, id); err == nil {
		body["progress"] = ev
	}
	if inst, err := s.deps.Engine.Progress(r.Context(), workflow.EnrichmentID(id)); err == nil && ac.CanAccess(inst.OrganizationID) {
		body["workflow"] = inst
	}
	respond(w, http.StatusOK, body)
}

// handleBOMAudit lists the evidence artifacts for one BOM. Per-line object
// dumps live under an internal prefix and are omitted; the artifact files
// (final CSV, original rows, field diff) are what reviewers fetch.
func (s *Server) handleBOMAudit(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authorize(w, r, auth.RoleAnalyst)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]

	if _, err := s.deps.BOMs.GetBOM(r.Context(), ac, id); err != nil {
		s.respondError(w, err)
		return
	}

	keys, err := s.deps.Objects.List(r.Context(), audit.BOMPrefix(id))
	if err != nil {
		s.respondError(w, err)
		return
	}
	artifacts := make([]string, 0, len(keys))
	objects := 0
	for _, k := range keys {
		if strings.Contains(k, "/_objects/") {
			objects++
			continue
		}
		artifacts = append(artifacts, k)
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"bom_id":       id,
		"artifacts":    artifacts,
		"line_objects": objects,
	})
}

// handleSignalBOM pauses, resumes, or cancels the BOM's enrichment workflow.
// The engine validates state transitions; a pause of a finished workflow
// comes back as a conflict.
func (s *Server) handleSignalBOM(w http.ResponseWriter, r *http.Request) {
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
	if _, err := s.deps.BOMs.GetBOM(r.Context(), ac, id); err != nil {
		s.respondError(w, err)
		return
	}

	workflowID := workflow.EnrichmentID(id)
	if err := s.deps.Engine.Signal(r.Context(), workflowID, sig, ac.UserID, req.Reason); err != nil {
		s.respondError(w, err)
		return
	}
	respond(w, http.StatusAccepted, map[string]interface{}{
		"workflow_id": workflowID,
		"signal":      string(sig),
		"actor":       ac.UserID,
	})
}

func queryInt(r *http.Request, name string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return v
}
