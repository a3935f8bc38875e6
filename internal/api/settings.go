package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/partstream/backend/internal/auth"
	"github.com/partstream/backend/internal/config"
	"github.com/partstream/backend/internal/database"
	"github.com/partstream/backend/internal/fault"
)

// handleGetSettings reports the resolved runtime settings keyed by their
// store names, so what an operator reads here is what they would PUT back.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, auth.RoleAdmin); !ok {
		return
	}

	st := s.deps.Settings.Current(r.Context())
	respond(w, http.StatusOK, map[string]interface{}{
		"settings": map[string]interface{}{
			config.KeyBatchSize:           st.BatchSize,
			config.KeyDelayPerComponentMs: st.DelayPerComponent.Milliseconds(),
			config.KeyDelayPerBatchMs:     st.DelayPerBatch.Milliseconds(),
			config.KeyDelaysEnabled:       st.DelaysEnabled,
			config.KeyQualityThreshold:    st.QualityThreshold,
			config.KeyPromoteThreshold:    st.PromoteThreshold,
			config.KeyConfidenceThreshold: st.ConfidenceThreshold,
			config.KeyCircuitFailures:     st.CircuitFailureThreshold,
			config.KeyCircuitSuccesses:    st.CircuitSuccessThreshold,
			config.KeyCircuitTimeoutSec:   int(st.CircuitTimeout.Seconds()),
			config.KeyRetryMaxAttempts:    st.RetryMaxAttempts,
			config.KeySnapshotTTLSec:      int(st.SnapshotTTL.Seconds()),
			config.KeySyncIntervalSec:     int(st.SyncInterval.Seconds()),
			config.KeyAuditEnabled:        st.AuditEnabled,
		},
	})
}

// handleUpdateSetting writes one override and drops the resolver cache.
// Values are stored as strings; one that fails to parse falls back to the
// compiled default at resolve time, which the returned snapshot reflects.
func (s *Server) handleUpdateSetting(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authorize(w, r, auth.RoleAdmin)
	if !ok {
		return
	}
	if s.deps.Overrides == nil {
		s.respondError(w, fault.New(fault.KindPermanent, "api.settings", "settings store not configured"))
		return
	}

	key := mux.Vars(r)["key"]
	if !config.KnownKey(key) {
		s.respondError(w, fault.Newf(fault.KindValidation, "api.settings", "unknown setting %q", key))
		return
	}

	var req struct {
		Value       string `json:"value"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondBadJSON(w)
		return
	}
	if req.Value == "" {
		s.respondError(w, fault.New(fault.KindValidation, "api.settings", "value is required"))
		return
	}

	err := s.deps.Overrides.UpsertPlatformSetting(r.Context(), &database.PlatformSetting{
		Key:         key,
		Value:       req.Value,
		Description: req.Description,
		UpdatedBy:   ac.UserID,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.deps.Settings.Invalidate()
	s.logger.Info("🔩 Runtime setting updated", "key", key, "value", req.Value, "actor", ac.UserID)

	respond(w, http.StatusOK, map[string]interface{}{
		"status": "updated",
		"key":    key,
		"value":  req.Value,
	})
}

// handleInvalidateSettings drops the resolver cache on this replica. Useful
// after writing settings through another channel; workflows still pick up
// changes only at their next start.
func (s *Server) handleInvalidateSettings(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, auth.RoleAdmin); !ok {
		return
	}
	s.deps.Settings.Invalidate()
	respond(w, http.StatusOK, map[string]interface{}{"status": "invalidated"})
}
