package api

import (
	"encoding/json"
	"net/http"

	"github.com/partstream/backend/internal/auth"
	"github.com/partstream/backend/internal/events"
	"github.com/partstream/backend/internal/fault"
)

// handleEnrichComponent queues a one-off component enrichment outside any
// BOM. A body with items queues a batch; force bypasses the catalog cache.
// The work happens asynchronously in the component workflow, so the call
// answers 202 with the routing key it published.
func (s *Server) handleEnrichComponent(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authorize(w, r, auth.RoleEngineer)
	if !ok {
		return
	}

	var req struct {
		MPN          string                          `json:"mpn"`
		Manufacturer string                          `json:"manufacturer"`
		Force        bool                            `json:"force"`
		Items        []events.ComponentEnrichRequest `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondBadJSON(w)
		return
	}

	var (
		key     string
		payload interface{}
	)
	switch {
	case len(req.Items) > 0:
		key = events.KeyComponentEnrichBatch
		payload = events.ComponentEnrichBatch{
			Items:          req.Items,
			OrganizationID: ac.OrgID,
			RequestedBy:    ac.UserID,
		}
	case req.MPN != "":
		key = events.KeyComponentEnrichRequest
		if req.Force {
			key = events.KeyComponentEnrichForce
		}
		payload = events.ComponentEnrichRequest{
			MPN:            req.MPN,
			Manufacturer:   req.Manufacturer,
			OrganizationID: ac.OrgID,
			Force:          req.Force,
			RequestedBy:    ac.UserID,
		}
	default:
		s.respondError(w, fault.New(fault.KindValidation, "api.components", "mpn or items is required"))
		return
	}

	env, err := events.NewEnvelope(key, ac.OrgID, payload)
	if err != nil {
		s.respondError(w, fault.Wrap(fault.KindPermanent, "api.components", err))
		return
	}
	if err := s.deps.Publisher.Publish(r.Context(), env); err != nil {
		s.respondError(w, fault.Wrap(fault.KindTransient, "api.components", err))
		return
	}
	respond(w, http.StatusAccepted, map[string]interface{}{
		"status":      "queued",
		"routing_key": key,
		"event_id":    env.ID,
	})
}
