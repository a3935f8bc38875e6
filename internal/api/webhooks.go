package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/lib/pq"

	"github.com/partstream/backend/internal/auth"
	"github.com/partstream/backend/internal/webhooks"
)

// webhookScope is the org filter for webhook reads and deletes: platform
// staff see everything, everyone else their own organization.
func webhookScope(ac auth.Context) string {
	if ac.ScopesAll() {
		return ""
	}
	return ac.OrgID
}

// webhookView strips the signing secret out of API responses. Secrets go in
// on registration and never come back out.
func webhookView(sub webhooks.Subscription) map[string]interface{} {
	return map[string]interface{}{
		"id":              sub.ID,
		"organization_id": sub.OrganizationID,
		"url":             sub.URL,
		"events":          sub.Events,
		"active":          sub.Active,
		"fail_count":      sub.FailCount,
		"created_at":      sub.CreatedAt,
		"has_secret":      sub.Secret != "",
	}
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authorize(w, r, auth.RoleAdmin)
	if !ok {
		return
	}

	subs := s.deps.Webhooks.ListForOrg(webhookScope(ac))
	out := make([]map[string]interface{}, 0, len(subs))
	for _, sub := range subs {
		out = append(out, webhookView(sub))
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"webhooks": out,
		"count":    len(out),
	})
}

func (s *Server) handleRegisterWebhook(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authorize(w, r, auth.RoleAdmin)
	if !ok {
		return
	}

	var req struct {
		URL    string   `json:"url"`
		Events []string `json:"events"`
		Secret string   `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondBadJSON(w)
		return
	}

	sub := &webhooks.Subscription{
		OrganizationID: ac.OrgID,
		URL:            req.URL,
		Events:         pq.StringArray(req.Events),
		Secret:         req.Secret,
	}
	if err := s.deps.Webhooks.Register(r.Context(), sub); err != nil {
		s.respondError(w, err)
		return
	}
	respond(w, http.StatusCreated, webhookView(*sub))
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authorize(w, r, auth.RoleAdmin)
	if !ok {
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.deps.Webhooks.Unregister(r.Context(), id, webhookScope(ac)); err != nil {
		s.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"status": "removed",
		"id":     id,
	})
}
