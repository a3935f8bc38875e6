package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/partstream/backend/internal/auth"
	"github.com/partstream/backend/internal/catalog"
	"github.com/partstream/backend/internal/fault"
)

// handleListSnapshots surfaces the Redis staging area through its Postgres
// index, so admins can browse promotion candidates without scanning Redis.
func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, auth.RoleAdmin); !ok {
		return
	}

	f := catalog.SnapshotFilter{
		Status: r.URL.Query().Get("status"),
		MPN:    r.URL.Query().Get("mpn"),
		Limit:  queryInt(r, "limit"),
		Offset: queryInt(r, "offset"),
	}
	snaps, err := s.deps.Snapshots.List(r.Context(), f)
	if err != nil {
		s.respondError(w, err)
		return
	}
	total, err := s.deps.Snapshots.Count(r.Context(), f.Status)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"snapshots": snaps,
		"count":     len(snaps),
		"total":     total,
	})
}

// handlePromoteSnapshot force-promotes a staged component into the shared
// catalog, overriding the quality gate. Accepts either the staging key or
// the part identity.
func (s *Server) handlePromoteSnapshot(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authorize(w, r, auth.RoleAdmin)
	if !ok {
		return
	}

	var req struct {
		RedisKey     string `json:"redis_key"`
		MPN          string `json:"mpn"`
		Manufacturer string `json:"manufacturer"`
		Reason       string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondBadJSON(w)
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		s.respondError(w, fault.New(fault.KindValidation, "api.catalog", "a non-empty reason is required to promote"))
		return
	}

	var (
		c   *catalog.Component
		err error
	)
	switch {
	case req.RedisKey != "":
		c, err = s.deps.Promoter.Promote(r.Context(), ac, req.RedisKey, req.Reason)
	case req.MPN != "":
		c, err = s.deps.Promoter.PromoteByIdentity(r.Context(), ac, req.MPN, req.Manufacturer, req.Reason)
	default:
		err = fault.New(fault.KindValidation, "api.catalog", "redis_key or mpn is required")
	}
	if err != nil {
		s.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"status":    "promoted",
		"component": c,
		"actor":     ac.UserID,
	})
}
