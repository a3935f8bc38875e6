package api

import (
	"net/http"

	"github.com/partstream/backend/internal/auth"
)

// handleSupplierStatus reports the registered adapters and their breaker
// state, which is the first thing to check when enrichment stalls.
func (s *Server) handleSupplierStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, auth.RoleAdmin); !ok {
		return
	}

	breakers := map[string]interface{}{}
	for name, st := range s.deps.Suppliers.BreakerStats() {
		breakers[name] = map[string]interface{}{
			"state":                 st.State.String(),
			"requests":              st.Counts.Requests,
			"total_failures":        st.Counts.TotalFailures,
			"consecutive_failures":  st.Counts.ConsecutiveFailures,
			"consecutive_successes": st.Counts.ConsecutiveSuccesses,
		}
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"adapters": s.deps.Suppliers.Adapters(),
		"breakers": breakers,
	})
}

// handleSupplierUsage answers per-minute call volume from the usage ledger.
// Without ?supplier= it reports across all suppliers.
func (s *Server) handleSupplierUsage(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, auth.RoleAdmin); !ok {
		return
	}

	supplier := r.URL.Query().Get("supplier")
	minutes := queryInt(r, "minutes")
	samples, err := s.deps.Suppliers.Usage(r.Context(), supplier, minutes)
	if err != nil {
		s.respondError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"supplier": supplier,
		"samples":  samples,
		"count":    len(samples),
	})
}
