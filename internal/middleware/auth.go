package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/partstream/backend/internal/auth"
	"github.com/partstream/backend/internal/database"
	"github.com/partstream/backend/internal/fault"
	"github.com/partstream/backend/internal/tenancy"
)

// TenantValidator is the slice of tenancy.Manager the authenticator needs.
type TenantValidator interface {
	ValidateAPIKey(ctx context.Context, fullKey string) (*database.Organization, string, error)
	LoadOrganization(ctx context.Context, orgID string) (*database.Organization, error)
}

// Authenticator turns request credentials into an auth.Context and injects it.
// Accepted credentials, in order:
//  1. Bearer ps_... service API key, validated against the account store.
//  2. Bearer JWT issued by the identity provider.
//  3. X-Org-ID header for trusted internal traffic; should sit behind a
//     gateway in production.
type Authenticator struct {
	verifier       *auth.TokenVerifier
	tenants        TenantValidator
	allowOrgHeader bool
}

func NewAuthenticator(verifier *auth.TokenVerifier, tenants TenantValidator, allowOrgHeader bool) *Authenticator {
	return &Authenticator{verifier: verifier, tenants: tenants, allowOrgHeader: allowOrgHeader}
}

// Middleware enforces an auth context on every request.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		ac, err := a.resolve(r)
		if err != nil {
			writeAuthError(w, err)
			return
		}

		ctx = auth.WithContext(ctx, ac)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) resolve(r *http.Request) (auth.Context, error) {
	authHeader := r.Header.Get("Authorization")

	// 1. Service API key
	if strings.HasPrefix(authHeader, "Bearer "+tenancy.KeyPrefix) {
		if a.tenants == nil {
			return auth.Context{}, fault.New(fault.KindUnauthenticated, "middleware.auth", "api keys not enabled")
		}
		fullKey := strings.TrimPrefix(authHeader, "Bearer ")
		org, role, err := a.tenants.ValidateAPIKey(r.Context(), fullKey)
		if err != nil {
			return auth.Context{}, err
		}
		return auth.Context{
			UserID: "service:" + org.ID,
			OrgID:  org.ID,
			Role:   auth.ParseRole(role),
		}, nil
	}

	// 2. User JWT
	if strings.HasPrefix(authHeader, "Bearer ") {
		token := strings.TrimPrefix(authHeader, "Bearer ")
		return a.verifier.Verify(token)
	}

	// 3. Trusted header fallback
	if a.allowOrgHeader {
		if orgID := r.Header.Get("X-Org-ID"); orgID != "" {
			if a.tenants != nil {
				if _, err := a.tenants.LoadOrganization(r.Context(), orgID); err != nil {
					return auth.Context{}, err
				}
			}
			return auth.Context{
				UserID: "internal",
				OrgID:  orgID,
				Role:   auth.RoleAdmin,
			}, nil
		}
	}

	return auth.Context{}, fault.New(fault.KindUnauthenticated, "middleware.auth", "missing credentials")
}

func writeAuthError(w http.ResponseWriter, err error) {
	status := fault.HTTPStatus(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": http.StatusText(status)})
}
