package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partstream/backend/internal/auth"
	"github.com/partstream/backend/internal/database"
	"github.com/partstream/backend/internal/fault"
)

type stubTenants struct {
	orgs map[string]*database.Organization
}

func (s *stubTenants) ValidateAPIKey(ctx context.Context, fullKey string) (*database.Organization, string, error) {
	if fullKey == "ps_valid.secret" {
		return s.orgs["org-a"], "engineer", nil
	}
	return nil, "", fault.New(fault.KindUnauthenticated, "test", "invalid api key")
}

func (s *stubTenants) LoadOrganization(ctx context.Context, orgID string) (*database.Organization, error) {
	org, ok := s.orgs[orgID]
	if !ok {
		return nil, fault.New(fault.KindUnauthenticated, "test", "organization not found")
	}
	return org, nil
}

func newTestAuthenticator(allowOrgHeader bool) *Authenticator {
	tenants := &stubTenants{orgs: map[string]*database.Organization{
		"org-a": {ID: "org-a", Name: "Acme", Status: "active"},
	}}
	return NewAuthenticator(auth.NewTokenVerifier("test-secret"), tenants, allowOrgHeader)
}

func echoOrg() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, err := auth.FromContext(r.Context())
		if err != nil {
			http.Error(w, "no context", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(ac.OrgID))
	})
}

func TestAuthMiddlewareJWT(t *testing.T) {
	a := newTestAuthenticator(false)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		OrgID: "org-a",
		Role:  "admin",
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/boms", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()

	a.Middleware(echoOrg()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "org-a", rec.Body.String())
}

func TestAuthMiddlewareAPIKey(t *testing.T) {
	a := newTestAuthenticator(false)

	req := httptest.NewRequest(http.MethodGet, "/boms", nil)
	req.Header.Set("Authorization", "Bearer ps_valid.secret")
	rec := httptest.NewRecorder()

	a.Middleware(echoOrg()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "org-a", rec.Body.String())
}

func TestAuthMiddlewareRejectsBadKey(t *testing.T) {
	a := newTestAuthenticator(false)

	req := httptest.NewRequest(http.MethodGet, "/boms", nil)
	req.Header.Set("Authorization", "Bearer ps_bogus.nope")
	rec := httptest.NewRecorder()

	a.Middleware(echoOrg()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareRejectsMissingCredentials(t *testing.T) {
	a := newTestAuthenticator(false)

	req := httptest.NewRequest(http.MethodGet, "/boms", nil)
	rec := httptest.NewRecorder()

	a.Middleware(echoOrg()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareOrgHeaderOnlyWhenAllowed(t *testing.T) {
	trusted := newTestAuthenticator(true)
	req := httptest.NewRequest(http.MethodGet, "/boms", nil)
	req.Header.Set("X-Org-ID", "org-a")
	rec := httptest.NewRecorder()
	trusted.Middleware(echoOrg()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	locked := newTestAuthenticator(false)
	rec = httptest.NewRecorder()
	locked.Middleware(echoOrg()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 3, BurstSize: 5})

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("org:a"), "call %d should pass", i+1)
	}
	// Above the per-minute limit but below burst: still rejected by limit.
	assert.False(t, rl.Allow("org:a"))

	// A different org has its own window.
	assert.True(t, rl.Allow("org:b"))
}

func TestRateLimiterMiddlewareResponds429(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{MaxCallsPerMinute: 1, BurstSize: 1})
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	ctx := auth.WithContext(context.Background(), auth.Context{UserID: "u", OrgID: "org-a", Role: auth.RoleAdmin})

	req := httptest.NewRequest(http.MethodGet, "/boms", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}
