package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/partstream/backend/internal/fault"
)

// Claims are the JWT claims issued by the identity provider for platform
// users. Token issuance lives outside this service; we only verify.
type Claims struct {
	jwt.RegisteredClaims
	OrgID      string `json:"org_id"`
	Role       string `json:"role"`
	Email      string `json:"email"`
	SuperAdmin bool   `json:"super_admin"`
}

// TokenVerifier validates bearer tokens with the shared HMAC secret.
type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret string) *TokenVerifier {
	if secret == "" {
		return nil
	}
	return &TokenVerifier{secret: []byte(secret)}
}

// Verify parses and validates a token string and builds the auth context.
func (v *TokenVerifier) Verify(tokenStr string) (Context, error) {
	if v == nil {
		return Context{}, fault.New(fault.KindUnauthenticated, "auth.token", "token verification not configured")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Context{}, fault.Wrap(fault.KindUnauthenticated, "auth.token", err)
	}
	if !token.Valid {
		return Context{}, fault.New(fault.KindUnauthenticated, "auth.token", "invalid token")
	}
	if claims.Subject == "" {
		return Context{}, fault.New(fault.KindUnauthenticated, "auth.token", "token subject missing")
	}
	if claims.OrgID == "" && !claims.SuperAdmin {
		return Context{}, fault.New(fault.KindUnauthenticated, "auth.token", "token org binding missing")
	}

	role := ParseRole(claims.Role)
	if claims.SuperAdmin {
		role = RoleSuperAdmin
	}
	return Context{
		UserID:       claims.Subject,
		OrgID:        claims.OrgID,
		Email:        claims.Email,
		Role:         role,
		IsSuperAdmin: claims.SuperAdmin,
	}, nil
}
