// Package tenant resolves who is calling: it parses session tokens from
// the identity provider, validates API keys, materializes tenant rows on
// first contact, and enforces org-admin on tenant administration.
package tenant

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	serrors "github.com/semgate/semgate/pkg/errors"
)

// OrgAdminRole is the identity-provider role allowed to administer a
// tenant.
const OrgAdminRole = "org:admin"

// Principal is the authenticated caller. On self-hosted deployments all
// fields stay empty and tenant filters become no-ops.
type Principal struct {
	UserID  string
	OrgID   string
	OrgRole string
	OrgSlug string
	OrgName string

	// APIKeyID is set when the principal authenticated with an API key
	// instead of a session token.
	APIKeyID string
}

// IsOrgAdmin reports whether the principal may administer its tenant.
// API-key principals act on behalf of the tenant and are always admins.
func (p *Principal) IsOrgAdmin() bool {
	if p == nil {
		return false
	}
	return p.APIKeyID != "" || p.OrgRole == OrgAdminRole
}

// sessionClaims is the subset of identity-provider claims we consume.
type sessionClaims struct {
	UserID  string `json:"userId"`
	OrgID   string `json:"orgId"`
	OrgRole string `json:"orgRole"`
	OrgSlug string `json:"orgSlug"`
	OrgName string `json:"orgName"`
	jwt.RegisteredClaims
}

// ParseSessionToken verifies an HS256 session token and extracts the
// principal. Tokens signed with any other method are rejected.
func ParseSessionToken(tokenString, secret string) (*Principal, error) {
	var claims sessionClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, serrors.Newf(serrors.CodeUnauthenticated, "unexpected signing method %q", t.Method.Alg())
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, serrors.Wrap(serrors.CodeUnauthenticated, "invalid session token", err)
	}
	if !token.Valid {
		return nil, serrors.New(serrors.CodeUnauthenticated, "invalid session token")
	}
	return &Principal{
		UserID:  claims.UserID,
		OrgID:   claims.OrgID,
		OrgRole: claims.OrgRole,
		OrgSlug: claims.OrgSlug,
		OrgName: claims.OrgName,
	}, nil
}

type contextKey int

const principalKey contextKey = iota

// WithPrincipal attaches a principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext returns the request's principal, or nil when the request
// is unauthenticated (self-hosted mode).
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

// TenantID returns the tenant scope of the context's principal. Empty
// means unscoped.
func TenantID(ctx context.Context) string {
	if p := FromContext(ctx); p != nil {
		return p.OrgID
	}
	return ""
}
