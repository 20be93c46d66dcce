package tenant

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	serrors "github.com/semgate/semgate/pkg/errors"
	"github.com/semgate/semgate/pkg/logger"
	"github.com/semgate/semgate/pkg/registry"
)

// SessionTokenHeader carries the identity provider's session JWT.
const SessionTokenHeader = "X-Session-Token"

// apiKeyPrefix marks bearer credentials that are semgate API keys
// rather than session tokens.
const apiKeyPrefix = "sg_"

// Authenticator is the middleware stack that identifies the caller.
type Authenticator struct {
	enabled       bool
	sessionSecret string
	store         registry.Store
	materializer  *Materializer
}

// NewAuthenticator builds the auth middleware. When enabled is false,
// every request passes through unauthenticated (self-hosted mode).
func NewAuthenticator(enabled bool, sessionSecret string, store registry.Store, materializer *Materializer) *Authenticator {
	return &Authenticator{
		enabled:       enabled,
		sessionSecret: sessionSecret,
		store:         store,
		materializer:  materializer,
	}
}

// Middleware resolves the principal from a session token or API key,
// materializes the tenant row, and attaches both to the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled {
			next.ServeHTTP(w, r)
			return
		}

		p, err := a.resolve(r)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		if p != nil {
			if _, err := a.materializer.Ensure(r.Context(), p); err != nil {
				logger.Errorw("tenant materialization failed", "org_id", p.OrgID, "error", err)
				writeAuthError(w, serrors.Wrap(serrors.CodeInternal, "tenant resolution failed", err))
				return
			}
			r = r.WithContext(WithPrincipal(r.Context(), p))
		}
		next.ServeHTTP(w, r)
	})
}

// Require rejects requests that carry no principal. Used on surfaces
// that must never serve anonymously when auth is enabled.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.enabled && FromContext(r.Context()) == nil {
			writeAuthError(w, serrors.New(serrors.CodeUnauthenticated, "authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireOrgAdmin blocks tenant-administration endpoints for principals
// below org:admin. No-op when auth is disabled.
func (a *Authenticator) RequireOrgAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.enabled {
			p := FromContext(r.Context())
			if p == nil {
				writeAuthError(w, serrors.New(serrors.CodeUnauthenticated, "authentication required"))
				return
			}
			if !p.IsOrgAdmin() {
				writeAuthError(w, serrors.New(serrors.CodeForbiddenNotAdmin, "organization admin role required"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// resolve extracts a principal from the request, preferring API keys
// over session tokens. A request with neither resolves to nil.
func (a *Authenticator) resolve(r *http.Request) (*Principal, error) {
	if bearer, ok := bearerToken(r); ok && strings.HasPrefix(bearer, apiKeyPrefix) {
		return a.resolveAPIKey(r, bearer)
	}
	if token := r.Header.Get(SessionTokenHeader); token != "" {
		return ParseSessionToken(token, a.sessionSecret)
	}
	if bearer, ok := bearerToken(r); ok {
		return ParseSessionToken(bearer, a.sessionSecret)
	}
	return nil, nil
}

// resolveAPIKey hashes the presented key, looks it up, and rejects
// revoked or expired keys. Last use is touched best-effort.
func (a *Authenticator) resolveAPIKey(r *http.Request, raw string) (*Principal, error) {
	sum := sha256.Sum256([]byte(raw))
	key, err := a.store.GetAPIKeyByHash(r.Context(), hex.EncodeToString(sum[:]))
	if err != nil {
		return nil, serrors.Wrap(serrors.CodeInternal, "API key lookup failed", err)
	}
	if key == nil {
		return nil, serrors.New(serrors.CodeUnauthenticated, "invalid API key")
	}
	if key.Revoked() {
		return nil, serrors.New(serrors.CodeUnauthenticated, "API key has been revoked")
	}
	if key.Expired(time.Now()) {
		return nil, serrors.New(serrors.CodeUnauthenticated, "API key has expired")
	}
	if err := a.store.TouchAPIKeyLastUsed(r.Context(), key.ID); err != nil {
		logger.Warnw("failed to touch API key last use", "key_id", key.ID, "error", err)
	}
	return &Principal{
		OrgID:    key.TenantID,
		APIKeyID: key.ID,
	}, nil
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const scheme = "Bearer "
	if len(auth) > len(scheme) && strings.EqualFold(auth[:len(scheme)], scheme) {
		return auth[len(scheme):], true
	}
	return "", false
}

func writeAuthError(w http.ResponseWriter, err error) {
	se := serrors.As(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(serrors.HTTPStatus(se.Code))
	body := map[string]any{
		"error": se.Message,
		"code":  se.Code,
	}
	if len(se.Details) > 0 {
		body["details"] = se.Details
	}
	_ = json.NewEncoder(w).Encode(body)
}
