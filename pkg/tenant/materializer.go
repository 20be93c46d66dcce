package tenant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"

	serrors "github.com/semgate/semgate/pkg/errors"
	"github.com/semgate/semgate/pkg/logger"
	"github.com/semgate/semgate/pkg/registry"
)

// maxSlugAttempts bounds collision probing before giving up.
const maxSlugAttempts = 999

// Materializer turns an authenticated org into a tenant row, creating it
// on first contact and bootstrapping its default database.
type Materializer struct {
	store    registry.Store
	identity IdentityClient
	manager  *registry.Manager
}

// NewMaterializer wires a materializer. identity may be nil when no
// provider is configured; slug generation then uses deterministic
// fallbacks only.
func NewMaterializer(store registry.Store, identity IdentityClient, manager *registry.Manager) *Materializer {
	return &Materializer{store: store, identity: identity, manager: manager}
}

// Ensure returns the tenant row for the principal's org, creating it if
// this is the org's first contact. Nil principals (self-hosted) resolve
// to no tenant.
func (m *Materializer) Ensure(ctx context.Context, p *Principal) (*registry.Tenant, error) {
	if p == nil || p.OrgID == "" {
		return nil, nil
	}

	t, err := m.store.GetTenantByID(ctx, p.OrgID)
	if err != nil {
		return nil, err
	}
	if t != nil {
		return t, nil
	}

	name, slug := m.resolveOrg(ctx, p)
	slug, err = m.uniqueSlug(ctx, slug, p.OrgID)
	if err != nil {
		return nil, err
	}

	t, err = m.store.CreateTenant(ctx, p.OrgID, slug, name)
	if err != nil {
		// Two requests from a brand-new org can race the insert; the
		// loser re-reads the winner's row.
		if serrors.IsDuplicateID(err) {
			return m.store.GetTenantByID(ctx, p.OrgID)
		}
		return nil, err
	}

	logger.Infow("materialized new tenant", "tenant_id", t.ID, "slug", t.Slug)
	m.bootstrapDefaultDatabase(t.ID)
	return t, nil
}

// resolveOrg asks the identity provider for the org's preferred name and
// slug. Provider failures fall through to the principal's claims and the
// deterministic org-id slug; materialization never blocks on the provider.
func (m *Materializer) resolveOrg(ctx context.Context, p *Principal) (name, slug string) {
	name, slug = p.OrgName, p.OrgSlug
	if m.identity != nil {
		org, err := m.identity.GetOrganization(ctx, p.OrgID)
		if err != nil {
			logger.Warnw("identity provider lookup failed, using claim fallbacks",
				"org_id", p.OrgID, "error", err)
		} else {
			if org.Name != "" {
				name = org.Name
			}
			if org.Slug != "" {
				slug = org.Slug
			}
		}
	}

	if !registry.IsValidSlug(slug) {
		slug = Slugify(name)
	}
	if !registry.IsValidSlug(slug) {
		slug = fallbackSlug(p.OrgID)
	}
	return name, slug
}

// uniqueSlug probes base, base-2, base-3, ... until an unused slug is
// found. orgID seeds a deterministic last-resort base when the probe
// range is exhausted.
func (m *Materializer) uniqueSlug(ctx context.Context, base, orgID string) (string, error) {
	candidate := base
	for i := 2; i <= maxSlugAttempts+1; i++ {
		taken, err := m.store.TenantSlugExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = suffixSlug(base, i)
	}
	if fb := fallbackSlug(orgID); fb != base {
		return m.uniqueSlug(ctx, fb, orgID)
	}
	return "", serrors.Newf(serrors.CodeSlugTaken,
		"could not find a free slug for %q", base)
}

// bootstrapDefaultDatabase fires the default-database setup without
// blocking the request that materialized the tenant.
func (m *Materializer) bootstrapDefaultDatabase(tenantID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := m.manager.InitializeDefaultDatabase(ctx, tenantID); err != nil {
			logger.Warnw("default database bootstrap failed", "tenant_id", tenantID, "error", err)
		}
	}()
}

// Slugify lowercases, maps runs of non-alphanumerics to single hyphens,
// and trims to the slug length limit. Returns "" when nothing usable
// remains.
func Slugify(s string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case unicode.IsLower(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > 48 {
		out = strings.Trim(out[:48], "-")
	}
	if !registry.IsValidSlug(out) {
		return ""
	}
	return out
}

// fallbackSlug derives a deterministic valid slug from the org id.
func fallbackSlug(orgID string) string {
	sum := sha256.Sum256([]byte(orgID))
	return "org-" + hex.EncodeToString(sum[:])[:12]
}

// suffixSlug appends -<n>, truncating the base so the result stays
// within the slug length limit.
func suffixSlug(base string, n int) string {
	suffix := fmt.Sprintf("-%d", n)
	if len(base)+len(suffix) > 48 {
		base = strings.TrimRight(base[:48-len(suffix)], "-")
	}
	return base + suffix
}
