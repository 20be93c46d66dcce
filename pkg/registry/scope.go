package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

var slugPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{2,47}$`)

// IsValidSlug reports whether s is a valid URL slug: 3-48 characters,
// starting with a letter, lowercase alphanumerics and hyphens only.
func IsValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// ScopeDatabaseID derives the globally unique database id from a
// user-facing slug. Self-hosted deployments (empty tenant) use the slug
// directly; tenanted deployments append the first 12 hex characters of
// the tenant id's sha256 so the same slug never collides across tenants.
func ScopeDatabaseID(slug, tenantID string) string {
	if tenantID == "" {
		return slug
	}
	sum := sha256.Sum256([]byte(tenantID))
	return slug + "-" + hex.EncodeToString(sum[:])[:12]
}
