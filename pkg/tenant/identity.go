package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	serrors "github.com/semgate/semgate/pkg/errors"
)

// Organization is what the identity provider knows about an org.
type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// IdentityClient looks up organizations. Lookups are advisory: slug
// generation falls back to deterministic values when the provider is
// unreachable.
type IdentityClient interface {
	GetOrganization(ctx context.Context, orgID string) (*Organization, error)
}

// HTTPIdentityClient talks to the external identity provider's REST API.
type HTTPIdentityClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewIdentityClient builds a client for the provider at baseURL. Request
// deadlines come from the caller's context.
func NewIdentityClient(baseURL, apiKey string) *HTTPIdentityClient {
	return &HTTPIdentityClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

// GetOrganization fetches one organization record.
func (c *HTTPIdentityClient) GetOrganization(ctx context.Context, orgID string) (*Organization, error) {
	endpoint := fmt.Sprintf("%s/organizations/%s", c.baseURL, url.PathEscape(orgID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build identity request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, serrors.Wrap(serrors.CodeUpstream, "identity provider unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, serrors.Wrap(serrors.CodeUpstream, "failed to read identity response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, serrors.Newf(serrors.CodeUpstream,
			"identity provider returned status %d", resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode})
	}

	var org Organization
	if err := json.Unmarshal(body, &org); err != nil {
		return nil, serrors.Wrap(serrors.CodeUpstream, "malformed identity response", err)
	}
	return &org, nil
}
