package cube

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	serrors "github.com/semgate/semgate/pkg/errors"
)

const (
	// tokenTTL bounds the lifetime of every minted token; each upstream
	// call gets a fresh one.
	tokenTTL = 5 * time.Minute

	// maxErrorSnippet bounds how much of an upstream error body is
	// carried into the error details.
	maxErrorSnippet = 512
)

// Client talks to one cube engine on behalf of one database.
type Client struct {
	baseURL    string
	jwtSecret  string
	databaseID string
	httpClient *http.Client
}

// NewClient creates a client for the given engine URL and database. The
// jwtSecret signs the short-lived tokens carrying {databaseId}.
func NewClient(baseURL, jwtSecret, databaseID string) *Client {
	return &Client{
		baseURL:    baseURL,
		jwtSecret:  jwtSecret,
		databaseID: databaseID,
		// No client-level timeout: deadlines are request-scoped and
		// inherited from the inbound context.
		httpClient: &http.Client{},
	}
}

// Meta fetches the engine's cube metadata.
func (c *Client) Meta(ctx context.Context) (*MetaResponse, error) {
	var out MetaResponse
	if err := c.get(ctx, "/meta", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Load executes a query and returns rows plus annotations.
func (c *Client) Load(ctx context.Context, query *Query) (*LoadResponse, error) {
	var out LoadResponse
	if err := c.post(ctx, "/load", map[string]any{"query": query}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SQL compiles a query without executing it.
func (c *Client) SQL(ctx context.Context, query *Query) (*SQLResponse, error) {
	var out SQLResponse
	if err := c.post(ctx, "/sql", map[string]any{"query": query}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build cube request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal cube request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build cube request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	token, err := c.mintToken()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return serrors.Wrap(serrors.CodeUpstream, "cube engine unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorSnippet))
		return serrors.Newf(serrors.CodeUpstream,
			"cube engine returned %d", resp.StatusCode).
			WithDetails(map[string]any{
				"status": resp.StatusCode,
				"body":   string(snippet),
			})
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return serrors.Wrap(serrors.CodeUpstream, "failed to decode cube engine response", err)
	}
	return nil
}
