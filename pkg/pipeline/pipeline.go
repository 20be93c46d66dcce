// Package pipeline orchestrates one semantic query end to end:
// validate, normalize, call the cube engine, decorate the result.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/semgate/semgate/pkg/catalog"
	"github.com/semgate/semgate/pkg/cube"
	serrors "github.com/semgate/semgate/pkg/errors"
	"github.com/semgate/semgate/pkg/policy"
	"github.com/semgate/semgate/pkg/registry"
)

// Lineage names what a result was derived from.
type Lineage struct {
	Cubes   []string `json:"cubes"`
	Members []string `json:"members"`
}

// Debug carries the compiled SQL (when enabled), the upstream query and
// a stable hash of the normalized query.
type Debug struct {
	SQL       string      `json:"sql,omitempty"`
	CubeQuery *cube.Query `json:"cube_query"`
	QueryHash string      `json:"query_hash"`
}

// Result is the decorated response of a semantic query.
type Result struct {
	Data            []map[string]any `json:"data"`
	Schema          *cube.Annotation `json:"schema,omitempty"`
	NormalizedQuery *cube.Query      `json:"normalized_query"`
	Lineage         Lineage          `json:"lineage"`
	Notes           []string         `json:"notes"`
	Debug           *Debug           `json:"debug,omitempty"`
}

// Pipeline executes queries for one database.
type Pipeline struct {
	db       *registry.DatabaseConfig
	client   *cube.Client
	index    *catalog.Index
	enforcer *policy.Enforcer
}

// New wires a pipeline from its per-database collaborators.
func New(db *registry.DatabaseConfig, client *cube.Client, index *catalog.Index, enforcer *policy.Enforcer) *Pipeline {
	return &Pipeline{db: db, client: client, index: index, enforcer: enforcer}
}

// Validate runs governance checks only. The normalized query and notes
// are returned so callers can preview the effect of defaults.
func (p *Pipeline) Validate(ctx context.Context, q *cube.Query) (*cube.Query, []string, error) {
	if err := p.index.Ensure(ctx); err != nil && !serrors.IsCode(err, serrors.CodeUpstreamMetaUnavailable) {
		return nil, nil, err
	}
	if err := p.enforcer.Validate(q); err != nil {
		return nil, nil, err
	}
	normalized, notes := p.enforcer.ApplyDefaults(q)
	if normalized.Limit != nil && *normalized.Limit > p.enforcer.MaxLimit() {
		return nil, nil, serrors.Newf(serrors.CodeLimitTooHigh,
			"limit %d exceeds the maximum of %d", *normalized.Limit, p.enforcer.MaxLimit())
	}
	return normalized, notes, nil
}

// Execute runs the full pipeline: validate, apply defaults, call the
// cube engine, and shape the decorated result.
func (p *Pipeline) Execute(ctx context.Context, q *cube.Query) (*Result, error) {
	normalized, notes, err := p.Validate(ctx, q)
	if err != nil {
		return nil, err
	}

	load, err := p.client.Load(ctx, normalized)
	if err != nil {
		return nil, err
	}

	members := referenced(normalized)
	res := &Result{
		Data:            load.Data,
		Schema:          load.Annotation,
		NormalizedQuery: normalized,
		Lineage: Lineage{
			Cubes:   cubesOf(members),
			Members: members,
		},
		Notes: notes,
		Debug: &Debug{
			CubeQuery: normalized,
			QueryHash: queryHash(normalized),
		},
	}
	if res.Data == nil {
		res.Data = []map[string]any{}
	}
	if res.Notes == nil {
		res.Notes = []string{}
	}

	if p.db.ReturnSQL {
		sqlResp, err := p.client.SQL(ctx, normalized)
		if err != nil {
			// SQL echo is diagnostic; a failed compile call does not
			// void the already-loaded data.
			res.Notes = append(res.Notes, "SQL text unavailable: "+err.Error())
		} else {
			res.Debug.SQL = sqlResp.Statement()
		}
	}

	return res, nil
}

// CompileSQL validates and normalizes the query, then asks the engine
// for the compiled SQL without executing it.
func (p *Pipeline) CompileSQL(ctx context.Context, q *cube.Query) (string, *cube.Query, error) {
	normalized, _, err := p.Validate(ctx, q)
	if err != nil {
		return "", nil, err
	}
	sqlResp, err := p.client.SQL(ctx, normalized)
	if err != nil {
		return "", nil, err
	}
	return sqlResp.Statement(), normalized, nil
}

// referenced lists every member the normalized query touches, sorted.
func referenced(q *cube.Query) []string {
	seen := map[string]bool{}
	var out []string
	push := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}
	for _, m := range q.Measures {
		push(m)
	}
	for _, d := range q.Dimensions {
		push(d)
	}
	for _, s := range q.Segments {
		push(s)
	}
	for i := range q.TimeDimensions {
		push(q.TimeDimensions[i].Dimension)
	}
	for i := range q.Filters {
		push(q.Filters[i].MemberName())
	}
	sort.Strings(out)
	return out
}

// cubesOf extracts the distinct cube prefixes of member names.
func cubesOf(members []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range members {
		cubeName, _, ok := strings.Cut(m, ".")
		if !ok || seen[cubeName] {
			continue
		}
		seen[cubeName] = true
		out = append(out, cubeName)
	}
	sort.Strings(out)
	return out
}

// queryHash is a stable 16-hex-character digest of the normalized query.
func queryHash(q *cube.Query) string {
	raw, err := json.Marshal(q)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}
