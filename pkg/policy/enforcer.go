// Package policy implements the governance gate every query passes
// before reaching the cube engine: strict key validation, member
// exposure and PII rules, group-by restrictions, limit ceilings, and the
// silent injection of default segments and filters.
package policy

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/semgate/semgate/pkg/catalog"
	"github.com/semgate/semgate/pkg/cube"
	serrors "github.com/semgate/semgate/pkg/errors"
	"github.com/semgate/semgate/pkg/registry"
)

// allowedQueryKeys is the closed set of top-level query keys.
var allowedQueryKeys = map[string]struct{}{
	"measures":       {},
	"dimensions":     {},
	"timeDimensions": {},
	"filters":        {},
	"segments":       {},
	"order":          {},
	"limit":          {},
	"offset":         {},
}

// ParseQuery decodes a raw query, rejecting any top-level key outside
// the allowed set before unmarshaling.
func ParseQuery(raw []byte) (*cube.Query, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, serrors.Wrap(serrors.CodeValidation, "query is not a JSON object", err)
	}
	var offending []string
	for k := range keys {
		if _, ok := allowedQueryKeys[k]; !ok {
			offending = append(offending, k)
		}
	}
	if len(offending) > 0 {
		sort.Strings(offending)
		return nil, serrors.Newf(serrors.CodeQueryKeyNotAllowed,
			"query key %q is not allowed", offending[0]).
			WithDetails(map[string]any{"keys": offending})
	}

	var q cube.Query
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, serrors.Wrap(serrors.CodeValidation, "malformed query", err)
	}
	return &q, nil
}

// Enforcer validates queries against one database's governance envelope
// and its catalog index. Stateless apart from that configuration.
type Enforcer struct {
	db    *registry.DatabaseConfig
	index *catalog.Index
}

// NewEnforcer creates an enforcer for one database.
func NewEnforcer(db *registry.DatabaseConfig, index *catalog.Index) *Enforcer {
	return &Enforcer{db: db, index: index}
}

// Validate applies the governance rules in order; the first failure
// short-circuits.
func (e *Enforcer) Validate(q *cube.Query) error {
	// Limit rules. Key validation already happened in ParseQuery.
	if q.Limit == nil {
		return serrors.New(serrors.CodeMissingLimit, "query must specify a limit")
	}
	if *q.Limit > e.db.MaxLimit {
		return serrors.Newf(serrors.CodeLimitTooHigh,
			"limit %d exceeds the maximum of %d", *q.Limit, e.db.MaxLimit)
	}

	denied := map[string]bool{}
	for _, m := range e.db.DenyMembers {
		denied[m] = true
	}

	// Every referenced member must exist, be exposed, and be PII-free.
	for _, name := range referencedMembers(q) {
		m, err := e.index.GetMember(name)
		if err != nil {
			return err
		}
		if !m.Exposed {
			return serrors.Newf(serrors.CodeMemberNotExposed,
				"member %q is not exposed for querying", name)
		}
		if m.PII {
			return serrors.Newf(serrors.CodePIIMemberBlocked,
				"Member %q is marked as PII and cannot be queried", name)
		}
		if denied[name] {
			return serrors.Newf(serrors.CodePIIMemberBlocked,
				"Member %q is blocked by this database's deny list", name)
		}
	}

	// Group-by restrictions per measure.
	groupBy := groupByDimensions(q)
	for _, name := range q.Measures {
		m, err := e.index.GetMember(name)
		if err != nil {
			return err
		}
		if len(m.AllowedGroupBy) > 0 {
			allowed := map[string]bool{}
			for _, d := range m.AllowedGroupBy {
				allowed[d] = true
			}
			for _, dim := range groupBy {
				if !allowed[dim] {
					return serrors.Newf(serrors.CodeGroupByNotAllowed,
						"measure %q cannot be grouped by %q", name, dim)
				}
			}
		}
		for _, deniedDim := range m.DeniedGroupBy {
			for _, dim := range groupBy {
				if dim == deniedDim {
					return serrors.Newf(serrors.CodeGroupByNotAllowed,
						"measure %q cannot be grouped by %q", name, dim)
				}
			}
		}
		if m.RequiresTimeDimension && len(q.TimeDimensions) == 0 {
			return serrors.Newf(serrors.CodeMissingTimeDimension,
				"measure %q requires a time dimension", name)
		}
	}

	return nil
}

// ApplyDefaults merges the default segments and filters into the query,
// never duplicating a segment or overriding a filter the client already
// set for the same member. Returns the normalized query plus
// human-readable notes describing each modification.
func (e *Enforcer) ApplyDefaults(q *cube.Query) (*cube.Query, []string) {
	out := *q
	var notes []string

	// Default segments: config-level plus catalog-level, deduplicated.
	have := map[string]bool{}
	for _, s := range out.Segments {
		have[s] = true
	}
	for _, s := range mergeSegments(e.db.DefaultSegments, e.index.DefaultSegments()) {
		if have[s] {
			continue
		}
		out.Segments = append(out.Segments, s)
		have[s] = true
		notes = append(notes, fmt.Sprintf("Added default segment %q", s))
	}

	// Default filters, keyed by member; client filters win.
	clientFiltered := map[string]bool{}
	for i := range out.Filters {
		clientFiltered[out.Filters[i].MemberName()] = true
	}
	for _, df := range mergeFilters(e.db.DefaultFilters, e.index.DefaultFilters()) {
		if clientFiltered[df.Member] {
			continue
		}
		out.Filters = append(out.Filters, cube.Filter{
			Member:   df.Member,
			Operator: df.Operator,
			Values:   df.Values,
		})
		clientFiltered[df.Member] = true
		notes = append(notes, fmt.Sprintf("Applied default filter on %q (%s)", df.Member, df.Operator))
	}

	return &out, notes
}

// MaxLimit exposes the configured ceiling for post-normalization checks.
func (e *Enforcer) MaxLimit() int {
	return e.db.MaxLimit
}

// referencedMembers collects every member name a query touches.
func referencedMembers(q *cube.Query) []string {
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
	return out
}

// groupByDimensions is the set of dimensions a measure is grouped by:
// plain dimensions plus time-dimension references.
func groupByDimensions(q *cube.Query) []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range q.Dimensions {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	for i := range q.TimeDimensions {
		d := q.TimeDimensions[i].Dimension
		if d != "" && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

func mergeSegments(configLevel, catalogLevel []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range append(append([]string{}, configLevel...), catalogLevel...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func mergeFilters(configLevel, catalogLevel []registry.CatalogFilter) []registry.CatalogFilter {
	seen := map[string]bool{}
	var out []registry.CatalogFilter
	for _, f := range append(append([]registry.CatalogFilter{}, configLevel...), catalogLevel...) {
		if f.Member == "" || seen[f.Member] {
			continue
		}
		seen[f.Member] = true
		out = append(out, f)
	}
	return out
}
