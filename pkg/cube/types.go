// Package cube implements the HTTP client for the downstream cube
// engine: metadata fetch, query load, SQL compilation and the short-lived
// token minting all requests are authenticated with.
package cube

import "encoding/json"

// Query is the logical member-level query sent to the cube engine.
type Query struct {
	Measures       []string         `json:"measures,omitempty"`
	Dimensions     []string         `json:"dimensions,omitempty"`
	TimeDimensions []TimeDimension  `json:"timeDimensions,omitempty"`
	Filters        []Filter         `json:"filters,omitempty"`
	Segments       []string         `json:"segments,omitempty"`
	Order          json.RawMessage  `json:"order,omitempty"`
	Limit          *int             `json:"limit,omitempty"`
	Offset         *int             `json:"offset,omitempty"`
}

// TimeDimension is a time-bucketed dimension reference.
type TimeDimension struct {
	Dimension   string          `json:"dimension"`
	Granularity string          `json:"granularity,omitempty"`
	DateRange   json.RawMessage `json:"dateRange,omitempty"`
}

// Filter is a member-level filter. Dimension is the legacy alias for
// Member still produced by older clients.
type Filter struct {
	Member    string   `json:"member,omitempty"`
	Dimension string   `json:"dimension,omitempty"`
	Operator  string   `json:"operator"`
	Values    []string `json:"values,omitempty"`
}

// MemberName returns the referenced member, honoring the legacy alias.
func (f *Filter) MemberName() string {
	if f.Member != "" {
		return f.Member
	}
	return f.Dimension
}

// MetaResponse is the cube engine's /meta payload.
type MetaResponse struct {
	Cubes []MetaCube `json:"cubes"`
}

// MetaCube is one cube's metadata.
type MetaCube struct {
	Name        string       `json:"name"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Measures    []MetaMember `json:"measures"`
	Dimensions  []MetaMember `json:"dimensions"`
	Segments    []MetaMember `json:"segments"`
}

// MetaMember is one measure/dimension/segment as the engine reports it.
type MetaMember struct {
	Name          string            `json:"name"`
	Title         string            `json:"title"`
	ShortTitle    string            `json:"shortTitle"`
	Description   string            `json:"description,omitempty"`
	Type          string            `json:"type"`
	AggType       string            `json:"aggType,omitempty"`
	DrillMembers  []string          `json:"drillMembers,omitempty"`
	Granularities []MetaGranularity `json:"granularities,omitempty"`
	Format        string            `json:"format,omitempty"`
	PrimaryKey    bool              `json:"primaryKey,omitempty"`
	Public        bool              `json:"public"`
	IsVisible     bool              `json:"isVisible"`
}

// MetaGranularity is a named time granularity.
type MetaGranularity struct {
	Name  string `json:"name"`
	Title string `json:"title,omitempty"`
}

// LoadResponse is the cube engine's /load payload.
type LoadResponse struct {
	Query      json.RawMessage  `json:"query,omitempty"`
	Data       []map[string]any `json:"data"`
	Annotation *Annotation      `json:"annotation,omitempty"`
}

// Annotation describes the result columns of a load.
type Annotation struct {
	Measures       map[string]AnnotationMember `json:"measures,omitempty"`
	Dimensions     map[string]AnnotationMember `json:"dimensions,omitempty"`
	Segments       map[string]AnnotationMember `json:"segments,omitempty"`
	TimeDimensions map[string]AnnotationMember `json:"timeDimensions,omitempty"`
}

// AnnotationMember is one annotated column.
type AnnotationMember struct {
	Title      string `json:"title,omitempty"`
	ShortTitle string `json:"shortTitle,omitempty"`
	Type       string `json:"type,omitempty"`
}

// SQLResponse is the cube engine's /sql payload.
type SQLResponse struct {
	SQL struct {
		// SQL is a two-element array: [statement, params].
		SQL []json.RawMessage `json:"sql"`
	} `json:"sql"`
}

// Statement extracts the compiled SQL text, or "" when absent.
func (r *SQLResponse) Statement() string {
	if len(r.SQL.SQL) == 0 {
		return ""
	}
	var stmt string
	if err := json.Unmarshal(r.SQL.SQL[0], &stmt); err != nil {
		return ""
	}
	return stmt
}
