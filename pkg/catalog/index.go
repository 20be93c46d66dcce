// Package catalog owns the merged per-database view of queryable
// members: upstream cube-engine metadata fused with the tenant's
// governance overrides. The index is built lazily, rebuilt on refresh,
// and swapped atomically so readers never observe a partial build.
package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/semgate/semgate/pkg/cube"
	serrors "github.com/semgate/semgate/pkg/errors"
	"github.com/semgate/semgate/pkg/logger"
	"github.com/semgate/semgate/pkg/registry"
)

// MemberType classifies an indexed member.
type MemberType string

// Member types.
const (
	TypeMeasure       MemberType = "measure"
	TypeDimension     MemberType = "dimension"
	TypeSegment       MemberType = "segment"
	TypeTimeDimension MemberType = "timeDimension"
)

// IndexedMember is the fused view of one member. Derived, never persisted.
type IndexedMember struct {
	Name          string     `json:"name"`
	Type          MemberType `json:"type"`
	CubeName      string     `json:"cubeName"`
	Title         string     `json:"title"`
	ShortTitle    string     `json:"shortTitle"`
	Description   string     `json:"description,omitempty"`
	MemberType    string     `json:"memberType"`
	PrimaryKey    bool       `json:"primaryKey,omitempty"`
	AggType       string     `json:"aggType,omitempty"`
	DrillMembers  []string   `json:"drillMembers,omitempty"`
	Granularities []string   `json:"granularities,omitempty"`
	Format        string     `json:"format,omitempty"`
	IsVisible     bool       `json:"isVisible"`
	Public        bool       `json:"public"`

	// Governance attributes from the catalog config.
	Exposed               bool     `json:"exposed"`
	PII                   bool     `json:"pii"`
	AllowedGroupBy        []string `json:"allowedGroupBy,omitempty"`
	DeniedGroupBy         []string `json:"deniedGroupBy,omitempty"`
	RequiresTimeDimension bool     `json:"requiresTimeDimension,omitempty"`
}

// MetaFetcher is the slice of the cube client the index needs.
type MetaFetcher interface {
	Meta(ctx context.Context) (*cube.MetaResponse, error)
}

// ConfigSource is the slice of the registry store the index needs.
type ConfigSource interface {
	GetCatalogConfig(ctx context.Context, databaseID string) (*registry.CatalogConfig, error)
}

// Index is the per-database catalog.
type Index struct {
	meta   MetaFetcher
	source ConfigSource
	db     *registry.DatabaseConfig

	mu      sync.RWMutex
	built   bool
	members map[string]*IndexedMember
	byCube  map[string][]string
	cfg     *registry.CatalogConfig
}

// NewIndex creates an unbuilt index; the first use builds it.
func NewIndex(meta MetaFetcher, source ConfigSource, db *registry.DatabaseConfig) *Index {
	return &Index{meta: meta, source: source, db: db}
}

// Ensure builds the index once. An unreachable /meta degrades to an
// empty member list with a warning rather than failing the caller.
func (i *Index) Ensure(ctx context.Context) error {
	i.mu.RLock()
	built := i.built
	i.mu.RUnlock()
	if built {
		return nil
	}
	return i.Refresh(ctx)
}

// Refresh rebuilds the index from upstream metadata and the stored
// governance document, replacing the previous view atomically.
func (i *Index) Refresh(ctx context.Context) error {
	cfg, err := i.source.GetCatalogConfig(ctx, i.db.ID)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = registry.NewCatalogConfig()
	}

	members := map[string]*IndexedMember{}
	byCube := map[string][]string{}

	meta, err := i.meta.Meta(ctx)
	if err != nil {
		// Degraded mode: serve an empty catalog rather than blocking
		// every tool call behind a down engine.
		logger.Warnw("cube engine meta unavailable, serving empty catalog",
			"database_id", i.db.ID, "error", err)
		err = serrors.Wrap(serrors.CodeUpstreamMetaUnavailable, "cube engine meta unavailable", err)
		meta = &cube.MetaResponse{}
	} else {
		err = nil
	}

	for _, mc := range meta.Cubes {
		for _, mm := range mc.Measures {
			add(members, byCube, fuse(mc.Name, mm, TypeMeasure, cfg))
		}
		for _, mm := range mc.Dimensions {
			t := TypeDimension
			if mm.Type == "time" {
				t = TypeTimeDimension
			}
			add(members, byCube, fuse(mc.Name, mm, t, cfg))
		}
		for _, mm := range mc.Segments {
			add(members, byCube, fuse(mc.Name, mm, TypeSegment, cfg))
		}
	}

	i.mu.Lock()
	i.built = true
	i.members = members
	i.byCube = byCube
	i.cfg = cfg
	i.mu.Unlock()

	return err
}

func add(members map[string]*IndexedMember, byCube map[string][]string, m *IndexedMember) {
	members[m.Name] = m
	byCube[m.CubeName] = append(byCube[m.CubeName], m.Name)
}

// fuse applies governance attributes: per-member override, then
// document defaults, then the hard defaults exposed=true, pii=false.
func fuse(cubeName string, mm cube.MetaMember, t MemberType, cfg *registry.CatalogConfig) *IndexedMember {
	m := &IndexedMember{
		Name:         mm.Name,
		Type:         t,
		CubeName:     cubeName,
		Title:        mm.Title,
		ShortTitle:   mm.ShortTitle,
		Description:  mm.Description,
		MemberType:   mm.Type,
		PrimaryKey:   mm.PrimaryKey,
		AggType:      mm.AggType,
		DrillMembers: mm.DrillMembers,
		Format:       mm.Format,
		IsVisible:    mm.IsVisible,
		Public:       mm.Public,
		Exposed:      true,
		PII:          false,
	}
	for _, g := range mm.Granularities {
		m.Granularities = append(m.Granularities, g.Name)
	}

	if cfg.Defaults.Exposed != nil {
		m.Exposed = *cfg.Defaults.Exposed
	}
	if cfg.Defaults.PII != nil {
		m.PII = *cfg.Defaults.PII
	}

	if ov, ok := cfg.Members[mm.Name]; ok {
		if ov.Exposed != nil {
			m.Exposed = *ov.Exposed
		}
		if ov.PII != nil {
			m.PII = *ov.PII
		}
		if ov.Description != "" {
			m.Description = ov.Description
		}
		m.AllowedGroupBy = ov.AllowedGroupBy
		m.DeniedGroupBy = ov.DeniedGroupBy
		if ov.RequiresTimeDimension != nil {
			m.RequiresTimeDimension = *ov.RequiresTimeDimension
		}
	}
	return m
}

// GetMember returns one member by fully qualified name.
func (i *Index) GetMember(name string) (*IndexedMember, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if !i.built {
		return nil, serrors.New(serrors.CodeCatalogNotInitialized, "catalog index has not been built")
	}
	m, ok := i.members[name]
	if !ok {
		return nil, serrors.Newf(serrors.CodeUnknownMember, "unknown member %q", name).
			WithDetails(map[string]any{"suggestions": i.suggestionsLocked(name, 5)})
	}
	return m, nil
}

func (i *Index) suggestionsLocked(name string, n int) []string {
	type scored struct {
		name  string
		score int
	}
	var candidates []scored
	for _, m := range i.members {
		if s := scoreMember(m, strings.ToLower(name)); s > 0 {
			candidates = append(candidates, scored{m.Name, s})
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].score != candidates[b].score {
			return candidates[a].score > candidates[b].score
		}
		return candidates[a].name < candidates[b].name
	})
	out := make([]string, 0, n)
	for _, c := range candidates {
		if len(out) == n {
			break
		}
		out = append(out, c.name)
	}
	return out
}

// RelatedMember is one entry of a describe response.
type RelatedMember struct {
	Name         string `json:"name"`
	Relationship string `json:"relationship"`
}

// DescribeResult is the full record of one member plus its relations.
type DescribeResult struct {
	Member         *IndexedMember  `json:"member"`
	RelatedMembers []RelatedMember `json:"relatedMembers"`
}

// Describe returns the member and its related members: siblings of the
// same cube, and for measures the engine-declared drill members.
func (i *Index) Describe(name string) (*DescribeResult, error) {
	m, err := i.GetMember(name)
	if err != nil {
		return nil, err
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	var related []RelatedMember
	for _, sibling := range i.byCube[m.CubeName] {
		if sibling == m.Name {
			continue
		}
		related = append(related, RelatedMember{Name: sibling, Relationship: "same_cube"})
	}
	if m.Type == TypeMeasure {
		for _, dm := range m.DrillMembers {
			related = append(related, RelatedMember{Name: dm, Relationship: "drill_member"})
		}
	}
	sort.Slice(related, func(a, b int) bool {
		if related[a].Relationship != related[b].Relationship {
			return related[a].Relationship < related[b].Relationship
		}
		return related[a].Name < related[b].Name
	})

	return &DescribeResult{Member: m, RelatedMembers: related}, nil
}

// DefaultSegments come from the catalog config, falling back to the
// database's config-level defaults.
func (i *Index) DefaultSegments() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.cfg != nil && len(i.cfg.DefaultSegments) > 0 {
		return i.cfg.DefaultSegments
	}
	return i.db.DefaultSegments
}

// DefaultFilters come from the catalog config, falling back to the
// database's config-level defaults.
func (i *Index) DefaultFilters() []registry.CatalogFilter {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.cfg != nil && len(i.cfg.DefaultFilters) > 0 {
		return i.cfg.DefaultFilters
	}
	return i.db.DefaultFilters
}
