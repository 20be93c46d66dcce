package catalog

import (
	"sort"
	"strings"

	serrors "github.com/semgate/semgate/pkg/errors"
)

const (
	// DefaultSearchLimit is used when the caller omits a limit.
	DefaultSearchLimit = 10

	// MaxSearchLimit caps how many results one search can return.
	MaxSearchLimit = 50
)

// SearchParams are the inputs of a catalog search.
type SearchParams struct {
	Query         string
	Types         []MemberType
	Cubes         []string
	IncludeHidden bool
	Limit         int
}

// SearchResult is one ranked hit.
type SearchResult struct {
	Name        string     `json:"name"`
	Type        MemberType `json:"type"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Cube        string     `json:"cube"`
	Score       int        `json:"score"`
}

// Search runs the fuzzy scorer over the index. Members with public=false
// never match; members with isVisible=false match only when
// IncludeHidden is set.
func (i *Index) Search(params SearchParams) ([]SearchResult, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if !i.built {
		return nil, serrors.New(serrors.CodeCatalogNotInitialized, "catalog index has not been built")
	}

	limit := params.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}

	typeFilter := map[MemberType]bool{}
	for _, t := range params.Types {
		typeFilter[t] = true
	}
	cubeFilter := map[string]bool{}
	for _, c := range params.Cubes {
		cubeFilter[c] = true
	}

	query := strings.ToLower(strings.TrimSpace(params.Query))

	var results []SearchResult
	for _, m := range i.members {
		if !m.Public {
			continue
		}
		if !m.IsVisible && !params.IncludeHidden {
			continue
		}
		if len(typeFilter) > 0 && !typeFilter[m.Type] {
			continue
		}
		if len(cubeFilter) > 0 && !cubeFilter[m.CubeName] {
			continue
		}
		score := scoreMember(m, query)
		if score <= 0 {
			continue
		}
		results = append(results, SearchResult{
			Name:        m.Name,
			Type:        m.Type,
			Title:       m.Title,
			Description: m.Description,
			Cube:        m.CubeName,
			Score:       score,
		})
	}

	sort.Slice(results, func(a, b int) bool {
		if results[a].Score != results[b].Score {
			return results[a].Score > results[b].Score
		}
		return results[a].Name < results[b].Name
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Field weights: a hit on the name dominates a hit on descriptive text.
const (
	weightName        = 100
	weightTitle       = 85
	weightShortTitle  = 75
	weightDescription = 50
)

// scoreMember returns the best weighted match across the member's
// searchable fields. The query is expected lowercased.
func scoreMember(m *IndexedMember, query string) int {
	if query == "" {
		// An empty query lists everything at a flat score; filters and
		// the limit still apply.
		return 1
	}
	best := 0
	for _, field := range []struct {
		text   string
		weight int
	}{
		{strings.ToLower(m.Name), weightName},
		{strings.ToLower(m.Title), weightTitle},
		{strings.ToLower(m.ShortTitle), weightShortTitle},
		{strings.ToLower(m.Description), weightDescription},
	} {
		if field.text == "" {
			continue
		}
		if s := matchScore(field.text, query) * field.weight / 100; s > best {
			best = s
		}
	}
	return best
}

// matchScore prefers exact > prefix > token > substring > subsequence.
func matchScore(text, query string) int {
	switch {
	case text == query:
		return 100
	case strings.HasPrefix(text, query):
		return 90
	case tokenMatch(text, query):
		return 70
	case strings.Contains(text, query):
		return 50
	case isSubsequence(text, query):
		return 25
	default:
		return 0
	}
}

// tokenMatch reports whether any word of text starts with the query.
// Member names split on '.', '_' and spaces.
func tokenMatch(text, query string) bool {
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '_' || r == ' ' || r == '-'
	})
	for _, tok := range tokens {
		if strings.HasPrefix(tok, query) {
			return true
		}
	}
	return false
}

// isSubsequence reports whether query's characters appear in order
// within text.
func isSubsequence(text, query string) bool {
	if len(query) < 2 {
		return false
	}
	j := 0
	for i := 0; i < len(text) && j < len(query); i++ {
		if text[i] == query[j] {
			j++
		}
	}
	return j == len(query)
}
