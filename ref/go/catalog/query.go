package catalog

import (
	"sort"
	"strings"

	"go.climref.org/infra/ref/go/types"
)

// Filter selects or excludes catalog rows by facet values. A value list
// matches if the row's facet equals any of the values.
type Filter struct {
	// Facets maps a facet name to the accepted values.
	Facets map[string][]string
	// Keep selects matching rows when true. When false the filter excludes a
	// row only if every facet in the filter matches.
	Keep bool
}

// NewFilter returns a keep-filter over single-valued facets, the common case.
func NewFilter(facets map[string]string) Filter {
	f := Filter{Facets: map[string][]string{}, Keep: true}
	for name, value := range facets {
		f.Facets[name] = []string{value}
	}
	return f
}

// Matches reports whether every facet of the filter matches the entry.
// Entries missing a facet never match.
func (f Filter) Matches(e *types.CatalogEntry) bool {
	for name, accepted := range f.Facets {
		v, ok := e.Facet(name)
		if !ok {
			return false
		}
		found := false
		for _, want := range accepted {
			if v == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ApplyFilters returns the entries satisfying the conjunction of all keep
// filters and excluded by no negative filter.
func ApplyFilters(entries []types.CatalogEntry, filters []Filter) []types.CatalogEntry {
	rv := make([]types.CatalogEntry, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		keep := true
		for _, f := range filters {
			if f.Keep && !f.Matches(e) {
				keep = false
				break
			}
			if !f.Keep && f.Matches(e) {
				keep = false
				break
			}
		}
		if keep {
			rv = append(rv, *e)
		}
	}
	return rv
}

// GroupBy partitions entries by their values on the given facets, in
// deterministic group-key order. Entries missing any group-by facet are
// dropped.
func GroupBy(entries []types.CatalogEntry, facets []string) []Group {
	byKey := map[string]*Group{}
	for i := range entries {
		e := &entries[i]
		pairs := make([]types.FacetValue, 0, len(facets))
		complete := true
		for _, name := range facets {
			v, ok := e.Facet(name)
			if !ok {
				complete = false
				break
			}
			pairs = append(pairs, types.FacetValue{Facet: name, Value: v})
		}
		if !complete {
			continue
		}
		key := types.NewGroupKey(pairs...)
		ks := key.String()
		g, ok := byKey[ks]
		if !ok {
			g = &Group{Key: key}
			byKey[ks] = g
		}
		g.Entries = append(g.Entries, *e)
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rv := make([]Group, 0, len(keys))
	for _, k := range keys {
		rv = append(rv, *byKey[k])
	}
	return rv
}

// Group is one partition of catalog entries sharing the same values on the
// group-by facets.
type Group struct {
	Key     types.GroupKey
	Entries []types.CatalogEntry
}

// InstanceIDs returns the distinct dataset instance ids in the group, sorted.
func (g *Group) InstanceIDs() []string {
	seen := map[string]bool{}
	rv := []string{}
	for i := range g.Entries {
		id := g.Entries[i].InstanceID
		if !seen[id] {
			seen[id] = true
			rv = append(rv, id)
		}
	}
	sort.Strings(rv)
	return rv
}

// Project returns the deduplicated projection of entries onto the given
// columns, each row rendered as the column values in order. Used by dataset
// listings.
func Project(entries []types.CatalogEntry, columns []string, limit int) [][]string {
	seen := map[string]bool{}
	rv := [][]string{}
	for i := range entries {
		e := &entries[i]
		row := make([]string, 0, len(columns))
		for _, col := range columns {
			v, _ := e.Facet(col)
			row = append(row, v)
		}
		key := strings.Join(row, "\x00")
		if seen[key] {
			continue
		}
		seen[key] = true
		rv = append(rv, row)
		if limit > 0 && len(rv) >= limit {
			break
		}
	}
	return rv
}
