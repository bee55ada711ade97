package types

import (
	"sort"
	"strings"

	"go.climref.org/infra/go/skerr"
)

// FacetValue is one (facet, value) pair of a group key.
type FacetValue struct {
	Facet string `json:"facet"`
	Value string `json:"value"`
}

// GroupKey is the stable identity of an execution group: the ordered
// (facet, value) pairs selected by the group-by of the diagnostic's data
// requirements. Keys are kept sorted by facet name with value as the
// tie-break so that the same selection always produces byte-identical keys,
// regardless of dataset insertion order.
type GroupKey []FacetValue

// NewGroupKey builds a sorted, deduplicated GroupKey from the given pairs.
func NewGroupKey(pairs ...FacetValue) GroupKey {
	seen := make(map[FacetValue]bool, len(pairs))
	rv := make(GroupKey, 0, len(pairs))
	for _, p := range pairs {
		if !seen[p] {
			seen[p] = true
			rv = append(rv, p)
		}
	}
	sort.Slice(rv, func(i, j int) bool {
		if rv[i].Facet != rv[j].Facet {
			return rv[i].Facet < rv[j].Facet
		}
		return rv[i].Value < rv[j].Value
	})
	return rv
}

// Merge returns the union of two group keys, sorted and deduplicated.
func (k GroupKey) Merge(other GroupKey) GroupKey {
	return NewGroupKey(append(append(GroupKey{}, k...), other...)...)
}

// String returns the canonical form, "facet=value" pairs joined by commas.
// This string is what the store indexes on.
func (k GroupKey) String() string {
	parts := make([]string, 0, len(k))
	for _, p := range k {
		parts = append(parts, p.Facet+"="+p.Value)
	}
	return strings.Join(parts, ",")
}

// Get returns the value for the given facet, if present.
func (k GroupKey) Get(facet string) (string, bool) {
	for _, p := range k {
		if p.Facet == facet {
			return p.Value, true
		}
	}
	return "", false
}

// ParseGroupKey parses the canonical string form produced by String.
func ParseGroupKey(s string) (GroupKey, error) {
	if s == "" {
		return GroupKey{}, nil
	}
	parts := strings.Split(s, ",")
	pairs := make([]FacetValue, 0, len(parts))
	for _, part := range parts {
		idx := strings.IndexByte(part, '=')
		if idx < 1 {
			return nil, skerr.Fmt("invalid group key segment %q", part)
		}
		pairs = append(pairs, FacetValue{Facet: part[:idx], Value: part[idx+1:]})
	}
	return NewGroupKey(pairs...), nil
}
