// Package requirements declares the data requirements of a diagnostic and
// resolves them against the catalog into concrete execution candidates.
package requirements

import (
	"sort"
	"time"

	"go.climref.org/infra/go/skerr"
	"go.climref.org/infra/go/sklog"
	"go.climref.org/infra/go/util"
	"go.climref.org/infra/ref/go/catalog"
	"go.climref.org/infra/ref/go/types"
)

// maxContiguousGap is the largest allowed gap between consecutive files of a
// contiguous series: the longest month, plus an hour of slack for rounding.
const maxContiguousGap = 31*24*time.Hour + time.Hour

type constraintKind int

const (
	kindAddSupplementary constraintKind = iota
	kindSelectSupplementary
	kindRequireContiguousTimerange
	kindRequireOverlappingTimerange
	kindRequireFacets
)

// Constraint is a post-grouping rule. Each kind is built by its constructor
// and dispatched by exhaustive switching; there is no open-ended interface.
type Constraint struct {
	kind constraintKind

	// Supplementary kinds.
	supplementaryFacets    map[string][]string
	matchingFacets         []string
	optionalMatchingFacets []string

	// Time range and facet kinds.
	groupBy []string

	// RequireFacets.
	dimension      string
	requiredValues []string
	requireAll     bool
}

// AddSupplementaryDataset attaches the single best-matching dataset described
// by supplementaryFacets, eg. the areacella cell measure for the group's
// source_id, to each group. Groups with no match are dropped.
func AddSupplementaryDataset(supplementaryFacets map[string][]string, matchingFacets, optionalMatchingFacets []string) Constraint {
	return Constraint{
		kind:                   kindAddSupplementary,
		supplementaryFacets:    supplementaryFacets,
		matchingFacets:         matchingFacets,
		optionalMatchingFacets: optionalMatchingFacets,
	}
}

// AddSupplementaryVariable is AddSupplementaryDataset with the default CMIP6
// matching facets for a cell measure or ancillary variable.
func AddSupplementaryVariable(variableID string) Constraint {
	return AddSupplementaryDataset(
		map[string][]string{"variable_id": {variableID}},
		[]string{"source_id", "grid_label"},
		[]string{"table_id", "experiment_id", "member_id", "version"},
	)
}

// SelectSupplementary is like AddSupplementaryDataset but optional: groups
// without a match are kept unchanged.
func SelectSupplementary(supplementaryFacets map[string][]string, matchingFacets, optionalMatchingFacets []string) Constraint {
	c := AddSupplementaryDataset(supplementaryFacets, matchingFacets, optionalMatchingFacets)
	c.kind = kindSelectSupplementary
	return c
}

// RequireContiguousTimerange drops groups whose files, sub-grouped by the
// given facets, leave a gap of more than a month between consecutive files.
func RequireContiguousTimerange(groupBy []string) Constraint {
	return Constraint{kind: kindRequireContiguousTimerange, groupBy: groupBy}
}

// RequireOverlappingTimerange drops groups whose sub-groups on the given
// facets have no common time interval.
func RequireOverlappingTimerange(groupBy []string) Constraint {
	return Constraint{kind: kindRequireOverlappingTimerange, groupBy: groupBy}
}

// RequireFacets drops groups which do not contain the required values of the
// given facet. With requireAll false, one matching value suffices.
func RequireFacets(dimension string, requiredValues []string, requireAll bool) Constraint {
	return Constraint{
		kind:           kindRequireFacets,
		dimension:      dimension,
		requiredValues: requiredValues,
		requireAll:     requireAll,
	}
}

// apply runs the constraint over one group against the full catalog view.
// It returns the possibly-augmented group and whether to keep it.
func (c Constraint) apply(group *catalog.Group, fullCatalog []types.CatalogEntry) (*catalog.Group, bool, error) {
	switch c.kind {
	case kindAddSupplementary:
		return c.applySupplementary(group, fullCatalog, true)
	case kindSelectSupplementary:
		return c.applySupplementary(group, fullCatalog, false)
	case kindRequireContiguousTimerange:
		return c.applyContiguous(group)
	case kindRequireOverlappingTimerange:
		return c.applyOverlapping(group)
	case kindRequireFacets:
		return c.applyRequireFacets(group)
	}
	return nil, false, skerr.Fmt("unknown constraint kind %d", c.kind)
}

// applySupplementary finds, per distinct matching-facet tuple in the group,
// the best matching catalog entry for the supplementary facets, scored by
// how many optional facets also match, latest version winning ties.
func (c Constraint) applySupplementary(group *catalog.Group, fullCatalog []types.CatalogEntry, required bool) (*catalog.Group, bool, error) {
	// Candidate pool: entries matching the supplementary facets and carrying
	// any of the group's values on the matching facets.
	accepted := map[string][]string{}
	for facet, values := range c.supplementaryFacets {
		accepted[facet] = append([]string{}, values...)
	}
	for _, facet := range c.matchingFacets {
		for i := range group.Entries {
			if v, ok := group.Entries[i].Facet(facet); ok && !util.In(v, accepted[facet]) {
				accepted[facet] = append(accepted[facet], v)
			}
		}
	}
	pool := catalog.ApplyFilters(fullCatalog, []catalog.Filter{{Facets: accepted, Keep: true}})

	// One supplementary per distinct matching-facet tuple in the group.
	type pick struct {
		entry *types.CatalogEntry
		score int
	}
	scoringFacets := append(append([]string{}, c.matchingFacets...), c.optionalMatchingFacets...)
	picks := map[string]*pick{}
	for i := range group.Entries {
		e := &group.Entries[i]
		for j := range pool {
			s := &pool[j]
			if s.Path == e.Path {
				continue
			}
			match := true
			for _, facet := range c.matchingFacets {
				ev, _ := e.Facet(facet)
				sv, _ := s.Facet(facet)
				if ev != sv {
					match = false
					break
				}
			}
			if !match {
				continue
			}
			score := 0
			for _, facet := range scoringFacets {
				ev, _ := e.Facet(facet)
				sv, _ := s.Facet(facet)
				if ev == sv && ev != "" {
					score++
				}
			}
			tupleKey := facetTuple(e, c.matchingFacets)
			cur, ok := picks[tupleKey]
			if !ok || score > cur.score ||
				(score == cur.score && s.Version > cur.entry.Version) ||
				(score == cur.score && s.Version == cur.entry.Version && s.InstanceID < cur.entry.InstanceID) {
				picks[tupleKey] = &pick{entry: s, score: score}
			}
		}
	}
	if len(picks) == 0 {
		if required {
			sklog.Infof("Dropping group %s: no supplementary dataset matches %v", group.Key, c.supplementaryFacets)
			return nil, false, nil
		}
		return group, true, nil
	}
	rv := &catalog.Group{Key: group.Key, Entries: append([]types.CatalogEntry{}, group.Entries...)}
	added := map[string]bool{}
	supplements := []types.CatalogEntry{}
	for _, p := range picks {
		if !added[p.entry.Path] {
			added[p.entry.Path] = true
			supplements = append(supplements, *p.entry)
		}
	}
	sort.Slice(supplements, func(i, j int) bool { return supplements[i].Path < supplements[j].Path })
	rv.Entries = append(rv.Entries, supplements...)
	return rv, true, nil
}

func facetTuple(e *types.CatalogEntry, facets []string) string {
	key := ""
	for _, f := range facets {
		v, _ := e.Facet(f)
		key += f + "=" + v + ";"
	}
	return key
}

// applyContiguous checks that within each sub-group the union of file time
// ranges covers the min-to-max span with no gap larger than a month.
func (c Constraint) applyContiguous(group *catalog.Group) (*catalog.Group, bool, error) {
	for _, sub := range subGroups(group, c.groupBy) {
		timed := withTime(sub.Entries)
		if len(timed) < 2 {
			continue
		}
		sortByStart(timed)
		for i := 1; i < len(timed); i++ {
			gap := timed[i].StartTime.Sub(*timed[i-1].EndTime)
			if gap > maxContiguousGap {
				sklog.Infof("Dropping group %s: gap of %s between %s and %s (instance %s)",
					group.Key, gap, timed[i-1].Path, timed[i].Path, timed[i].InstanceID)
				return nil, false, nil
			}
		}
	}
	return group, true, nil
}

// applyOverlapping checks that the sub-groups' spans share a non-empty
// intersection.
func (c Constraint) applyOverlapping(group *catalog.Group) (*catalog.Group, bool, error) {
	timed := withTime(group.Entries)
	if len(timed) < 2 {
		return group, true, nil
	}
	var maxStart, minEnd *time.Time
	for _, sub := range subGroups(group, c.groupBy) {
		subTimed := withTime(sub.Entries)
		if len(subTimed) == 0 {
			continue
		}
		start := *subTimed[0].StartTime
		end := *subTimed[0].EndTime
		for _, e := range subTimed[1:] {
			if e.StartTime.Before(start) {
				start = *e.StartTime
			}
			if e.EndTime.After(end) {
				end = *e.EndTime
			}
		}
		if maxStart == nil || start.After(*maxStart) {
			s := start
			maxStart = &s
		}
		if minEnd == nil || end.Before(*minEnd) {
			e := end
			minEnd = &e
		}
	}
	if maxStart != nil && minEnd != nil && !maxStart.Before(*minEnd) {
		sklog.Infof("Dropping group %s: no overlapping time range across %v", group.Key, c.groupBy)
		return nil, false, nil
	}
	return group, true, nil
}

func (c Constraint) applyRequireFacets(group *catalog.Group) (*catalog.Group, bool, error) {
	for _, sub := range subGroups(group, c.groupBy) {
		present := map[string]bool{}
		for i := range sub.Entries {
			if v, ok := sub.Entries[i].Facet(c.dimension); ok {
				present[v] = true
			}
		}
		found := 0
		for _, want := range c.requiredValues {
			if present[want] {
				found++
			}
		}
		ok := found == len(c.requiredValues)
		if !c.requireAll {
			ok = found > 0
		}
		if !ok {
			sklog.Infof("Dropping group %s: missing required %s values %v", group.Key, c.dimension, c.requiredValues)
			return nil, false, nil
		}
	}
	return group, true, nil
}

// subGroups partitions a group by the given facets; with no facets the whole
// group is one partition.
func subGroups(group *catalog.Group, groupBy []string) []catalog.Group {
	if len(groupBy) == 0 {
		return []catalog.Group{*group}
	}
	return catalog.GroupBy(group.Entries, groupBy)
}

// withTime returns the entries carrying both a start and end time.
func withTime(entries []types.CatalogEntry) []types.CatalogEntry {
	rv := make([]types.CatalogEntry, 0, len(entries))
	for i := range entries {
		if entries[i].StartTime != nil && entries[i].EndTime != nil {
			rv = append(rv, entries[i])
		}
	}
	return rv
}

func sortByStart(entries []types.CatalogEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].StartTime.Before(*entries[j].StartTime)
	})
}
