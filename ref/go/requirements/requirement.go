package requirements

import (
	"go.climref.org/infra/go/skerr"
	"go.climref.org/infra/ref/go/catalog"
	"go.climref.org/infra/ref/go/types"
)

// DataRequirement declares one slice of the catalog a diagnostic needs:
// which source type, which rows, how they partition into groups and which
// post-grouping constraints apply, in order.
type DataRequirement struct {
	SourceType  types.SourceType
	Filters     []catalog.Filter
	GroupBy     []string
	Constraints []Constraint
}

// Candidate is one potential execution: the merged group key plus the input
// catalog entries per source type.
type Candidate struct {
	Key      types.GroupKey
	Datasets map[types.SourceType][]types.CatalogEntry
}

// InstanceIDs returns the distinct (source_type, instance_id, version)
// triples of the candidate's inputs, one per dataset.
func (c *Candidate) InstanceIDs() []types.CatalogEntry {
	seen := map[string]bool{}
	rv := []types.CatalogEntry{}
	for _, st := range types.AllSourceTypes() {
		for i := range c.Datasets[st] {
			e := &c.Datasets[st][i]
			key := string(e.SourceType) + "\x00" + e.InstanceID
			if !seen[key] {
				seen[key] = true
				rv = append(rv, *e)
			}
		}
	}
	return rv
}

// Resolve expands the requirements against the per-source-type catalog views
// into execution candidates. Each requirement is independently filtered,
// grouped and constrained; the Cartesian product across requirements forms
// the candidates, with each candidate's key the union of its groups' keys.
func Resolve(reqs []DataRequirement, catalogs map[types.SourceType][]types.CatalogEntry) ([]Candidate, error) {
	if len(reqs) == 0 {
		return nil, skerr.Fmt("a diagnostic must declare at least one data requirement")
	}
	perReq := make([][]resolvedGroup, 0, len(reqs))
	for _, req := range reqs {
		groups, err := resolveOne(req, catalogs[req.SourceType])
		if err != nil {
			return nil, skerr.Wrapf(err, "resolving %s requirement", req.SourceType)
		}
		if len(groups) == 0 {
			// One empty requirement empties the product.
			return []Candidate{}, nil
		}
		perReq = append(perReq, groups)
	}

	candidates := []Candidate{}
	indices := make([]int, len(perReq))
	for {
		c := Candidate{Key: types.GroupKey{}, Datasets: map[types.SourceType][]types.CatalogEntry{}}
		for reqIdx, groupIdx := range indices {
			g := perReq[reqIdx][groupIdx]
			c.Key = c.Key.Merge(g.group.Key)
			c.Datasets[g.sourceType] = append(c.Datasets[g.sourceType], g.group.Entries...)
		}
		candidates = append(candidates, c)

		// Advance the odometer.
		pos := len(indices) - 1
		for pos >= 0 {
			indices[pos]++
			if indices[pos] < len(perReq[pos]) {
				break
			}
			indices[pos] = 0
			pos--
		}
		if pos < 0 {
			break
		}
	}
	return candidates, nil
}

type resolvedGroup struct {
	sourceType types.SourceType
	group      catalog.Group
}

func resolveOne(req DataRequirement, entries []types.CatalogEntry) ([]resolvedGroup, error) {
	filtered := catalog.ApplyFilters(entries, req.Filters)
	var groups []catalog.Group
	if len(req.GroupBy) == 0 {
		if len(filtered) > 0 {
			groups = []catalog.Group{{Key: types.GroupKey{}, Entries: filtered}}
		}
	} else {
		groups = catalog.GroupBy(filtered, req.GroupBy)
	}
	rv := make([]resolvedGroup, 0, len(groups))
	for i := range groups {
		g := &groups[i]
		keep := true
		var err error
		for _, constraint := range req.Constraints {
			g, keep, err = constraint.apply(g, entries)
			if err != nil {
				return nil, skerr.Wrap(err)
			}
			if !keep {
				break
			}
		}
		if keep && len(g.Entries) > 0 {
			rv = append(rv, resolvedGroup{sourceType: req.SourceType, group: *g})
		}
	}
	return rv, nil
}
