package requirements

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.climref.org/infra/ref/go/catalog"
	"go.climref.org/infra/ref/go/types"
)

func ts(year int) *time.Time {
	t := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	return &t
}

func cmip6Entry(instanceID, variable, experiment, member string) types.CatalogEntry {
	return types.CatalogEntry{
		SourceType: types.CMIP6,
		InstanceID: instanceID,
		Version:    "v1",
		Path:       "/data/" + instanceID + ".nc",
		Facets: map[string]string{
			"source_id":     "ACCESS-ESM1-5",
			"variable_id":   variable,
			"experiment_id": experiment,
			"member_id":     member,
		},
	}
}

func TestResolve_MultiGroupExpansion(t *testing.T) {
	// Three unique ts combinations and one pr dataset which must not appear.
	catalogs := map[types.SourceType][]types.CatalogEntry{
		types.CMIP6: {
			cmip6Entry("ds1", "ts", "historical", "r1"),
			cmip6Entry("ds2", "ts", "ssp119", "r1"),
			cmip6Entry("ds3", "ts", "historical", "r2"),
			cmip6Entry("ds4", "pr", "historical", "r1"),
		},
	}
	reqs := []DataRequirement{{
		SourceType: types.CMIP6,
		Filters:    []catalog.Filter{catalog.NewFilter(map[string]string{"variable_id": "ts"})},
		GroupBy:    []string{"source_id", "experiment_id", "variable_id", "member_id"},
	}}
	candidates, err := Resolve(reqs, catalogs)
	require.NoError(t, err)
	require.Len(t, candidates, 3)
	for _, c := range candidates {
		v, ok := c.Key.Get("variable_id")
		require.True(t, ok)
		assert.Equal(t, "ts", v)
		assert.Len(t, c.Datasets[types.CMIP6], 1)
	}
}

func TestResolve_GroupKeyIsDeterministic(t *testing.T) {
	catalogs := map[types.SourceType][]types.CatalogEntry{
		types.CMIP6: {cmip6Entry("ds1", "tas", "historical", "r1i1p1f1")},
	}
	reqs := []DataRequirement{{
		SourceType: types.CMIP6,
		GroupBy:    []string{"source_id", "experiment_id", "variable_id", "member_id"},
	}}
	candidates, err := Resolve(reqs, catalogs)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t,
		"experiment_id=historical,member_id=r1i1p1f1,source_id=ACCESS-ESM1-5,variable_id=tas",
		candidates[0].Key.String())
}

func TestResolve_CartesianProductAcrossSourceTypes(t *testing.T) {
	obsEntry := types.CatalogEntry{
		SourceType: types.Obs4MIPs,
		InstanceID: "obs1",
		Version:    "v1",
		Path:       "/ref/obs1.nc",
		Facets:     map[string]string{"variable_id": "ts", "source_id": "AIRS-2-1"},
	}
	catalogs := map[types.SourceType][]types.CatalogEntry{
		types.CMIP6: {
			cmip6Entry("ds1", "ts", "historical", "r1"),
			cmip6Entry("ds2", "ts", "ssp119", "r1"),
		},
		types.Obs4MIPs: {obsEntry},
	}
	reqs := []DataRequirement{
		{
			SourceType: types.CMIP6,
			GroupBy:    []string{"experiment_id", "variable_id"},
		},
		{
			SourceType: types.Obs4MIPs,
			GroupBy:    []string{"source_id"},
		},
	}
	candidates, err := Resolve(reqs, catalogs)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	for _, c := range candidates {
		// Union of both requirements' group keys.
		_, ok := c.Key.Get("experiment_id")
		assert.True(t, ok)
		v, ok := c.Key.Get("source_id")
		require.True(t, ok)
		assert.Equal(t, "AIRS-2-1", v)
		assert.Len(t, c.Datasets[types.Obs4MIPs], 1)
	}
}

func TestResolve_EmptyRequirementEmptiesProduct(t *testing.T) {
	catalogs := map[types.SourceType][]types.CatalogEntry{
		types.CMIP6: {cmip6Entry("ds1", "ts", "historical", "r1")},
	}
	reqs := []DataRequirement{
		{SourceType: types.CMIP6, GroupBy: []string{"experiment_id"}},
		{SourceType: types.Obs4MIPs, GroupBy: []string{"source_id"}},
	}
	candidates, err := Resolve(reqs, catalogs)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestResolve_NoRequirements(t *testing.T) {
	_, err := Resolve(nil, nil)
	require.Error(t, err)
}

func TestRequireContiguousTimerange_DropsGappedGroup(t *testing.T) {
	e1 := cmip6Entry("ds1", "tas", "historical", "r1")
	e1.StartTime, e1.EndTime = ts(1850), ts(1900)
	e2 := cmip6Entry("ds1", "tas", "historical", "r1")
	e2.Path = "/data/ds1_2.nc"
	e2.StartTime, e2.EndTime = ts(1950), ts(2000)

	catalogs := map[types.SourceType][]types.CatalogEntry{types.CMIP6: {e1, e2}}
	reqs := []DataRequirement{{
		SourceType:  types.CMIP6,
		GroupBy:     []string{"variable_id"},
		Constraints: []Constraint{RequireContiguousTimerange([]string{"instance_id"})},
	}}
	candidates, err := Resolve(reqs, catalogs)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestRequireContiguousTimerange_KeepsAdjacentFiles(t *testing.T) {
	e1 := cmip6Entry("ds1", "tas", "historical", "r1")
	e1.StartTime, e1.EndTime = ts(1850), ts(1900)
	e2 := cmip6Entry("ds1", "tas", "historical", "r1")
	e2.Path = "/data/ds1_2.nc"
	e2.StartTime, e2.EndTime = ts(1900), ts(1950)

	catalogs := map[types.SourceType][]types.CatalogEntry{types.CMIP6: {e1, e2}}
	reqs := []DataRequirement{{
		SourceType:  types.CMIP6,
		GroupBy:     []string{"variable_id"},
		Constraints: []Constraint{RequireContiguousTimerange([]string{"instance_id"})},
	}}
	candidates, err := Resolve(reqs, catalogs)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Len(t, candidates[0].Datasets[types.CMIP6], 2)
}

func TestRequireOverlappingTimerange(t *testing.T) {
	model := cmip6Entry("ds1", "tas", "historical", "r1")
	model.StartTime, model.EndTime = ts(1850), ts(1900)
	obs := cmip6Entry("obs1", "tas", "historical", "r1")
	obs.Facets["source_id"] = "AIRS-2-1"

	// Overlapping case.
	obs.StartTime, obs.EndTime = ts(1880), ts(1950)
	catalogs := map[types.SourceType][]types.CatalogEntry{types.CMIP6: {model, obs}}
	reqs := []DataRequirement{{
		SourceType:  types.CMIP6,
		GroupBy:     []string{"variable_id"},
		Constraints: []Constraint{RequireOverlappingTimerange([]string{"source_id"})},
	}}
	candidates, err := Resolve(reqs, catalogs)
	require.NoError(t, err)
	assert.Len(t, candidates, 1)

	// Disjoint case.
	obs.StartTime, obs.EndTime = ts(1950), ts(2000)
	catalogs = map[types.SourceType][]types.CatalogEntry{types.CMIP6: {model, obs}}
	candidates, err = Resolve(reqs, catalogs)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestAddSupplementaryDataset(t *testing.T) {
	tas := cmip6Entry("ds1", "tas", "historical", "r1")
	tas.Facets["grid_label"] = "gn"
	area := cmip6Entry("area1", "areacella", "historical", "r1")
	area.Facets["grid_label"] = "gn"

	reqs := []DataRequirement{{
		SourceType:  types.CMIP6,
		Filters:     []catalog.Filter{catalog.NewFilter(map[string]string{"variable_id": "tas"})},
		GroupBy:     []string{"experiment_id", "variable_id"},
		Constraints: []Constraint{AddSupplementaryVariable("areacella")},
	}}

	// Supplementary present: attached to the group.
	catalogs := map[types.SourceType][]types.CatalogEntry{types.CMIP6: {tas, area}}
	candidates, err := Resolve(reqs, catalogs)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.Len(t, candidates[0].Datasets[types.CMIP6], 2)
	// The group key is unaffected by the supplementary dataset.
	assert.Equal(t, "experiment_id=historical,variable_id=tas", candidates[0].Key.String())

	// Supplementary missing: group dropped.
	catalogs = map[types.SourceType][]types.CatalogEntry{types.CMIP6: {tas}}
	candidates, err = Resolve(reqs, catalogs)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestAddSupplementaryDataset_PicksBestMatch(t *testing.T) {
	tas := cmip6Entry("ds1", "tas", "historical", "r1")
	tas.Facets["grid_label"] = "gn"

	exact := cmip6Entry("area-exact", "areacella", "historical", "r1")
	exact.Facets["grid_label"] = "gn"
	other := cmip6Entry("area-other", "areacella", "ssp119", "r2")
	other.Facets["grid_label"] = "gn"

	reqs := []DataRequirement{{
		SourceType:  types.CMIP6,
		Filters:     []catalog.Filter{catalog.NewFilter(map[string]string{"variable_id": "tas"})},
		GroupBy:     []string{"experiment_id", "variable_id"},
		Constraints: []Constraint{AddSupplementaryVariable("areacella")},
	}}
	catalogs := map[types.SourceType][]types.CatalogEntry{types.CMIP6: {tas, exact, other}}
	candidates, err := Resolve(reqs, catalogs)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	inputs := candidates[0].Datasets[types.CMIP6]
	require.Len(t, inputs, 2)
	ids := []string{inputs[0].InstanceID, inputs[1].InstanceID}
	assert.Contains(t, ids, "area-exact")
	assert.NotContains(t, ids, "area-other")
}

func TestSelectSupplementary_KeepsGroupWhenMissing(t *testing.T) {
	tas := cmip6Entry("ds1", "tas", "historical", "r1")
	reqs := []DataRequirement{{
		SourceType: types.CMIP6,
		GroupBy:    []string{"variable_id"},
		Constraints: []Constraint{SelectSupplementary(
			map[string][]string{"variable_id": {"areacella"}},
			[]string{"source_id"}, nil)},
	}}
	catalogs := map[types.SourceType][]types.CatalogEntry{types.CMIP6: {tas}}
	candidates, err := Resolve(reqs, catalogs)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Len(t, candidates[0].Datasets[types.CMIP6], 1)
}

func TestRequireFacets(t *testing.T) {
	catalogs := map[types.SourceType][]types.CatalogEntry{
		types.CMIP6: {
			cmip6Entry("ds1", "tas", "historical", "r1"),
			cmip6Entry("ds2", "pr", "historical", "r1"),
		},
	}
	all := []DataRequirement{{
		SourceType:  types.CMIP6,
		GroupBy:     []string{"experiment_id"},
		Constraints: []Constraint{RequireFacets("variable_id", []string{"tas", "pr"}, true)},
	}}
	candidates, err := Resolve(all, catalogs)
	require.NoError(t, err)
	assert.Len(t, candidates, 1)

	missing := []DataRequirement{{
		SourceType:  types.CMIP6,
		GroupBy:     []string{"experiment_id"},
		Constraints: []Constraint{RequireFacets("variable_id", []string{"tas", "huss"}, true)},
	}}
	candidates, err = Resolve(missing, catalogs)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	anyOf := []DataRequirement{{
		SourceType:  types.CMIP6,
		GroupBy:     []string{"experiment_id"},
		Constraints: []Constraint{RequireFacets("variable_id", []string{"tas", "huss"}, false)},
	}}
	candidates, err = Resolve(anyOf, catalogs)
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
}

func TestCandidate_InstanceIDs(t *testing.T) {
	c := Candidate{Datasets: map[types.SourceType][]types.CatalogEntry{
		types.CMIP6: {
			cmip6Entry("ds1", "tas", "historical", "r1"),
			cmip6Entry("ds1", "tas", "historical", "r1"), // second file, same dataset
			cmip6Entry("ds2", "pr", "historical", "r1"),
		},
	}}
	assert.Len(t, c.InstanceIDs(), 2)
}
