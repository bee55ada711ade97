package example

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.climref.org/infra/ref/go/provider"
	"go.climref.org/infra/ref/go/types"
)

func TestGlobalMean_ExecuteAndCollect(t *testing.T) {
	p := New()
	assert.Equal(t, "example", p.Slug())
	require.Len(t, p.Diagnostics(), 1)
	d := p.Diagnostics()[0]

	definition := &provider.ExecutionDefinition{
		Key: types.NewGroupKey(
			types.FacetValue{Facet: "source_id", Value: "ACCESS-ESM1-5"},
			types.FacetValue{Facet: "experiment_id", Value: "historical"},
		),
		Datasets: map[types.SourceType][]types.CatalogEntry{
			types.CMIP6: {{InstanceID: "ds1", Path: "/data/tas.nc", SourceType: types.CMIP6}},
		},
		OutputDirectory:  t.TempDir(),
		ScratchDirectory: t.TempDir(),
	}
	require.NoError(t, d.Execute(context.Background(), definition))

	result, err := d.BuildExecutionResult(definition)
	require.NoError(t, err)
	require.NotNil(t, result.OutputBundle)
	require.NotNil(t, result.MetricBundle)

	require.NoError(t, result.MetricBundle.Validate(d.Facets()))
	values := result.MetricBundle.ScalarValues()
	require.Len(t, values, 1)
	assert.Equal(t, "ACCESS-ESM1-5", values[0].Facets["source_id"])
	assert.Equal(t, 1.0, values[0].Value)

	outputs := result.OutputBundle.Outputs()
	require.Len(t, outputs, 2)
}
