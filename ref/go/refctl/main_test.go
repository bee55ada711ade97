package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.climref.org/infra/ref/go/db"
	"go.climref.org/infra/ref/go/types"
)

// seedPendingExecution puts one pending execution with recorded inputs into
// the store, then retracts its dataset so a later solve pass enqueues
// nothing new.
func seedPendingExecution(t *testing.T, store db.Store) *types.Execution {
	ctx := context.Background()
	dsID, _, err := store.UpsertDataset(ctx, types.Dataset{
		SourceType: types.CMIP6,
		InstanceID: "ds1",
		Version:    "v1",
		Facets: map[string]string{
			"source_id":     "ACCESS-ESM1-5",
			"experiment_id": "historical",
			"variable_id":   "tas",
		},
	}, []types.File{{Path: "/data/ds1.nc", VariableID: "tas"}})
	require.NoError(t, err)

	diagID, err := store.RegisterDiagnostic(ctx, types.DiagnosticMeta{
		ProviderSlug: "example",
		Slug:         "global-mean-timeseries",
		Facets:       []string{"source_id", "region", "statistic"},
	})
	require.NoError(t, err)

	group, _, err := store.GetOrCreateExecutionGroup(ctx, diagID, types.NewGroupKey(
		types.FacetValue{Facet: "source_id", Value: "ACCESS-ESM1-5"},
	))
	require.NoError(t, err)

	execution, created, err := store.CreateExecution(ctx, group.ID, "leftover-hash",
		"example/global-mean-timeseries/ds1/leftover-hash", []int64{dsID})
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, store.RetractDataset(ctx, types.CMIP6, "ds1"))
	return execution
}

func TestSolveExecute_RunsLeftoverPending(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	t.Setenv("REF_CONFIG_DIR", dir)

	store, err := db.New(ctx, filepath.Join(dir, "ref.db"), db.Options{})
	require.NoError(t, err)
	execution := seedPendingExecution(t, store)
	require.NoError(t, store.Close())

	// The solve pass finds nothing new, but the leftover pending execution
	// still runs.
	root := newRootCmd(&app{})
	root.SetArgs([]string{"solve", "--execute"})
	require.NoError(t, root.Execute())

	store, err = db.New(ctx, filepath.Join(dir, "ref.db"), db.Options{})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, store.Close())
	}()
	got, err := store.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSucceeded, got.Status)
}
