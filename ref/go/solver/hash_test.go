package solver

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"go.climref.org/infra/ref/go/types"
)

func entry(st types.SourceType, instanceID, version string) types.CatalogEntry {
	return types.CatalogEntry{SourceType: st, InstanceID: instanceID, Version: version}
}

func TestDatasetHash_OrderIndependent(t *testing.T) {
	a := entry(types.CMIP6, "CMIP6.CMIP.CSIRO.ACCESS-ESM1-5.historical.r1i1p1f1.Amon.tas.gn", "v20210316")
	b := entry(types.Obs4MIPs, "obs4MIPs.NASA-JPL.AIRS-2-1.mon.ta.2x2.gn", "v20201110")

	h1 := DatasetHash([]types.CatalogEntry{a, b})
	h2 := DatasetHash([]types.CatalogEntry{b, a})
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestDatasetHash_DedupesFilesOfOneDataset(t *testing.T) {
	// Multiple catalog rows (files) of one dataset hash identically to one.
	a := entry(types.CMIP6, "ds1", "v1")
	h1 := DatasetHash([]types.CatalogEntry{a})
	h2 := DatasetHash([]types.CatalogEntry{a, a, a})
	assert.Equal(t, h1, h2)
}

func TestDatasetHash_VersionSensitive(t *testing.T) {
	h1 := DatasetHash([]types.CatalogEntry{entry(types.CMIP6, "ds1", "v20200101")})
	h2 := DatasetHash([]types.CatalogEntry{entry(types.CMIP6, "ds1", "v20210101")})
	assert.NotEqual(t, h1, h2)
}

func TestDatasetHash_SourceTypeSensitive(t *testing.T) {
	h1 := DatasetHash([]types.CatalogEntry{entry(types.CMIP6, "ds1", "v1")})
	h2 := DatasetHash([]types.CatalogEntry{entry(types.Obs4MIPs, "ds1", "v1")})
	assert.NotEqual(t, h1, h2)
}

func TestDatasetHash_Empty(t *testing.T) {
	// Stable digest of the empty input set.
	assert.Equal(t, DatasetHash(nil), DatasetHash([]types.CatalogEntry{}))
}
