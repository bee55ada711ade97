package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.climref.org/infra/go/skerr"
	"go.climref.org/infra/ref/go/types"
)

// fakeWriter records upserts and reports created=true for unseen
// (instance_id, version) pairs.
type fakeWriter struct {
	upserts []types.Dataset
	files   map[string][]types.File
	seen    map[string]bool
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{files: map[string][]types.File{}, seen: map[string]bool{}}
}

func (w *fakeWriter) UpsertDataset(_ context.Context, dataset types.Dataset, files []types.File) (int64, bool, error) {
	w.upserts = append(w.upserts, dataset)
	w.files[dataset.InstanceID] = files
	key := dataset.InstanceID + "@" + dataset.Version
	created := !w.seen[key]
	w.seen[key] = true
	return int64(len(w.upserts)), created, nil
}

// pathAdapter derives instance and version from the two leading path
// segments under the ingest root, for tests that do not need real parsing.
type pathAdapter struct {
	failOn string
}

func (a *pathAdapter) SourceType() types.SourceType { return types.CMIP6 }
func (a *pathAdapter) FilePattern() string          { return "*.nc" }

func (a *pathAdapter) ParseFile(path string) (*types.DatasetRecord, error) {
	if filepath.Base(path) == a.failOn {
		return nil, skerr.Fmt("corrupt file %s", path)
	}
	dir := filepath.Dir(path)
	return &types.DatasetRecord{
		SourceType: types.CMIP6,
		InstanceID: filepath.Base(filepath.Dir(dir)),
		Version:    filepath.Base(dir),
		Path:       path,
		Facets:     map[string]string{"variable_id": "tas"},
	}, nil
}

func writeIngestTree(t *testing.T, root string, rels ...string) {
	for _, rel := range rels {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	}
}

func TestIngest_GroupsByInstanceAndPicksMaxVersion(t *testing.T) {
	root := t.TempDir()
	writeIngestTree(t, root,
		"dsA/v20200101/a1.nc",
		"dsA/v20210316/a2.nc",
		"dsB/v1/b1.nc",
		"dsB/v1/notes.txt", // pattern mismatch, ignored
	)
	writer := newFakeWriter()
	summary, err := NewIngester(writer).Ingest(context.Background(), &pathAdapter{}, []string{root}, IngestOptions{NJobs: 4})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.FilesFound)
	assert.Equal(t, 3, summary.FilesParsed)
	assert.Equal(t, 0, summary.FilesSkipped)
	assert.Equal(t, 2, summary.DatasetsSeen)
	assert.Equal(t, 2, summary.DatasetsCreated)

	require.Len(t, writer.upserts, 2)
	// Deterministic instance order.
	assert.Equal(t, "dsA", writer.upserts[0].InstanceID)
	assert.Equal(t, "v20210316", writer.upserts[0].Version)
	assert.Equal(t, "dsB", writer.upserts[1].InstanceID)
	require.Len(t, writer.files["dsA"], 2)
}

func TestIngest_IsIdempotent(t *testing.T) {
	root := t.TempDir()
	writeIngestTree(t, root, "dsA/v1/a1.nc")
	writer := newFakeWriter()
	ing := NewIngester(writer)

	first, err := ing.Ingest(context.Background(), &pathAdapter{}, []string{root}, IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.DatasetsCreated)

	second, err := ing.Ingest(context.Background(), &pathAdapter{}, []string{root}, IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, second.DatasetsCreated)
	assert.Equal(t, 1, second.DatasetsSeen)
}

func TestIngest_SkipInvalid(t *testing.T) {
	root := t.TempDir()
	writeIngestTree(t, root, "dsA/v1/good.nc", "dsA/v1/bad.nc")
	adapter := &pathAdapter{failOn: "bad.nc"}

	writer := newFakeWriter()
	summary, err := NewIngester(writer).Ingest(context.Background(), adapter, []string{root},
		IngestOptions{SkipInvalid: true})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.FilesSkipped)
	assert.Equal(t, 1, summary.FilesParsed)

	_, err = NewIngester(newFakeWriter()).Ingest(context.Background(), adapter, []string{root},
		IngestOptions{SkipInvalid: false})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.nc")
}

func TestIngest_GlobAndMissingPath(t *testing.T) {
	root := t.TempDir()
	writeIngestTree(t, root, "dsA/v1/a1.nc", "dsB/v1/b1.nc")
	writer := newFakeWriter()

	summary, err := NewIngester(writer).Ingest(context.Background(), &pathAdapter{},
		[]string{filepath.Join(root, "ds*")}, IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.FilesFound)

	_, err = NewIngester(writer).Ingest(context.Background(), &pathAdapter{},
		[]string{filepath.Join(root, "nope")}, IngestOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}
