package catalog

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"go.climref.org/infra/go/metrics2"
	"go.climref.org/infra/go/skerr"
	"go.climref.org/infra/go/sklog"
	"go.climref.org/infra/ref/go/types"
)

// DatasetWriter is the slice of the datastore ingestion needs.
type DatasetWriter interface {
	// UpsertDataset stores a dataset and its files. The operation is
	// idempotent on (source_type, instance_id, version); re-upserting an
	// existing version reports created=false and changes nothing.
	UpsertDataset(ctx context.Context, dataset types.Dataset, files []types.File) (id int64, created bool, err error)
}

// IngestOptions tune one ingestion pass.
type IngestOptions struct {
	// SkipInvalid logs and skips files the adapter cannot parse instead of
	// failing the whole ingest.
	SkipInvalid bool
	// NJobs is the parsing parallelism; values below 1 mean serial.
	NJobs int
}

// IngestSummary reports what one ingestion pass did.
type IngestSummary struct {
	FilesFound      int
	FilesParsed     int
	FilesSkipped    int
	DatasetsCreated int
	DatasetsSeen    int
}

// Ingester walks paths, parses files through an adapter and writes grouped
// datasets to the store.
type Ingester struct {
	writer DatasetWriter
}

// NewIngester returns an Ingester writing to the given store.
func NewIngester(writer DatasetWriter) *Ingester {
	return &Ingester{writer: writer}
}

// Ingest walks the given paths, which may be files, directories or globs,
// parses every file matching the adapter's pattern and stores the resulting
// datasets. Files sharing an instance_id form one dataset whose version is
// the maximum of the file versions. Re-ingesting identical paths is a no-op.
func (i *Ingester) Ingest(ctx context.Context, adapter Adapter, paths []string, opts IngestOptions) (*IngestSummary, error) {
	files, err := expandPaths(paths, adapter.FilePattern())
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	summary := &IngestSummary{FilesFound: len(files)}
	sklog.Infof("Ingesting %d %s file(s) from %d path(s)", len(files), adapter.SourceType(), len(paths))

	records, skipped, err := parseAll(ctx, adapter, files, opts)
	if err != nil {
		return nil, err
	}
	summary.FilesParsed = len(records)
	summary.FilesSkipped = skipped

	byInstance := map[string][]*types.DatasetRecord{}
	for _, rec := range records {
		byInstance[rec.InstanceID] = append(byInstance[rec.InstanceID], rec)
	}
	instanceIDs := make([]string, 0, len(byInstance))
	for id := range byInstance {
		instanceIDs = append(instanceIDs, id)
	}
	sort.Strings(instanceIDs)

	for _, instanceID := range instanceIDs {
		recs := byInstance[instanceID]
		dataset, dsFiles := buildDataset(instanceID, recs)
		_, created, err := i.writer.UpsertDataset(ctx, dataset, dsFiles)
		if err != nil {
			return nil, skerr.Wrapf(err, "storing dataset %s", instanceID)
		}
		summary.DatasetsSeen++
		if created {
			summary.DatasetsCreated++
			metrics2.GetCounter("ref_datasets_ingested", map[string]string{
				"source_type": string(adapter.SourceType()),
			}).Inc(1)
		}
	}
	sklog.Infof("Ingest done: %d dataset(s), %d new, %d file(s) skipped",
		summary.DatasetsSeen, summary.DatasetsCreated, summary.FilesSkipped)
	return summary, nil
}

// parseAll fans adapter calls out across NJobs workers.
func parseAll(ctx context.Context, adapter Adapter, files []string, opts IngestOptions) ([]*types.DatasetRecord, int, error) {
	njobs := opts.NJobs
	if njobs < 1 {
		njobs = 1
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(njobs)
	var mtx sync.Mutex
	records := make([]*types.DatasetRecord, 0, len(files))
	skipped := 0
	for _, file := range files {
		file := file
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return skerr.Wrap(err)
			}
			rec, err := adapter.ParseFile(file)
			if err != nil {
				if !opts.SkipInvalid {
					return skerr.Wrapf(err, "parsing %s", file)
				}
				sklog.Warningf("Skipping %s: %s", file, err)
				mtx.Lock()
				skipped++
				mtx.Unlock()
				return nil
			}
			mtx.Lock()
			records = append(records, rec)
			mtx.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, 0, err
	}
	// Parallel parsing scrambles the order; restore it for determinism.
	sort.Slice(records, func(i, j int) bool {
		return records[i].Path < records[j].Path
	})
	return records, skipped, nil
}

// buildDataset folds per-file records into one dataset plus its file rows.
// The dataset version is the maximum file version; the facets are taken from
// a record carrying that version.
func buildDataset(instanceID string, recs []*types.DatasetRecord) (types.Dataset, []types.File) {
	best := recs[0]
	for _, rec := range recs[1:] {
		if rec.Version > best.Version {
			best = rec
		}
	}
	dataset := types.Dataset{
		SourceType: best.SourceType,
		InstanceID: instanceID,
		Version:    best.Version,
		Finalised:  best.Finalised,
		Facets:     best.Facets,
	}
	files := make([]types.File, 0, len(recs))
	for _, rec := range recs {
		files = append(files, types.File{
			Path:       rec.Path,
			Size:       rec.Size,
			Checksum:   rec.Checksum,
			VariableID: rec.VariableID,
			StartTime:  rec.StartTime,
			EndTime:    rec.EndTime,
		})
	}
	return dataset, files
}

// expandPaths resolves globs and walks directories, returning the sorted,
// deduplicated list of files matching pattern. Paths are used as given, so
// callers should pass absolute paths if they want absolute paths stored.
func expandPaths(paths []string, pattern string) ([]string, error) {
	seen := map[string]bool{}
	rv := []string{}
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			rv = append(rv, p)
		}
	}
	for _, p := range paths {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, skerr.Wrapf(err, "invalid glob %q", p)
		}
		if matches == nil {
			return nil, skerr.Fmt("path %q does not exist", p)
		}
		for _, m := range matches {
			fi, err := os.Stat(m)
			if err != nil {
				return nil, skerr.Wrap(err)
			}
			if !fi.IsDir() {
				if ok, _ := filepath.Match(pattern, filepath.Base(m)); ok {
					add(m)
				}
				continue
			}
			err = filepath.WalkDir(m, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() {
					return nil
				}
				if ok, _ := filepath.Match(pattern, d.Name()); ok {
					add(path)
				}
				return nil
			})
			if err != nil {
				return nil, skerr.Wrapf(err, "walking %s", m)
			}
		}
	}
	sort.Strings(rv)
	return rv, nil
}
