package types

import "time"

// DatasetRecord is the per-file metadata record produced by a source-type
// adapter during ingestion. Records sharing an InstanceID are grouped into
// one Dataset whose version is the maximum of the file versions.
type DatasetRecord struct {
	SourceType SourceType
	InstanceID string
	Version    string
	Path       string
	Size       int64
	Checksum   string
	VariableID string
	StartTime  *time.Time
	EndTime    *time.Time
	// Facets holds the source-type specific metadata, eg. source_id,
	// experiment_id, variable_id for CMIP6.
	Facets map[string]string
	// Finalised is false when the record was derived from the path alone
	// (DRS parsing) and true when the file itself was opened.
	Finalised bool
}

// Dataset is a stored dataset row. Datasets are never mutated; a new version
// of an instance is a new row, and the resolver only sees the latest version
// of each instance (soft-deleted rows excluded).
type Dataset struct {
	ID         int64
	SourceType SourceType
	InstanceID string
	Version    string
	Retracted  bool
	Finalised  bool
	CreatedAt  time.Time
	Facets     map[string]string
}

// File is a stored file row, owned by exactly one Dataset.
type File struct {
	ID         int64
	DatasetID  int64
	Path       string
	Size       int64
	Checksum   string
	VariableID string
	StartTime  *time.Time
	EndTime    *time.Time
}

// CatalogEntry is one row of the tabular catalog view handed to the
// requirement resolver: a file plus its dataset's facets. The resolver only
// ever sees entries for active (latest-version, non-retracted) datasets.
type CatalogEntry struct {
	DatasetID  int64
	SourceType SourceType
	InstanceID string
	Version    string
	Path       string
	StartTime  *time.Time
	EndTime    *time.Time
	Facets     map[string]string
}

// Facet returns the value of the named facet for this entry. The identity
// columns are addressable as facets so that filters and group-bys can use
// instance_id, version and path alongside the adapter facets.
func (e *CatalogEntry) Facet(name string) (string, bool) {
	switch name {
	case "instance_id":
		return e.InstanceID, true
	case "version":
		return e.Version, true
	case "path":
		return e.Path, true
	}
	v, ok := e.Facets[name]
	return v, ok
}

// DiagnosticMeta is the stored metadata of a registered diagnostic. The
// diagnostic's code lives in its provider; the store only tracks identity
// and declared facets. Diagnostics which disappear from the registry are
// flagged stale, never deleted, so their execution history survives.
type DiagnosticMeta struct {
	ID              int64
	ProviderSlug    string
	Slug            string
	ProviderVersion string
	Facets          []string
	Stale           bool
}

// FullSlug returns "provider/diagnostic".
func (d *DiagnosticMeta) FullSlug() string {
	return d.ProviderSlug + "/" + d.Slug
}
