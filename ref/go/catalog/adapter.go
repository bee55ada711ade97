// Package catalog turns dataset files on disk into stored Dataset and File
// rows, and answers filtered queries over the active datasets. Source-type
// specific knowledge lives in Adapters; everything else is agnostic.
package catalog

import (
	"go.climref.org/infra/go/skerr"
	"go.climref.org/infra/ref/go/types"
)

// Adapter extracts a metadata record from a single dataset file. Adding a
// source type means registering one Adapter; the rest of the system never
// looks inside files.
type Adapter interface {
	// SourceType returns the source type this adapter handles.
	SourceType() types.SourceType
	// FilePattern is the glob matched against file names during ingestion,
	// eg. "*.nc".
	FilePattern() string
	// ParseFile extracts the metadata record for one file. Errors are
	// per-file; the caller decides whether they abort the ingest.
	ParseFile(path string) (*types.DatasetRecord, error)
}

// CMIP6ParserName selects how the CMIP6 adapter extracts metadata.
type CMIP6ParserName string

const (
	// ParserDRS derives metadata from the directory structure alone.
	ParserDRS CMIP6ParserName = "drs"
	// ParserComplete opens each file and reads its global attributes.
	ParserComplete CMIP6ParserName = "complete"
)

// AdapterOptions configures adapter construction.
type AdapterOptions struct {
	// CMIP6Parser selects the CMIP6 parser; defaults to ParserDRS.
	CMIP6Parser CMIP6ParserName
}

// AdapterFor returns the adapter for a source type.
func AdapterFor(st types.SourceType, opts AdapterOptions) (Adapter, error) {
	switch st {
	case types.CMIP6:
		parser := opts.CMIP6Parser
		if parser == "" {
			parser = ParserDRS
		}
		return NewCMIP6Adapter(parser)
	case types.Obs4MIPs:
		return NewObs4MIPsAdapter(), nil
	case types.PMPClimatology:
		return NewPMPClimatologyAdapter(), nil
	}
	return nil, skerr.Fmt("no adapter registered for source type %q", st)
}
