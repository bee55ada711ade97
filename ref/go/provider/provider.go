// Package provider defines the diagnostic plugin contract: providers
// register by name and version and declare diagnostics the solver can
// schedule and an executor can run. Providers are resolved through a static
// registry; there is no runtime code loading.
package provider

import (
	"context"
	"path/filepath"

	"go.climref.org/infra/ref/go/cmec"
	"go.climref.org/infra/ref/go/requirements"
	"go.climref.org/infra/ref/go/types"
)

// LogFilename is the captured log of an execution, relative to its output
// directory.
const LogFilename = "out.log"

// ExecutionDefinition is everything a diagnostic needs to run once: the
// group identity, the resolved input datasets and where to write.
type ExecutionDefinition struct {
	// Key is the execution group's identity.
	Key types.GroupKey
	// DatasetHash identifies the exact input dataset versions.
	DatasetHash string
	// Datasets are the resolved inputs, per source type.
	Datasets map[types.SourceType][]types.CatalogEntry
	// OutputDirectory is the execution's private subtree of the results
	// root. Diagnostics write their bundles and outputs here.
	OutputDirectory string
	// ScratchDirectory is working space exclusive to this execution,
	// deleted after the run.
	ScratchDirectory string
}

// LogPath returns where the execution's log is captured.
func (d *ExecutionDefinition) LogPath() string {
	return filepath.Join(d.OutputDirectory, LogFilename)
}

// InputPaths returns the file paths of all input datasets, sorted per
// source type.
func (d *ExecutionDefinition) InputPaths(sourceType types.SourceType) []string {
	entries := d.Datasets[sourceType]
	rv := make([]string, 0, len(entries))
	for i := range entries {
		rv = append(rv, entries[i].Path)
	}
	return rv
}

// ExecutionResult is what a diagnostic hands back after a run: the parsed
// bundles from its output directory.
type ExecutionResult struct {
	OutputBundle *cmec.OutputBundle
	MetricBundle *cmec.MetricBundle
}

// Diagnostic is one runnable diagnostic of a provider.
type Diagnostic interface {
	// Slug identifies the diagnostic within its provider.
	Slug() string
	// DataRequirements declares which catalog slices the diagnostic needs.
	DataRequirements() []requirements.DataRequirement
	// Facets are the dimension names the diagnostic's metric values carry.
	Facets() []string
	// Execute runs the diagnostic, writing outputs (including the CMEC
	// bundles) under definition.OutputDirectory.
	Execute(ctx context.Context, definition *ExecutionDefinition) error
	// BuildExecutionResult collects the bundles the run produced.
	BuildExecutionResult(definition *ExecutionDefinition) (*ExecutionResult, error)
}

// Provider is a named, versioned collection of diagnostics.
type Provider interface {
	Slug() string
	Version() string
	Diagnostics() []Diagnostic
}

// ReadExecutionResult parses both CMEC bundles from an execution's output
// directory. Diagnostics which write standard bundles can implement
// BuildExecutionResult with this.
func ReadExecutionResult(definition *ExecutionDefinition) (*ExecutionResult, error) {
	output, err := cmec.ReadOutputBundle(definition.OutputDirectory)
	if err != nil {
		return nil, err
	}
	metric, err := cmec.ReadMetricBundle(definition.OutputDirectory)
	if err != nil {
		return nil, err
	}
	return &ExecutionResult{OutputBundle: output, MetricBundle: metric}, nil
}
