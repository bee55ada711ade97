// Package example ships a small in-process provider used in tests and smoke
// runs. Its diagnostics do no science; they exercise the full execution path
// and emit well-formed CMEC bundles.
package example

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"go.climref.org/infra/go/skerr"
	"go.climref.org/infra/ref/go/catalog"
	"go.climref.org/infra/ref/go/cmec"
	"go.climref.org/infra/ref/go/provider"
	"go.climref.org/infra/ref/go/requirements"
	"go.climref.org/infra/ref/go/types"
)

// Slug is the provider's registry name.
const Slug = "example"

// Version is the provider version recorded on registered diagnostics.
const Version = "1.0.0"

// New returns the example provider.
func New() provider.Provider {
	return &exampleProvider{
		diagnostics: []provider.Diagnostic{
			&globalMeanDiagnostic{},
		},
	}
}

type exampleProvider struct {
	diagnostics []provider.Diagnostic
}

func (p *exampleProvider) Slug() string                      { return Slug }
func (p *exampleProvider) Version() string                   { return Version }
func (p *exampleProvider) Diagnostics() []provider.Diagnostic { return p.diagnostics }

// globalMeanDiagnostic pretends to compute an annual global mean of tas per
// input dataset.
type globalMeanDiagnostic struct{}

func (d *globalMeanDiagnostic) Slug() string {
	return "global-mean-timeseries"
}

func (d *globalMeanDiagnostic) DataRequirements() []requirements.DataRequirement {
	return []requirements.DataRequirement{{
		SourceType: types.CMIP6,
		Filters: []catalog.Filter{
			catalog.NewFilter(map[string]string{"variable_id": "tas"}),
		},
		GroupBy: []string{"source_id", "experiment_id", "variable_id", "member_id"},
		Constraints: []requirements.Constraint{
			requirements.RequireContiguousTimerange([]string{"instance_id"}),
		},
	}}
}

func (d *globalMeanDiagnostic) Facets() []string {
	return []string{"source_id", "region", "statistic"}
}

func (d *globalMeanDiagnostic) Execute(ctx context.Context, definition *provider.ExecutionDefinition) error {
	if err := ctx.Err(); err != nil {
		return skerr.Wrap(err)
	}
	if err := os.MkdirAll(definition.OutputDirectory, 0755); err != nil {
		return skerr.Wrap(err)
	}
	sourceID, _ := definition.Key.Get("source_id")
	if sourceID == "" {
		sourceID = "unknown"
	}

	// A plausible-looking data file plus the two bundles.
	series := map[string]interface{}{
		"source_id": sourceID,
		"inputs":    definition.InputPaths(types.CMIP6),
	}
	if err := writeJSON(filepath.Join(definition.OutputDirectory, "series.json"), series); err != nil {
		return err
	}

	output := &cmec.OutputBundle{
		Index: "index.html",
		Provenance: cmec.Provenance{
			Environment: map[string]interface{}{
				"os":   runtime.GOOS,
				"arch": runtime.GOARCH,
			},
			ModelData: definition.InputPaths(types.CMIP6),
			Log:       provider.LogFilename,
		},
		Data: map[string]cmec.OutputFile{
			"series": {Filename: "series.json", LongName: "Global mean series"},
		},
		HTML: map[string]cmec.OutputFile{
			"index": {Filename: "index.html", LongName: "Results"},
		},
	}
	if err := output.Write(definition.OutputDirectory); err != nil {
		return err
	}

	metric := &cmec.MetricBundle{
		Dimensions: cmec.Dimensions{
			JSONStructure: []string{"source_id", "region", "statistic"},
			Values: map[string]map[string]json.RawMessage{
				"source_id": {sourceID: json.RawMessage(`{}`)},
				"region":    {"global": json.RawMessage(`{"description": "Global"}`)},
				"statistic": {"mean": json.RawMessage(`{"description": "Mean"}`)},
			},
		},
		Results: map[string]interface{}{
			sourceID: map[string]interface{}{
				"global": map[string]interface{}{
					"mean": float64(len(definition.Datasets[types.CMIP6])),
				},
			},
		},
	}
	if err := metric.Write(definition.OutputDirectory); err != nil {
		return err
	}

	html := fmt.Sprintf("<html><body><h1>%s</h1></body></html>\n", sourceID)
	return skerr.Wrap(os.WriteFile(filepath.Join(definition.OutputDirectory, "index.html"), []byte(html), 0644))
}

func (d *globalMeanDiagnostic) BuildExecutionResult(definition *provider.ExecutionDefinition) (*provider.ExecutionResult, error) {
	return provider.ReadExecutionResult(definition)
}

func writeJSON(path string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return skerr.Wrap(err)
	}
	return skerr.Wrap(os.WriteFile(path, b, 0644))
}
