package cmec

import (
	"encoding/json"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.climref.org/infra/go/skerr"
	"go.climref.org/infra/ref/go/types"
)

// OutputBundleFilename is where a diagnostic writes its output bundle,
// relative to the execution output directory.
const OutputBundleFilename = "output.json"

// OutputFile describes one file registered in an output bundle. Filename is
// relative to the execution output directory.
type OutputFile struct {
	Filename    string `json:"filename"`
	LongName    string `json:"long_name"`
	Description string `json:"description"`
}

// Provenance records how the outputs were produced.
type Provenance struct {
	Environment map[string]interface{} `json:"environment"`
	ModelData   []string               `json:"modeldata"`
	ObsData     map[string]interface{} `json:"obsdata"`
	Log         string                 `json:"log"`
}

// OutputBundle is a CMEC output bundle: the manifest of every file a
// diagnostic execution produced, by category.
type OutputBundle struct {
	Index      string                `json:"index"`
	Provenance Provenance            `json:"provenance"`
	Data       map[string]OutputFile `json:"data"`
	HTML       map[string]OutputFile `json:"html"`
	Metrics    map[string]OutputFile `json:"metrics"`
	Plots      map[string]OutputFile `json:"plots"`
}

// ReadOutputBundle loads and parses <dir>/output.json.
func ReadOutputBundle(dir string) (*OutputBundle, error) {
	b, err := os.ReadFile(filepath.Join(dir, OutputBundleFilename))
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	bundle := &OutputBundle{}
	if err := json.Unmarshal(b, bundle); err != nil {
		return nil, skerr.Wrapf(err, "parsing %s", OutputBundleFilename)
	}
	return bundle, nil
}

// Write serializes the bundle to <dir>/output.json.
func (o *OutputBundle) Write(dir string) error {
	b, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return skerr.Wrap(err)
	}
	return skerr.Wrap(os.WriteFile(filepath.Join(dir, OutputBundleFilename), b, 0644))
}

// outputCategory pairs a manifest section with its files, for deterministic
// iteration order in Outputs.
type outputCategory struct {
	name  string
	files map[string]OutputFile
}

// Outputs flattens the bundle's manifest into execution output rows, one per
// registered file, ordered by category then short name.
func (o *OutputBundle) Outputs() []types.ExecutionOutput {
	rv := []types.ExecutionOutput{}
	for _, cat := range []outputCategory{
		{"data", o.Data},
		{"html", o.HTML},
		{"metrics", o.Metrics},
		{"plots", o.Plots},
	} {
		names := make([]string, 0, len(cat.files))
		for name := range cat.files {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			f := cat.files[name]
			rv = append(rv, types.ExecutionOutput{
				OutputType:  outputTypeForFilename(f.Filename),
				Filename:    f.Filename,
				MIMEType:    mimeTypeForFilename(f.Filename),
				ShortName:   name,
				LongName:    f.LongName,
				Description: f.Description,
			})
		}
	}
	return rv
}

func outputTypeForFilename(filename string) types.OutputType {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".html", ".htm":
		return types.OutputHTML
	case ".nc":
		return types.OutputNetCDF
	case ".csv":
		return types.OutputCSV
	case ".png":
		return types.OutputPNG
	case ".json":
		return types.OutputJSON
	}
	return types.OutputLog
}

// mimeTypeForFilename resolves a MIME type for the file, with fallbacks for
// extensions the platform's MIME database does not know.
func mimeTypeForFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if mt := mime.TypeByExtension(ext); mt != "" {
		return mt
	}
	switch ext {
	case ".nc":
		return "application/x-netcdf"
	case ".csv":
		return "text/csv"
	case ".log", ".txt", "":
		return "text/plain"
	}
	return "application/octet-stream"
}
