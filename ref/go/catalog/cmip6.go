package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.climref.org/infra/go/skerr"
	"go.climref.org/infra/go/sklog"
	"go.climref.org/infra/ref/go/netcdf"
	"go.climref.org/infra/ref/go/types"
)

// versionRegexp matches a dataset version directory, v20210316 style, with a
// single-digit fallback some archives use (v1).
var versionRegexp = regexp.MustCompile(`v\d{8}|v\d`)

// drsSegments are the path components below the CMIP6 activity root, in
// order, per the CMIP6 Data Reference Syntax. The version directory and
// filename follow.
var drsSegments = []string{
	"activity_id",
	"institution_id",
	"source_id",
	"experiment_id",
	"member_id",
	"table_id",
	"variable_id",
	"grid_label",
}

// completeAttrKeys are the global attributes the complete parser copies from
// the file header.
var completeAttrKeys = []string{
	"activity_id",
	"branch_method",
	"experiment",
	"experiment_id",
	"frequency",
	"grid",
	"grid_label",
	"institution_id",
	"nominal_resolution",
	"parent_activity_id",
	"parent_experiment_id",
	"parent_source_id",
	"parent_variant_label",
	"product",
	"realm",
	"source_id",
	"source_type",
	"sub_experiment",
	"sub_experiment_id",
	"table_id",
	"variable_id",
	"variant_label",
}

// CMIP6Adapter parses CMIP6 files either from their DRS path alone or by
// opening each file.
type CMIP6Adapter struct {
	parser CMIP6ParserName
}

// NewCMIP6Adapter returns a CMIP6 adapter using the named parser.
func NewCMIP6Adapter(parser CMIP6ParserName) (*CMIP6Adapter, error) {
	if parser != ParserDRS && parser != ParserComplete {
		return nil, skerr.Fmt("unknown CMIP6 parser %q", parser)
	}
	return &CMIP6Adapter{parser: parser}, nil
}

// SourceType implements Adapter.
func (a *CMIP6Adapter) SourceType() types.SourceType {
	return types.CMIP6
}

// FilePattern implements Adapter.
func (a *CMIP6Adapter) FilePattern() string {
	return "*.nc"
}

// ParseFile implements Adapter. The complete parser falls back to DRS
// parsing for files it cannot open, eg. netCDF-4/HDF5 containers, keeping
// Finalised false for those.
func (a *CMIP6Adapter) ParseFile(path string) (*types.DatasetRecord, error) {
	if a.parser == ParserComplete {
		rec, err := a.parseComplete(path)
		if err == nil || !errors.Is(err, netcdf.ErrNotClassic) {
			return rec, err
		}
		sklog.Warningf("%s is not netCDF classic; falling back to DRS metadata", path)
	}
	return a.parseDRS(path)
}

// parseDRS extracts metadata from the path segments alone. The expected
// layout is .../CMIP6/<activity>/<institution>/<source>/<experiment>/
// <member>/<table>/<variable>/<grid>/<version>/<filename>.
func (a *CMIP6Adapter) parseDRS(path string) (*types.DatasetRecord, error) {
	parts := strings.Split(filepath.ToSlash(filepath.Dir(path)), "/")
	// Segments plus the version directory.
	want := len(drsSegments) + 1
	if len(parts) < want {
		return nil, skerr.Fmt("path %s has too few directories for the CMIP6 DRS", path)
	}
	dirs := parts[len(parts)-want:]
	facets := make(map[string]string, len(drsSegments)+2)
	for i, name := range drsSegments {
		if dirs[i] == "" {
			return nil, skerr.Fmt("path %s has an empty %s directory", path, name)
		}
		facets[name] = dirs[i]
	}
	version := dirs[len(dirs)-1]
	if !versionRegexp.MatchString(version) {
		return nil, skerr.Fmt("path %s has no version directory, got %q", path, version)
	}
	facets["variant_label"] = facets["member_id"]

	rec := &types.DatasetRecord{
		SourceType: types.CMIP6,
		InstanceID: cmip6InstanceID(facets),
		Version:    version,
		Path:       path,
		VariableID: facets["variable_id"],
		Facets:     facets,
		Finalised:  false,
	}
	rec.StartTime, rec.EndTime = parseFilenameTimeRange(path)
	if fi, err := os.Stat(path); err == nil {
		rec.Size = fi.Size()
	}
	return rec, nil
}

// parseComplete reads the file's global attributes. Time ranges still come
// from the filename; decoding the time coordinate would require reading data.
func (a *CMIP6Adapter) parseComplete(path string) (*types.DatasetRecord, error) {
	h, err := netcdf.ReadHeaderFile(path)
	if err != nil {
		return nil, err
	}
	facets := make(map[string]string, len(completeAttrKeys))
	for _, key := range completeAttrKeys {
		if v, ok := h.GlobalAttr(key); ok && v != "" {
			facets[key] = v
		}
	}
	if facets["variant_label"] != "" {
		facets["member_id"] = facets["variant_label"]
	}
	for _, required := range []string{"activity_id", "institution_id", "source_id", "experiment_id", "member_id", "table_id", "variable_id", "grid_label"} {
		if facets[required] == "" {
			return nil, skerr.Fmt("%s is missing global attribute %s", path, required)
		}
	}
	variableID := facets["variable_id"]
	if v, ok := h.Variables[variableID]; ok {
		for _, attr := range []string{"standard_name", "long_name", "units"} {
			if va, ok := v.Attrs[attr]; ok && va.Type == netcdf.TypeChar {
				facets[attr] = strings.TrimRight(va.Str, "\x00")
			}
		}
	}
	version := versionRegexp.FindString(path)
	if version == "" {
		version = "v0"
	}
	rec := &types.DatasetRecord{
		SourceType: types.CMIP6,
		InstanceID: cmip6InstanceID(facets),
		Version:    version,
		Path:       path,
		VariableID: variableID,
		Facets:     facets,
		Finalised:  true,
	}
	rec.StartTime, rec.EndTime = parseFilenameTimeRange(path)
	if fi, err := os.Stat(path); err == nil {
		rec.Size = fi.Size()
	}
	return rec, nil
}

// cmip6InstanceID builds the dataset identifier from the DRS facets. The
// version is deliberately excluded so that re-publications of the same
// dataset share an instance and supersede each other.
func cmip6InstanceID(facets map[string]string) string {
	parts := make([]string, 0, len(drsSegments)+1)
	parts = append(parts, "CMIP6")
	for _, name := range drsSegments {
		parts = append(parts, facets[name])
	}
	return strings.Join(parts, ".")
}

// filenameTimeRegexp matches the YYYYMM-YYYYMM suffix of CMOR filenames.
var filenameTimeRegexp = regexp.MustCompile(`_(\d{6})-(\d{6})\.nc$`)

// parseFilenameTimeRange derives an estimated half-open time range from the
// filename. Fixed-frequency (fx) files have no time suffix and return nils.
func parseFilenameTimeRange(path string) (*time.Time, *time.Time) {
	m := filenameTimeRegexp.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return nil, nil
	}
	start, err := time.Parse("200601", m[1])
	if err != nil {
		return nil, nil
	}
	endMonth, err := time.Parse("200601", m[2])
	if err != nil {
		return nil, nil
	}
	// End is exclusive: the first instant of the month after the last one
	// named in the filename.
	end := endMonth.AddDate(0, 1, 0)
	return &start, &end
}
