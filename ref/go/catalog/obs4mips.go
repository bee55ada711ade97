package catalog

import (
	"os"
	"path/filepath"
	"strings"

	"go.climref.org/infra/go/skerr"
	"go.climref.org/infra/ref/go/netcdf"
	"go.climref.org/infra/ref/go/types"
)

// obs4MIPsAttrKeys are the global attributes an obs4MIPs-compliant file must
// carry; any missing key makes the file invalid.
var obs4MIPsAttrKeys = []string{
	"activity_id",
	"frequency",
	"grid",
	"grid_label",
	"institution_id",
	"nominal_resolution",
	"product",
	"realm",
	"source_id",
	"source_type",
	"source_version_number",
	"variable_id",
	"variant_label",
}

// obs4MIPsIDSegments are the facets forming the dataset identifier, per the
// obs4MIPs data specification's directory structure template.
var obs4MIPsIDSegments = []string{
	"activity_id",
	"institution_id",
	"source_id",
	"frequency",
	"variable_id",
	"nominal_resolution",
	"grid_label",
}

// Obs4MIPsAdapter parses obs4MIPs reference datasets. There is no path-only
// fallback; the file's own attributes are authoritative.
type Obs4MIPsAdapter struct {
	sourceType types.SourceType
}

// NewObs4MIPsAdapter returns the obs4MIPs adapter.
func NewObs4MIPsAdapter() *Obs4MIPsAdapter {
	return &Obs4MIPsAdapter{sourceType: types.Obs4MIPs}
}

// NewPMPClimatologyAdapter returns the adapter for climatologies
// post-processed from obs4MIPs data. These files look like obs4MIPs datasets
// and parse identically, but are kept as a separate source type because they
// may share metadata with the datasets they were derived from.
func NewPMPClimatologyAdapter() *Obs4MIPsAdapter {
	return &Obs4MIPsAdapter{sourceType: types.PMPClimatology}
}

// SourceType implements Adapter.
func (a *Obs4MIPsAdapter) SourceType() types.SourceType {
	return a.sourceType
}

// FilePattern implements Adapter.
func (a *Obs4MIPsAdapter) FilePattern() string {
	return "*.nc"
}

// ParseFile implements Adapter.
func (a *Obs4MIPsAdapter) ParseFile(path string) (*types.DatasetRecord, error) {
	h, err := netcdf.ReadHeaderFile(path)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if v, _ := h.GlobalAttr("activity_id"); v != "obs4MIPs" {
		return nil, skerr.Fmt("%s is not an obs4MIPs dataset (activity_id=%q)", path, v)
	}
	facets := make(map[string]string, len(obs4MIPsAttrKeys))
	missing := []string{}
	for _, key := range obs4MIPsAttrKeys {
		v, ok := h.GlobalAttr(key)
		if !ok || v == "" {
			missing = append(missing, key)
			continue
		}
		facets[key] = v
	}
	if len(missing) > 0 {
		return nil, skerr.Fmt("%s is missing global attributes %v", path, missing)
	}
	variableID := facets["variable_id"]
	if v, ok := h.Variables[variableID]; ok {
		for _, attr := range []string{"long_name", "units"} {
			if va, ok := v.Attrs[attr]; ok && va.Type == netcdf.TypeChar {
				facets[attr] = strings.TrimRight(va.Str, "\x00")
			}
		}
	}

	// Some archive layouts omit the "v" prefix on the version directory.
	version := filepath.Base(filepath.Dir(path))
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}

	rec := &types.DatasetRecord{
		SourceType: a.sourceType,
		InstanceID: a.instanceID(facets),
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

// instanceID builds the dataset identifier. Like CMIP6, the version is
// excluded so that newer publications supersede the same instance.
func (a *Obs4MIPsAdapter) instanceID(facets map[string]string) string {
	parts := make([]string, 0, len(obs4MIPsIDSegments))
	for _, name := range obs4MIPsIDSegments {
		v := facets[name]
		if name == "nominal_resolution" {
			v = strings.ReplaceAll(v, " ", "")
		}
		parts = append(parts, v)
	}
	return strings.Join(parts, ".")
}
