// Package cmec implements the CMEC output and metric bundle formats defined
// by the Earth System Metrics and Diagnostics Standards. Diagnostics write
// these bundles into their output directory; the engine validates them and
// extracts metric values for the store.
package cmec

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"go.climref.org/infra/go/skerr"
	"go.climref.org/infra/go/util"
	"go.climref.org/infra/ref/go/types"
)

// MetricBundleFilename is where a diagnostic writes its metric bundle,
// relative to the execution output directory.
const MetricBundleFilename = "diagnostic.json"

// Dimensions describes the nesting of a metric bundle's RESULTS. The order
// of JSONStructure determines the nesting depth of each facet; Values maps
// each dimension name to its allowed values and their attributes.
type Dimensions struct {
	JSONStructure []string
	Values        map[string]map[string]json.RawMessage
}

// MetricBundle is a CMEC metric bundle: dimension declarations plus the
// nested RESULTS mapping whose leaves are scalars.
type MetricBundle struct {
	Dimensions Dimensions
	Results    map[string]interface{}
	Provenance map[string]interface{}
	Disclaimer map[string]interface{}
	Notes      map[string]interface{}
}

type rawMetricBundle struct {
	Dimensions map[string]json.RawMessage `json:"DIMENSIONS"`
	Results    map[string]interface{}     `json:"RESULTS"`
	Provenance map[string]interface{}     `json:"PROVENANCE,omitempty"`
	Disclaimer map[string]interface{}     `json:"DISCLAIMER,omitempty"`
	Notes      map[string]interface{}     `json:"NOTES,omitempty"`
}

// UnmarshalJSON parses a metric bundle, keeping the declared dimension order.
func (m *MetricBundle) UnmarshalJSON(b []byte) error {
	raw := rawMetricBundle{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return skerr.Wrap(err)
	}
	dims := Dimensions{Values: map[string]map[string]json.RawMessage{}}
	structureRaw, ok := raw.Dimensions["json_structure"]
	if !ok {
		return skerr.Fmt("DIMENSIONS is missing json_structure")
	}
	if err := json.Unmarshal(structureRaw, &dims.JSONStructure); err != nil {
		return skerr.Wrapf(err, "parsing json_structure")
	}
	for name, rawVals := range raw.Dimensions {
		if name == "json_structure" {
			continue
		}
		vals := map[string]json.RawMessage{}
		if err := json.Unmarshal(rawVals, &vals); err != nil {
			return skerr.Wrapf(err, "parsing DIMENSIONS[%q]", name)
		}
		dims.Values[name] = vals
	}
	m.Dimensions = dims
	m.Results = stripNulls(raw.Results).(map[string]interface{})
	m.Provenance = raw.Provenance
	m.Disclaimer = raw.Disclaimer
	m.Notes = raw.Notes
	return nil
}

// MarshalJSON writes the bundle. Keys with null values are omitted; this is
// part of the format's round-trip contract.
func (m MetricBundle) MarshalJSON() ([]byte, error) {
	dims := map[string]interface{}{
		"json_structure": m.Dimensions.JSONStructure,
	}
	for name, vals := range m.Dimensions.Values {
		dims[name] = vals
	}
	out := map[string]interface{}{
		"DIMENSIONS": dims,
		"RESULTS":    stripNulls(m.Results),
	}
	if m.Provenance != nil {
		out["PROVENANCE"] = m.Provenance
	}
	if m.Disclaimer != nil {
		out["DISCLAIMER"] = m.Disclaimer
	}
	if m.Notes != nil {
		out["NOTES"] = m.Notes
	}
	return json.Marshal(out)
}

// stripNulls removes keys whose value is JSON null, recursively.
func stripNulls(v interface{}) interface{} {
	if mp, ok := v.(map[string]interface{}); ok {
		rv := make(map[string]interface{}, len(mp))
		for k, val := range mp {
			if val == nil {
				continue
			}
			rv[k] = stripNulls(val)
		}
		return rv
	}
	return v
}

// Validate checks the structural rules of the bundle against the
// diagnostic's declared facets:
//
//   - every dimension named in json_structure has a DIMENSIONS entry and
//     vice versa;
//   - json_structure is exactly the declared facet set (all declared facets
//     present, no unknown facets);
//   - RESULTS nests one level per dimension and every leaf is a scalar
//     number. Objects at the deepest level are rejected.
func (m *MetricBundle) Validate(declaredFacets []string) error {
	structure := m.Dimensions.JSONStructure
	if len(structure) == 0 {
		return skerr.Fmt("json_structure must not be empty")
	}
	for _, dim := range structure {
		if _, ok := m.Dimensions.Values[dim]; !ok {
			return skerr.Fmt("dimension %q is in json_structure but missing from DIMENSIONS", dim)
		}
	}
	for dim := range m.Dimensions.Values {
		if !util.In(dim, structure) {
			return skerr.Fmt("dimension %q is in DIMENSIONS but missing from json_structure", dim)
		}
	}
	if declaredFacets != nil {
		for _, f := range declaredFacets {
			if !util.In(f, structure) {
				return skerr.Fmt("declared facet %q missing from json_structure %v", f, structure)
			}
		}
		for _, dim := range structure {
			if !util.In(dim, declaredFacets) {
				return skerr.Fmt("dimension %q is not a declared facet of the diagnostic", dim)
			}
		}
	}
	return validateResults(m.Results, structure, nil)
}

func validateResults(node map[string]interface{}, structure []string, path []string) error {
	depth := len(path)
	for key, val := range node {
		keyPath := append(append([]string{}, path...), key)
		if depth == len(structure)-1 {
			// Deepest dimension: the value must be a scalar.
			switch val.(type) {
			case float64, int, int64, json.Number:
			default:
				return skerr.Fmt("leaf at %v must be a scalar, got %T", keyPath, val)
			}
			continue
		}
		child, ok := val.(map[string]interface{})
		if !ok {
			return skerr.Fmt("value at %v must be nested %d more level(s), got %T",
				keyPath, len(structure)-depth-1, val)
		}
		if err := validateResults(child, structure, keyPath); err != nil {
			return err
		}
	}
	return nil
}

// ScalarValues flattens RESULTS into metric values, one per leaf, with the
// facet mapping taken from the key path through the dimensions.
func (m *MetricBundle) ScalarValues() []types.MetricValue {
	rv := []types.MetricValue{}
	var walk func(node map[string]interface{}, path []string)
	walk = func(node map[string]interface{}, path []string) {
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			keyPath := append(append([]string{}, path...), key)
			switch val := node[key].(type) {
			case map[string]interface{}:
				walk(val, keyPath)
			case float64:
				facets := make(map[string]string, len(keyPath))
				for i, dim := range m.Dimensions.JSONStructure {
					if i < len(keyPath) {
						facets[dim] = keyPath[i]
					}
				}
				rv = append(rv, types.MetricValue{Facets: facets, Value: val})
			}
		}
	}
	walk(m.Results, nil)
	return rv
}

// ReadMetricBundle loads and parses <dir>/diagnostic.json.
func ReadMetricBundle(dir string) (*MetricBundle, error) {
	b, err := os.ReadFile(filepath.Join(dir, MetricBundleFilename))
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	bundle := &MetricBundle{}
	if err := json.Unmarshal(b, bundle); err != nil {
		return nil, skerr.Wrapf(err, "parsing %s", MetricBundleFilename)
	}
	return bundle, nil
}

// Write serializes the bundle to <dir>/diagnostic.json.
func (m *MetricBundle) Write(dir string) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return skerr.Wrap(err)
	}
	return skerr.Wrap(os.WriteFile(filepath.Join(dir, MetricBundleFilename), b, 0644))
}
