package types

import (
	"sort"

	"go.climref.org/infra/go/skerr"
)

// SourceType identifies a family of input datasets. The catalog keeps one
// logical view per source type; adapters know how to parse each.
type SourceType string

const (
	CMIP6          SourceType = "cmip6"
	Obs4MIPs       SourceType = "obs4mips"
	PMPClimatology SourceType = "pmp-climatology"
)

// AllSourceTypes returns the known source types in alphabetical order. The
// ordering matters: group keys and dataset hashes iterate source types in
// this order.
func AllSourceTypes() []SourceType {
	rv := []SourceType{CMIP6, Obs4MIPs, PMPClimatology}
	sort.Slice(rv, func(i, j int) bool { return rv[i] < rv[j] })
	return rv
}

// ParseSourceType validates a source type string.
func ParseSourceType(s string) (SourceType, error) {
	switch SourceType(s) {
	case CMIP6, Obs4MIPs, PMPClimatology:
		return SourceType(s), nil
	}
	return "", skerr.Fmt("unknown source type %q", s)
}
