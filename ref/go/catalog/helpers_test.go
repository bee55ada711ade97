package catalog

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

// drsLayoutPath returns a DRS-compliant relative layout for one CMIP6 file,
// to be joined onto a temp dir.
func drsLayoutPath(t *testing.T) string {
	return filepath.Join(
		"CMIP6", "CMIP", "CSIRO", "ACCESS-ESM1-5", "historical", "r1i1p1f1",
		"Amon", "tas", "gn", "v20210316",
		"tas_Amon_ACCESS-ESM1-5_historical_r1i1p1f1_gn_185001-201412.nc")
}

// writeTestFile writes body under a temp dir at the given relative path and
// returns the absolute path.
func writeTestFile(t *testing.T, rel string, body []byte) string {
	path := filepath.Join(t.TempDir(), rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, body, 0644))
	return path
}

// classicWriter emits netCDF classic (CDF-1) header bytes.
type classicWriter struct {
	buf bytes.Buffer
}

func (w *classicWriter) int32(v int32) {
	_ = binary.Write(&w.buf, binary.BigEndian, v)
}

func (w *classicWriter) padded(b []byte) {
	w.buf.Write(b)
	if rem := len(b) % 4; rem != 0 {
		w.buf.Write(make([]byte, 4-rem))
	}
}

func (w *classicWriter) name(s string) {
	w.int32(int32(len(s)))
	w.padded([]byte(s))
}

func (w *classicWriter) charAttr(name, value string) {
	w.name(name)
	w.int32(2) // NC_CHAR
	w.int32(int32(len(value)))
	w.padded([]byte(value))
}

// buildClassicFile builds a minimal classic-format file with the given
// global attributes and one float variable carrying its own char attributes.
func buildClassicFile(t *testing.T, globalAttrs map[string]string, varName string, varAttrs map[string]string) []byte {
	w := &classicWriter{}
	w.buf.WriteString("CDF\x01")
	w.int32(0) // numrecs

	// One dimension so the variable has something to reference.
	w.int32(0x0A)
	w.int32(1)
	w.name("time")
	w.int32(0)

	w.int32(0x0C)
	w.int32(int32(len(globalAttrs)))
	for _, k := range sortedKeys(globalAttrs) {
		w.charAttr(k, globalAttrs[k])
	}

	w.int32(0x0B)
	w.int32(1)
	w.name(varName)
	w.int32(1) // ndims
	w.int32(0)
	w.int32(0x0C)
	w.int32(int32(len(varAttrs)))
	for _, k := range sortedKeys(varAttrs) {
		w.charAttr(k, varAttrs[k])
	}
	w.int32(5) // NC_FLOAT
	w.int32(0) // vsize
	w.int32(0) // begin

	return w.buf.Bytes()
}

func sortedKeys(m map[string]string) []string {
	rv := make([]string, 0, len(m))
	for k := range m {
		rv = append(rv, k)
	}
	sort.Strings(rv)
	return rv
}
