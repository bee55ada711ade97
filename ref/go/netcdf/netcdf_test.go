package netcdf

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// headerWriter builds classic-format header bytes for tests.
type headerWriter struct {
	buf bytes.Buffer
}

func (w *headerWriter) int32(v int32) {
	_ = binary.Write(&w.buf, binary.BigEndian, v)
}

func (w *headerWriter) name(s string) {
	w.int32(int32(len(s)))
	w.padded([]byte(s))
}

func (w *headerWriter) padded(b []byte) {
	w.buf.Write(b)
	if rem := len(b) % 4; rem != 0 {
		w.buf.Write(make([]byte, 4-rem))
	}
}

func (w *headerWriter) charAttr(name, value string) {
	w.name(name)
	w.int32(int32(TypeChar))
	w.int32(int32(len(value)))
	w.padded([]byte(value))
}

func (w *headerWriter) intAttr(name string, values ...int32) {
	w.name(name)
	w.int32(int32(TypeInt))
	w.int32(int32(len(values)))
	for _, v := range values {
		w.int32(v)
	}
}

func buildHeader(t *testing.T) []byte {
	w := &headerWriter{}
	w.buf.WriteString("CDF\x01")
	w.int32(0) // numrecs

	// Dimension list: time (record), lat.
	w.int32(tagDimension)
	w.int32(2)
	w.name("time")
	w.int32(0)
	w.name("lat")
	w.int32(96)

	// Global attributes.
	w.int32(tagAttribute)
	w.int32(3)
	w.charAttr("activity_id", "CMIP")
	w.charAttr("source_id", "ACCESS-ESM1-5")
	w.intAttr("realization_index", 1)

	// Variables: tas(time, lat).
	w.int32(tagVariable)
	w.int32(1)
	w.name("tas")
	w.int32(2) // ndims
	w.int32(0)
	w.int32(1)
	w.int32(tagAttribute)
	w.int32(1)
	w.charAttr("units", "K")
	w.int32(int32(TypeFloat))
	w.int32(384) // vsize
	w.int32(0)   // begin (CDF-1: 32-bit)

	return w.buf.Bytes()
}

func TestReadHeader(t *testing.T) {
	h, err := ReadHeader(bytes.NewReader(buildHeader(t)))
	require.NoError(t, err)
	assert.Equal(t, byte(1), h.Version)

	require.Len(t, h.Dimensions, 2)
	assert.Equal(t, Dimension{Name: "time", Length: 0}, h.Dimensions[0])
	assert.Equal(t, Dimension{Name: "lat", Length: 96}, h.Dimensions[1])

	v, ok := h.GlobalAttr("activity_id")
	require.True(t, ok)
	assert.Equal(t, "CMIP", v)
	v, ok = h.GlobalAttr("realization_index")
	require.True(t, ok)
	assert.Equal(t, "1", v)
	_, ok = h.GlobalAttr("missing")
	assert.False(t, ok)

	tas, ok := h.Variables["tas"]
	require.True(t, ok)
	assert.Equal(t, TypeFloat, tas.Type)
	assert.Equal(t, []string{"time", "lat"}, tas.Dimensions)
	assert.Equal(t, "K", tas.Attrs["units"].Str)
}

func TestReadHeader_EmptyLists(t *testing.T) {
	w := &headerWriter{}
	w.buf.WriteString("CDF\x02")
	w.int32(0)
	// Three absent lists.
	for i := 0; i < 6; i++ {
		w.int32(0)
	}
	h, err := ReadHeader(bytes.NewReader(w.buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, byte(2), h.Version)
	assert.Empty(t, h.Dimensions)
	assert.Empty(t, h.Attrs)
	assert.Empty(t, h.Variables)
}

func TestReadHeader_HDF5IsNotClassic(t *testing.T) {
	_, err := ReadHeader(bytes.NewReader([]byte("\x89HDF\r\n\x1a\n")))
	require.ErrorIs(t, err, ErrNotClassic)
}

func TestReadHeader_Garbage(t *testing.T) {
	_, err := ReadHeader(bytes.NewReader([]byte("not a netcdf file")))
	require.ErrorIs(t, err, ErrNotClassic)

	_, err = ReadHeader(bytes.NewReader([]byte("CDF\x05garbage")))
	require.ErrorIs(t, err, ErrNotClassic)
}
