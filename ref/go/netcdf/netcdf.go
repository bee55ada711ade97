// Package netcdf reads the header of netCDF classic format files (CDF-1 and
// CDF-2). Only the metadata a catalog adapter needs is decoded: dimensions,
// global attributes and variable declarations. Data sections are never read.
// Files in the netCDF-4/HDF5 container are detected and reported as
// ErrNotClassic so callers can fall back to path-based parsing.
package netcdf

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"go.climref.org/infra/go/skerr"
)

// ErrNotClassic is returned for files that are netCDF-4/HDF5 or not netCDF
// at all.
var ErrNotClassic = errors.New("not a netCDF classic file")

// Type is a netCDF external data type.
type Type int32

const (
	TypeByte   Type = 1
	TypeChar   Type = 2
	TypeShort  Type = 3
	TypeInt    Type = 4
	TypeFloat  Type = 5
	TypeDouble Type = 6
)

// size in bytes of one element of each type.
var typeSize = map[Type]int{
	TypeByte:   1,
	TypeChar:   1,
	TypeShort:  2,
	TypeInt:    4,
	TypeFloat:  4,
	TypeDouble: 8,
}

// List tags in the header.
const (
	tagDimension = 0x0A
	tagVariable  = 0x0B
	tagAttribute = 0x0C
)

// Dimension is a named dimension; Length 0 marks the record dimension.
type Dimension struct {
	Name   string
	Length int32
}

// Attribute is a decoded attribute. Char attributes carry Str; numeric
// attributes carry Values.
type Attribute struct {
	Name   string
	Type   Type
	Str    string
	Values []float64
}

// Variable is a variable declaration; its data is not read.
type Variable struct {
	Name       string
	Type       Type
	Dimensions []string
	Attrs      map[string]Attribute
}

// Header is the decoded file header.
type Header struct {
	Version    byte
	Dimensions []Dimension
	Attrs      map[string]Attribute
	Variables  map[string]Variable
}

// GlobalAttr returns the trimmed string form of a global attribute.
func (h *Header) GlobalAttr(name string) (string, bool) {
	a, ok := h.Attrs[name]
	if !ok {
		return "", false
	}
	if a.Type == TypeChar {
		return strings.TrimRight(a.Str, "\x00"), true
	}
	parts := make([]string, 0, len(a.Values))
	for _, v := range a.Values {
		parts = append(parts, fmt.Sprintf("%g", v))
	}
	return strings.Join(parts, " "), true
}

// ReadHeaderFile opens path and reads its header.
func ReadHeaderFile(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	defer func() {
		_ = f.Close()
	}()
	h, err := ReadHeader(f)
	if err != nil {
		return nil, skerr.Wrapf(err, "reading netCDF header of %s", path)
	}
	return h, nil
}

// ReadHeader decodes a classic-format header from r.
func ReadHeader(r io.Reader) (*Header, error) {
	d := &decoder{r: bufio.NewReader(r)}
	magic := make([]byte, 4)
	if _, err := io.ReadFull(d.r, magic); err != nil {
		return nil, skerr.Wrap(err)
	}
	if magic[0] == 0x89 && magic[1] == 'H' && magic[2] == 'D' && magic[3] == 'F' {
		return nil, ErrNotClassic
	}
	if magic[0] != 'C' || magic[1] != 'D' || magic[2] != 'F' {
		return nil, ErrNotClassic
	}
	version := magic[3]
	if version != 1 && version != 2 {
		return nil, ErrNotClassic
	}

	// numrecs, unused here.
	if _, err := d.readInt32(); err != nil {
		return nil, err
	}
	dims, err := d.readDimList()
	if err != nil {
		return nil, err
	}
	gatts, err := d.readAttrList()
	if err != nil {
		return nil, err
	}
	vars, err := d.readVarList(dims, version)
	if err != nil {
		return nil, err
	}
	return &Header{
		Version:    version,
		Dimensions: dims,
		Attrs:      gatts,
		Variables:  vars,
	}, nil
}

type decoder struct {
	r *bufio.Reader
}

func (d *decoder) readInt32() (int32, error) {
	var v int32
	if err := binary.Read(d.r, binary.BigEndian, &v); err != nil {
		return 0, skerr.Wrap(err)
	}
	return v, nil
}

// readName reads a length-prefixed name padded to a 4 byte boundary.
func (d *decoder) readName() (string, error) {
	n, err := d.readInt32()
	if err != nil {
		return "", err
	}
	if n < 0 || n > 1<<20 {
		return "", skerr.Fmt("implausible name length %d", n)
	}
	b, err := d.readPadded(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) readPadded(n int) ([]byte, error) {
	padded := n
	if rem := n % 4; rem != 0 {
		padded += 4 - rem
	}
	b := make([]byte, padded)
	if _, err := io.ReadFull(d.r, b); err != nil {
		return nil, skerr.Wrap(err)
	}
	return b[:n], nil
}

// readListHeader reads a tag and element count. An absent list is encoded as
// two zero words.
func (d *decoder) readListHeader(wantTag int32) (int, error) {
	tag, err := d.readInt32()
	if err != nil {
		return 0, err
	}
	n, err := d.readInt32()
	if err != nil {
		return 0, err
	}
	if tag == 0 && n == 0 {
		return 0, nil
	}
	if tag != wantTag {
		return 0, skerr.Fmt("expected list tag 0x%02X, got 0x%02X", wantTag, tag)
	}
	if n < 0 || n > 1<<20 {
		return 0, skerr.Fmt("implausible list length %d", n)
	}
	return int(n), nil
}

func (d *decoder) readDimList() ([]Dimension, error) {
	n, err := d.readListHeader(tagDimension)
	if err != nil {
		return nil, err
	}
	dims := make([]Dimension, 0, n)
	for i := 0; i < n; i++ {
		name, err := d.readName()
		if err != nil {
			return nil, err
		}
		length, err := d.readInt32()
		if err != nil {
			return nil, err
		}
		dims = append(dims, Dimension{Name: name, Length: length})
	}
	return dims, nil
}

func (d *decoder) readAttrList() (map[string]Attribute, error) {
	n, err := d.readListHeader(tagAttribute)
	if err != nil {
		return nil, err
	}
	attrs := make(map[string]Attribute, n)
	for i := 0; i < n; i++ {
		a, err := d.readAttr()
		if err != nil {
			return nil, err
		}
		attrs[a.Name] = a
	}
	return attrs, nil
}

func (d *decoder) readAttr() (Attribute, error) {
	name, err := d.readName()
	if err != nil {
		return Attribute{}, err
	}
	typRaw, err := d.readInt32()
	if err != nil {
		return Attribute{}, err
	}
	typ := Type(typRaw)
	elemSize, ok := typeSize[typ]
	if !ok {
		return Attribute{}, skerr.Fmt("attribute %q has unknown type %d", name, typRaw)
	}
	n, err := d.readInt32()
	if err != nil {
		return Attribute{}, err
	}
	if n < 0 || n > 1<<24 {
		return Attribute{}, skerr.Fmt("implausible attribute length %d for %q", n, name)
	}
	raw, err := d.readPadded(int(n) * elemSize)
	if err != nil {
		return Attribute{}, err
	}
	a := Attribute{Name: name, Type: typ}
	if typ == TypeChar {
		a.Str = string(raw)
		return a, nil
	}
	a.Values = make([]float64, 0, n)
	for i := 0; i < int(n); i++ {
		chunk := raw[i*elemSize : (i+1)*elemSize]
		switch typ {
		case TypeByte:
			a.Values = append(a.Values, float64(int8(chunk[0])))
		case TypeShort:
			a.Values = append(a.Values, float64(int16(binary.BigEndian.Uint16(chunk))))
		case TypeInt:
			a.Values = append(a.Values, float64(int32(binary.BigEndian.Uint32(chunk))))
		case TypeFloat:
			bits := binary.BigEndian.Uint32(chunk)
			a.Values = append(a.Values, float64(math.Float32frombits(bits)))
		case TypeDouble:
			bits := binary.BigEndian.Uint64(chunk)
			a.Values = append(a.Values, math.Float64frombits(bits))
		}
	}
	return a, nil
}

func (d *decoder) readVarList(dims []Dimension, version byte) (map[string]Variable, error) {
	n, err := d.readListHeader(tagVariable)
	if err != nil {
		return nil, err
	}
	vars := make(map[string]Variable, n)
	for i := 0; i < n; i++ {
		name, err := d.readName()
		if err != nil {
			return nil, err
		}
		ndims, err := d.readInt32()
		if err != nil {
			return nil, err
		}
		if ndims < 0 || int(ndims) > len(dims) {
			return nil, skerr.Fmt("variable %q has %d dimensions, file declares %d", name, ndims, len(dims))
		}
		v := Variable{Name: name, Dimensions: make([]string, 0, ndims)}
		for j := 0; j < int(ndims); j++ {
			dimID, err := d.readInt32()
			if err != nil {
				return nil, err
			}
			if dimID < 0 || int(dimID) >= len(dims) {
				return nil, skerr.Fmt("variable %q references unknown dimension %d", name, dimID)
			}
			v.Dimensions = append(v.Dimensions, dims[dimID].Name)
		}
		v.Attrs, err = d.readAttrList()
		if err != nil {
			return nil, err
		}
		typRaw, err := d.readInt32()
		if err != nil {
			return nil, err
		}
		v.Type = Type(typRaw)
		// vsize, then the begin offset (32-bit in CDF-1, 64-bit in CDF-2).
		if _, err := d.readInt32(); err != nil {
			return nil, err
		}
		offsetWords := 1
		if version == 2 {
			offsetWords = 2
		}
		for j := 0; j < offsetWords; j++ {
			if _, err := d.readInt32(); err != nil {
				return nil, err
			}
		}
		vars[name] = v
	}
	return vars, nil
}
