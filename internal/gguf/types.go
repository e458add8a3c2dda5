// Package gguf reads GGUF files, the single-file container used by llama.cpp
// for quantized LLM weights.
//
// Parsing is strictly two-pass: the header, metadata and every tensor
// descriptor are decoded and bounds-checked before any tensor data is read.
//
// Specification: https://github.com/ggml-org/ggml/blob/master/docs/gguf.md
package gguf

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/casonadams/minerva-sub000/internal/quant"
)

// Magic bytes for GGUF format.
const (
	MagicGGUFLE uint32 = 0x46554747 // "GGUF" little-endian.
	MagicGGUFBE uint32 = 0x47475546 // "GGUF" big-endian (reversed).
)

// Version constants.
const (
	Version1 uint32 = 1 // Counts and lengths are uint32.
	Version2 uint32 = 2
	Version3 uint32 = 3 // Current version.
)

// DefaultAlignment is the default alignment for tensor data.
const DefaultAlignment = 32

const maxDims = 8

// ValueType represents the type of a metadata value.
type ValueType uint32

// Metadata value types as defined in GGUF specification.
const (
	ValueTypeUint8   ValueType = 0
	ValueTypeInt8    ValueType = 1
	ValueTypeUint16  ValueType = 2
	ValueTypeInt16   ValueType = 3
	ValueTypeUint32  ValueType = 4
	ValueTypeInt32   ValueType = 5
	ValueTypeFloat32 ValueType = 6
	ValueTypeBool    ValueType = 7
	ValueTypeString  ValueType = 8
	ValueTypeArray   ValueType = 9
	ValueTypeUint64  ValueType = 10
	ValueTypeInt64   ValueType = 11
	ValueTypeFloat64 ValueType = 12
)

var valueTypeNames = map[ValueType]string{
	ValueTypeUint8:   "uint8",
	ValueTypeInt8:    "int8",
	ValueTypeUint16:  "uint16",
	ValueTypeInt16:   "int16",
	ValueTypeUint32:  "uint32",
	ValueTypeInt32:   "int32",
	ValueTypeFloat32: "float32",
	ValueTypeBool:    "bool",
	ValueTypeString:  "string",
	ValueTypeArray:   "array",
	ValueTypeUint64:  "uint64",
	ValueTypeInt64:   "int64",
	ValueTypeFloat64: "float64",
}

// String returns the string representation of the value type.
func (t ValueType) String() string {
	if name, ok := valueTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", t)
}

// Header represents the GGUF file header.
type Header struct {
	Magic           uint32
	Version         uint32
	TensorCount     uint64
	MetadataKVCount uint64
}

// TensorInfo describes one tensor. Dims are in ggml order, fastest varying
// first, so a [out, in] matrix is stored as Dims{in, out}.
type TensorInfo struct {
	Name   string
	Dims   []uint64
	Type   quant.DType
	Offset uint64 // Relative to File.DataOffset.
}

// NumElements returns the total number of elements in the tensor.
func (t *TensorInfo) NumElements() uint64 {
	n := uint64(1)
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// checkedElements returns the element count, or false when the product of
// the dims overflows int64.
func (t *TensorInfo) checkedElements() (uint64, bool) {
	n := uint64(1)
	for _, d := range t.Dims {
		hi, lo := bits.Mul64(n, d)
		if hi != 0 || lo > math.MaxInt64 {
			return 0, false
		}
		n = lo
	}
	return n, true
}

// Size returns the encoded byte size, or -1 when the row length is not a
// whole number of blocks.
func (t *TensorInfo) Size() int64 {
	if len(t.Dims) > 0 {
		trait, ok := quant.Lookup(t.Type)
		if ok && t.Dims[0]%uint64(trait.BlockSize) != 0 {
			return -1
		}
	}
	return int64(t.Type.ByteSize(int(t.NumElements()))) //nolint:gosec // G115: bounded by file size checks.
}

// Shape returns the dims reversed into row-major order.
func (t *TensorInfo) Shape() []int {
	shape := make([]int, len(t.Dims))
	for i, d := range t.Dims {
		shape[len(t.Dims)-1-i] = int(d) //nolint:gosec // G115: dims are bounded by the file size.
	}
	return shape
}

// File is a parsed GGUF file. Data aliases the mapped file and is only valid
// until the owning Mapping is closed.
type File struct {
	Header     Header
	Metadata   map[string]any
	Tensors    []TensorInfo
	Alignment  int
	DataOffset int64
	Size       int64

	data []byte
}

// TensorData returns the encoded bytes of t.
func (f *File) TensorData(t *TensorInfo) []byte {
	start := f.DataOffset + int64(t.Offset) //nolint:gosec // G115: checked during parse.
	return f.data[start : start+t.Size()]
}

// Tensor finds a descriptor by name.
func (f *File) Tensor(name string) *TensorInfo {
	for i := range f.Tensors {
		if f.Tensors[i].Name == name {
			return &f.Tensors[i]
		}
	}
	return nil
}

// Architecture returns the model architecture (e.g., "llama", "qwen2").
func (f *File) Architecture() string {
	s, _ := f.String("general.architecture")
	return s
}

// Name returns the model name.
func (f *File) Name() string {
	s, _ := f.String("general.name")
	return s
}

// String returns a string metadata value.
func (f *File) String(key string) (string, bool) {
	s, ok := f.Metadata[key].(string)
	return s, ok
}

// Int returns an integer metadata value of any width.
func (f *File) Int(key string) (int64, bool) {
	switch v := f.Metadata[key].(type) {
	case uint8:
		return int64(v), true
	case int8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case int16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case int32:
		return int64(v), true
	case uint64:
		return int64(v), true //nolint:gosec // G115: metadata counts fit in int64.
	case int64:
		return v, true
	}
	return 0, false
}

// Float returns a floating point metadata value, widening integers.
func (f *File) Float(key string) (float64, bool) {
	switch v := f.Metadata[key].(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	i, ok := f.Int(key)
	return float64(i), ok
}

func alignOffset(offset int64, alignment int) int64 {
	if alignment <= 0 {
		alignment = DefaultAlignment
	}
	a := int64(alignment)
	return (offset + a - 1) / a * a
}
