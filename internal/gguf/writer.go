package gguf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/casonadams/minerva-sub000/internal/quant"
)

// Writer assembles a version 3 GGUF file. It is used to build fixtures and
// to re-encode models; metadata and tensors are written in insertion order.
type Writer struct {
	Alignment int

	kvs     []writerKV
	tensors []writerTensor
}

type writerKV struct {
	key   string
	value any
}

type writerTensor struct {
	name  string
	typ   quant.DType
	shape []int
	raw   []byte
}

// NewWriter returns a writer using the default alignment.
func NewWriter() *Writer {
	return &Writer{Alignment: DefaultAlignment}
}

// Set adds a metadata entry. Supported values are the GGUF scalar types,
// string, []string, []int32 and []float32.
func (w *Writer) Set(key string, value any) {
	w.kvs = append(w.kvs, writerKV{key, value})
}

// AddTensor adds an encoded tensor. shape is row-major ([out, in]).
func (w *Writer) AddTensor(name string, typ quant.DType, shape []int, raw []byte) {
	w.tensors = append(w.tensors, writerTensor{name, typ, shape, raw})
}

// AddF32 adds an unquantized tensor.
func (w *Writer) AddF32(name string, shape []int, data []float32) {
	raw := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	w.AddTensor(name, quant.F32, shape, raw)
}

// WriteFile writes the file to path.
func (w *Writer) WriteFile(path string) error {
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// WriteTo implements io.WriterTo.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	align := w.Alignment
	if align <= 0 {
		align = DefaultAlignment
	}
	e := &encoder{}
	e.u32(MagicGGUFLE)
	e.u32(Version3)
	e.u64(uint64(len(w.tensors)))
	e.u64(uint64(len(w.kvs)))
	for _, kv := range w.kvs {
		e.str(kv.key)
		if err := e.value(kv.value); err != nil {
			return 0, fmt.Errorf("metadata %q: %w", kv.key, err)
		}
	}

	var offset int64
	offsets := make([]int64, len(w.tensors))
	for i, t := range w.tensors {
		e.str(t.name)
		e.u32(uint32(len(t.shape))) //nolint:gosec // G115: at most maxDims.
		for d := len(t.shape) - 1; d >= 0; d-- {
			e.u64(uint64(t.shape[d])) //nolint:gosec // G115: shapes are positive.
		}
		e.u32(uint32(t.typ))
		e.u64(uint64(offset)) //nolint:gosec // G115: offsets are non-negative.
		offsets[i] = offset
		offset = alignOffset(offset+int64(len(t.raw)), align)
	}

	e.pad(align)
	base := int64(e.buf.Len())
	for i, t := range w.tensors {
		for int64(e.buf.Len()) < base+offsets[i] {
			e.buf.WriteByte(0)
		}
		e.buf.Write(t.raw)
	}
	return e.buf.WriteTo(out)
}

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) u32(v uint32) { _ = binary.Write(&e.buf, binary.LittleEndian, v) }
func (e *encoder) u64(v uint64) { _ = binary.Write(&e.buf, binary.LittleEndian, v) }

func (e *encoder) str(s string) {
	e.u64(uint64(len(s)))
	e.buf.WriteString(s)
}

func (e *encoder) pad(align int) {
	for e.buf.Len()%align != 0 {
		e.buf.WriteByte(0)
	}
}

func (e *encoder) value(v any) error {
	switch x := v.(type) {
	case string:
		e.u32(uint32(ValueTypeString))
		e.str(x)
	case []string:
		e.u32(uint32(ValueTypeArray))
		e.u32(uint32(ValueTypeString))
		e.u64(uint64(len(x)))
		for _, s := range x {
			e.str(s)
		}
	case []int32:
		e.u32(uint32(ValueTypeArray))
		e.u32(uint32(ValueTypeInt32))
		e.u64(uint64(len(x)))
		_ = binary.Write(&e.buf, binary.LittleEndian, x)
	case []float32:
		e.u32(uint32(ValueTypeArray))
		e.u32(uint32(ValueTypeFloat32))
		e.u64(uint64(len(x)))
		_ = binary.Write(&e.buf, binary.LittleEndian, x)
	case bool:
		e.u32(uint32(ValueTypeBool))
		_ = binary.Write(&e.buf, binary.LittleEndian, x)
	default:
		vt, ok := scalarType(v)
		if !ok {
			return fmt.Errorf("unsupported metadata value of type %T", v)
		}
		e.u32(uint32(vt))
		_ = binary.Write(&e.buf, binary.LittleEndian, v)
	}
	return nil
}

func scalarType(v any) (ValueType, bool) {
	switch v.(type) {
	case uint8:
		return ValueTypeUint8, true
	case int8:
		return ValueTypeInt8, true
	case uint16:
		return ValueTypeUint16, true
	case int16:
		return ValueTypeInt16, true
	case uint32:
		return ValueTypeUint32, true
	case int32:
		return ValueTypeInt32, true
	case float32:
		return ValueTypeFloat32, true
	case uint64:
		return ValueTypeUint64, true
	case int64:
		return ValueTypeInt64, true
	case float64:
		return ValueTypeFloat64, true
	}
	return 0, false
}
