package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/casonadams/minerva-sub000/internal/errs"
	"github.com/casonadams/minerva-sub000/internal/quant"
)

// Sanity limits on header-declared lengths.
const (
	maxStringLen = 1 << 20
	maxArrayLen  = 100_000_000
)

// Parse decodes the header, metadata and tensor descriptors of an in-memory
// GGUF image and validates every descriptor against the data section. No
// tensor data is decoded.
func Parse(data []byte) (*File, error) {
	p := &parser{data: data}
	return p.parse()
}

type parser struct {
	data []byte
	off  int64
	v1   bool
}

func (p *parser) parse() (*File, error) {
	file := &File{
		Metadata:  make(map[string]any),
		Alignment: DefaultAlignment,
		Size:      int64(len(p.data)),
		data:      p.data,
	}

	if err := p.parseHeader(&file.Header); err != nil {
		return nil, err
	}

	for i := uint64(0); i < file.Header.MetadataKVCount; i++ {
		key, value, err := p.parseMetadataKV()
		if err != nil {
			return nil, fmt.Errorf("parse metadata kv %d: %w", i, err)
		}
		file.Metadata[key] = value
	}
	if a, ok := file.Int("general.alignment"); ok {
		if a <= 0 || a&(a-1) != 0 {
			return nil, errs.NewMisaligned("general.alignment", DefaultAlignment, a, "alignment must be a power of two")
		}
		file.Alignment = int(a)
	}

	if file.Header.TensorCount > uint64(len(p.data)) {
		return nil, errs.NewSizeMismatch("", int64(len(p.data)), int64(file.Header.TensorCount), //nolint:gosec // G115: compared against file size.
			"tensor count exceeds file size")
	}
	file.Tensors = make([]TensorInfo, file.Header.TensorCount)
	for i := range file.Tensors {
		if err := p.parseTensorInfo(&file.Tensors[i]); err != nil {
			return nil, fmt.Errorf("parse tensor info %d: %w", i, err)
		}
	}

	file.DataOffset = alignOffset(p.off, file.Alignment)
	for i := range file.Tensors {
		if err := file.checkTensor(&file.Tensors[i]); err != nil {
			return nil, err
		}
	}
	return file, nil
}

// checkTensor validates one descriptor against the data section.
func (f *File) checkTensor(t *TensorInfo) error {
	if !t.Type.Supported() {
		return &errs.FormatError{Kind: errs.UnknownDType, Tensor: t.Name, Actual: int64(t.Type), Detail: t.Type.String()}
	}
	if t.Offset%uint64(f.Alignment) != 0 { //nolint:gosec // G115: alignment is positive.
		next := (t.Offset/uint64(f.Alignment) + 1) * uint64(f.Alignment) //nolint:gosec // G115: alignment is positive.
		return errs.NewMisaligned(t.Name, int64(next), int64(t.Offset), //nolint:gosec // G115: offsets bounded below.
			fmt.Sprintf("tensor offset must be a multiple of %d", f.Alignment))
	}
	// No supported type packs two or more elements into a byte.
	if n, ok := t.checkedElements(); !ok || n/2 > uint64(f.Size) { //nolint:gosec // G115: size is non-negative.
		actual := int64(math.MaxInt64)
		if ok {
			actual = int64(n) //nolint:gosec // G115: checked above.
		}
		return errs.NewSizeMismatch(t.Name, 2*f.Size, actual,
			fmt.Sprintf("dims %v hold more elements than a %d byte file", t.Dims, f.Size))
	}
	size := t.Size()
	if size < 0 {
		trait, _ := quant.Lookup(t.Type)
		bs := uint64(trait.BlockSize)
		row := uint64(1)
		if len(t.Dims) > 0 {
			row = t.Dims[0]
		}
		return errs.NewMisaligned(t.Name, int64((row/bs+1)*bs), int64(row), //nolint:gosec // G115: dims bounded by file size.
			fmt.Sprintf("row length must be a multiple of the %s block size %d", t.Type, bs))
	}
	if t.Offset > uint64(f.Size) { //nolint:gosec // G115: size is non-negative.
		return errs.NewSizeMismatch(t.Name, f.Size, int64(t.Offset), "tensor offset past end of file") //nolint:gosec // G115: checked above.
	}
	end := f.DataOffset + int64(t.Offset) + size //nolint:gosec // G115: checked above.
	if end > f.Size || end < f.DataOffset {
		return errs.NewSizeMismatch(t.Name, end, f.Size, "tensor data extends past end of file")
	}
	return nil
}

func (p *parser) parseHeader(h *Header) error {
	magic, err := p.u32()
	if err != nil {
		return &errs.FormatError{Kind: errs.BadMagic, Detail: "file too short for GGUF header"}
	}
	h.Magic = magic
	switch magic {
	case MagicGGUFLE:
	case MagicGGUFBE:
		return &errs.FormatError{Kind: errs.BadMagic, Expected: int64(MagicGGUFLE), Actual: int64(magic), Detail: "big-endian GGUF is not supported"}
	default:
		return &errs.FormatError{Kind: errs.BadMagic, Expected: int64(MagicGGUFLE), Actual: int64(magic)}
	}

	if h.Version, err = p.u32(); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if h.Version < Version1 || h.Version > Version3 {
		return fmt.Errorf("unsupported GGUF version %d (supported: 1-3)", h.Version)
	}
	p.v1 = h.Version == Version1

	if h.TensorCount, err = p.count(); err != nil {
		return fmt.Errorf("read tensor count: %w", err)
	}
	if h.MetadataKVCount, err = p.count(); err != nil {
		return fmt.Errorf("read metadata kv count: %w", err)
	}
	return nil
}

func (p *parser) parseMetadataKV() (string, any, error) {
	key, err := p.str()
	if err != nil {
		return "", nil, fmt.Errorf("read key: %w", err)
	}
	vt, err := p.u32()
	if err != nil {
		return "", nil, fmt.Errorf("read value type of %q: %w", key, err)
	}
	value, err := p.parseValue(ValueType(vt))
	if err != nil {
		return "", nil, fmt.Errorf("read value of %q: %w", key, err)
	}
	return key, value, nil
}

func (p *parser) parseValue(t ValueType) (any, error) {
	switch t {
	case ValueTypeUint8:
		b, err := p.take(1)
		if err != nil {
			return nil, err
		}
		return b[0], nil
	case ValueTypeInt8:
		b, err := p.take(1)
		if err != nil {
			return nil, err
		}
		return int8(b[0]), nil
	case ValueTypeBool:
		b, err := p.take(1)
		if err != nil {
			return nil, err
		}
		return b[0] != 0, nil
	case ValueTypeUint16:
		b, err := p.take(2)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.Uint16(b), nil
	case ValueTypeInt16:
		b, err := p.take(2)
		if err != nil {
			return nil, err
		}
		return int16(binary.LittleEndian.Uint16(b)), nil //nolint:gosec // G115: bit reinterpretation.
	case ValueTypeUint32:
		return p.u32()
	case ValueTypeInt32:
		v, err := p.u32()
		return int32(v), err //nolint:gosec // G115: bit reinterpretation.
	case ValueTypeFloat32:
		v, err := p.u32()
		return math.Float32frombits(v), err
	case ValueTypeUint64:
		return p.u64()
	case ValueTypeInt64:
		v, err := p.u64()
		return int64(v), err //nolint:gosec // G115: bit reinterpretation.
	case ValueTypeFloat64:
		v, err := p.u64()
		return math.Float64frombits(v), err
	case ValueTypeString:
		return p.str()
	case ValueTypeArray:
		return p.parseArray()
	}
	return nil, fmt.Errorf("unknown value type %d", uint32(t))
}

// parseArray returns typed slices for the common element types and []any for
// the rest (including nested arrays).
func (p *parser) parseArray() (any, error) {
	et, err := p.u32()
	if err != nil {
		return nil, fmt.Errorf("read array element type: %w", err)
	}
	n, err := p.count()
	if err != nil {
		return nil, fmt.Errorf("read array length: %w", err)
	}
	if n > maxArrayLen {
		return nil, fmt.Errorf("array too large: %d elements", n)
	}
	switch ValueType(et) {
	case ValueTypeString:
		out := make([]string, 0, min(n, 1<<16))
		for i := uint64(0); i < n; i++ {
			s, err := p.str()
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	case ValueTypeInt32:
		out := make([]int32, 0, min(n, 1<<16))
		for i := uint64(0); i < n; i++ {
			v, err := p.u32()
			if err != nil {
				return nil, err
			}
			out = append(out, int32(v)) //nolint:gosec // G115: bit reinterpretation.
		}
		return out, nil
	case ValueTypeFloat32:
		out := make([]float32, 0, min(n, 1<<16))
		for i := uint64(0); i < n; i++ {
			v, err := p.u32()
			if err != nil {
				return nil, err
			}
			out = append(out, math.Float32frombits(v))
		}
		return out, nil
	}
	out := make([]any, 0, min(n, 1<<16))
	for i := uint64(0); i < n; i++ {
		v, err := p.parseValue(ValueType(et))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (p *parser) parseTensorInfo(t *TensorInfo) error {
	name, err := p.str()
	if err != nil {
		return fmt.Errorf("read tensor name: %w", err)
	}
	t.Name = name

	ndims, err := p.u32()
	if err != nil {
		return fmt.Errorf("read ndims of %q: %w", name, err)
	}
	if ndims > maxDims {
		return fmt.Errorf("tensor %q has too many dimensions: %d", name, ndims)
	}
	t.Dims = make([]uint64, ndims)
	for i := range t.Dims {
		if t.Dims[i], err = p.count(); err != nil {
			return fmt.Errorf("read dimension %d of %q: %w", i, name, err)
		}
		if t.Dims[i] == 0 {
			return errs.NewSizeMismatch(name, 1, 0, fmt.Sprintf("dimension %d is zero", i))
		}
	}

	typ, err := p.u32()
	if err != nil {
		return fmt.Errorf("read type of %q: %w", name, err)
	}
	t.Type = quant.DType(typ)

	if t.Offset, err = p.u64(); err != nil {
		return fmt.Errorf("read offset of %q: %w", name, err)
	}
	return nil
}

func (p *parser) take(n uint64) ([]byte, error) {
	if n > uint64(int64(len(p.data))-p.off) { //nolint:gosec // G115: off <= len.
		return nil, io.ErrUnexpectedEOF
	}
	b := p.data[p.off : p.off+int64(n)] //nolint:gosec // G115: bounded above.
	p.off += int64(n)                   //nolint:gosec // G115: bounded above.
	return b, nil
}

func (p *parser) u32() (uint32, error) {
	b, err := p.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (p *parser) u64() (uint64, error) {
	b, err := p.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// count reads a length or count field, which is 32-bit in version 1 files.
func (p *parser) count() (uint64, error) {
	if p.v1 {
		v, err := p.u32()
		return uint64(v), err
	}
	return p.u64()
}

// str reads a length-prefixed, not NUL-terminated, string.
func (p *parser) str() (string, error) {
	n, err := p.count()
	if err != nil {
		return "", fmt.Errorf("read string length: %w", err)
	}
	if n > maxStringLen {
		return "", fmt.Errorf("string too long: %d bytes", n)
	}
	b, err := p.take(n)
	if err != nil {
		return "", fmt.Errorf("read string data: %w", err)
	}
	return string(b), nil
}
