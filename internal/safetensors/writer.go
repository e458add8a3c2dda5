package safetensors

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	"github.com/x448/float16"

	"github.com/casonadams/minerva-sub000/internal/quant"
)

// Writer assembles a single SafeTensors file.
type Writer struct {
	Metadata map[string]string

	entries []entry
}

type entry struct {
	name  string
	dtype string
	shape []int
	raw   []byte
}

// Add encodes data as dtype (F32, F16 or BF16).
func (w *Writer) Add(name string, dtype quant.DType, shape []int, data []float32) {
	var raw []byte
	var tag string
	switch dtype {
	case quant.F16:
		tag = "F16"
		raw = make([]byte, 2*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint16(raw[2*i:], float16.Fromfloat32(v).Bits())
		}
	case quant.BF16:
		tag = "BF16"
		raw = make([]byte, 2*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint16(raw[2*i:], toBF16(v))
		}
	default:
		tag = "F32"
		raw = make([]byte, 4*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
		}
	}
	w.entries = append(w.entries, entry{name, tag, shape, raw})
}

// toBF16 rounds to nearest even.
func toBF16(v float32) uint16 {
	b := math.Float32bits(v)
	if v != v {
		return uint16(b>>16) | 0x40
	}
	b += 0x7fff + (b>>16)&1
	return uint16(b >> 16)
}

// Bytes returns the encoded file.
func (w *Writer) Bytes() ([]byte, error) {
	header := make(map[string]any, len(w.entries)+1)
	if len(w.Metadata) > 0 {
		header["__metadata__"] = w.Metadata
	}
	var offset int64
	for _, e := range w.entries {
		end := offset + int64(len(e.raw))
		header[e.name] = tensorHeader{DType: e.dtype, Shape: e.shape, DataOffsets: []int64{offset, end}}
		offset = end
	}
	hj, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	// Pad the header with spaces to keep tensor data 8-byte aligned.
	for (len(hj)+8)%8 != 0 {
		hj = append(hj, ' ')
	}
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(hj)))
	buf.Write(hj)
	for _, e := range w.entries {
		buf.Write(e.raw)
	}
	return buf.Bytes(), nil
}

// WriteFile writes the encoded file to path.
func (w *Writer) WriteFile(path string) error {
	b, err := w.Bytes()
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// WriteIndex writes a model.safetensors.index.json into dir.
func WriteIndex(dir string, weightMap map[string]string) error {
	b, err := json.MarshalIndent(index{WeightMap: weightMap}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, IndexFile), b, 0o600)
}
