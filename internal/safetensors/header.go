// Package safetensors loads Hugging Face SafeTensors checkpoints, single file
// or sharded behind a model.safetensors.index.json weight map.
//
// File layout:
//
//	[8 bytes: header length N, uint64 LE]
//	[N bytes: JSON header {name: {dtype, shape, data_offsets}, "__metadata__": {...}}]
//	[tensor data, offsets relative to the end of the header]
package safetensors

import (
	"encoding/binary"
	"fmt"
	"math"

	json "github.com/goccy/go-json"

	"github.com/casonadams/minerva-sub000/internal/errs"
	"github.com/casonadams/minerva-sub000/internal/quant"
)

const maxHeaderSize = 100 << 20

// dtypes maps the SafeTensors dtype strings this loader decodes.
var dtypes = map[string]quant.DType{
	"F32":  quant.F32,
	"F16":  quant.F16,
	"BF16": quant.BF16,
}

// TensorInfo describes one tensor of a file.
type TensorInfo struct {
	Name  string
	DType quant.DType
	Shape []int
	Start int64 // Relative to File.DataStart.
	End   int64
}

// File is a parsed SafeTensors image.
type File struct {
	Metadata  map[string]string
	Tensors   map[string]TensorInfo
	DataStart int64

	data []byte
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Parse decodes and validates the header of an in-memory SafeTensors file.
// name labels errors.
func Parse(name string, data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, errs.NewSizeMismatch(name, 8, int64(len(data)), "file too short for header length")
	}
	n := binary.LittleEndian.Uint64(data)
	if n > maxHeaderSize || n > uint64(len(data)-8) {
		return nil, errs.NewSizeMismatch(name, int64(n)+8, int64(len(data)), "header length exceeds file") //nolint:gosec // G115: bounded by maxHeaderSize.
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+n], &raw); err != nil {
		return nil, fmt.Errorf("%s: parse header JSON: %w", name, err)
	}

	f := &File{
		Tensors:   make(map[string]TensorInfo, len(raw)),
		DataStart: int64(8 + n), //nolint:gosec // G115: bounded by maxHeaderSize.
		data:      data,
	}
	if meta, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(meta, &f.Metadata); err != nil {
			return nil, fmt.Errorf("%s: parse __metadata__: %w", name, err)
		}
		delete(raw, "__metadata__")
	}

	dataLen := int64(len(data)) - f.DataStart
	for tname, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%s: parse tensor %s: %w", name, tname, err)
		}
		info, err := th.validate(tname, dataLen)
		if err != nil {
			return nil, err
		}
		f.Tensors[tname] = info
	}
	return f, nil
}

func (th *tensorHeader) validate(name string, dataLen int64) (TensorInfo, error) {
	dt, ok := dtypes[th.DType]
	if !ok {
		return TensorInfo{}, &errs.FormatError{Kind: errs.UnknownDType, Tensor: name, Detail: "dtype " + th.DType}
	}
	if len(th.DataOffsets) != 2 {
		return TensorInfo{}, errs.NewSizeMismatch(name, 2, int64(len(th.DataOffsets)), "data_offsets must hold [start, end]")
	}
	elems := int64(1)
	for _, d := range th.Shape {
		if d <= 0 {
			return TensorInfo{}, errs.NewSizeMismatch(name, 1, int64(d), "non-positive dimension")
		}
		// Every decoded dtype is at least one byte per element.
		if int64(d) > dataLen/elems {
			return TensorInfo{}, errs.NewSizeMismatch(name, dataLen, math.MaxInt64,
				fmt.Sprintf("shape %v holds more elements than the %d data bytes", th.Shape, dataLen))
		}
		elems *= int64(d)
	}
	start, end := th.DataOffsets[0], th.DataOffsets[1]
	want := int64(dt.ByteSize(int(elems)))
	if start < 0 || end < start || end-start != want {
		return TensorInfo{}, errs.NewSizeMismatch(name, want, end-start, fmt.Sprintf("byte range [%d, %d) for %s %v", start, end, th.DType, th.Shape))
	}
	if end > dataLen {
		return TensorInfo{}, errs.NewSizeMismatch(name, end, dataLen, "tensor data extends past end of file")
	}
	return TensorInfo{Name: name, DType: dt, Shape: th.Shape, Start: start, End: end}, nil
}

// Data returns the encoded bytes of t.
func (f *File) Data(t TensorInfo) []byte {
	return f.data[f.DataStart+t.Start : f.DataStart+t.End]
}
