// Package quant decodes ggml block-quantized tensor data into float32.
//
// Block layouts follow the ggml reference implementation byte for byte. Each
// format packs a fixed number of elements (the block size) into a fixed number of
// bytes (the type size) and the decoder walks the input one block at a time.
//
// Reference: https://github.com/ggml-org/ggml/blob/master/src/ggml-quants.c
package quant

import "fmt"

// DType identifies an element encoding. Values match ggml_type so GGUF
// descriptors can be converted directly.
type DType uint32

// Supported encodings.
//
//nolint:revive // Underscores in names match GGML specification.
const (
	F32   DType = 0
	F16   DType = 1
	Q4_0  DType = 2
	Q4_1  DType = 3
	Q5_0  DType = 6
	Q5_1  DType = 7
	Q8_0  DType = 8
	Q8_1  DType = 9
	Q4_K  DType = 12
	Q6_K  DType = 14
	BF16  DType = 30
	MXFP4 DType = 39
)

// QK is the element count of the small block formats.
const QK = 32

// QKK is the element count of a k-quant super-block.
const QKK = 256

// Trait describes one encoding's block geometry.
type Trait struct {
	BlockSize int // Elements per block.
	TypeSize  int // Bytes per block.
	Quantized bool
	Name      string
}

var traits = map[DType]Trait{
	F32:   {BlockSize: 1, TypeSize: 4, Name: "F32"},
	F16:   {BlockSize: 1, TypeSize: 2, Name: "F16"},
	BF16:  {BlockSize: 1, TypeSize: 2, Name: "BF16"},
	Q4_0:  {BlockSize: QK, TypeSize: 2 + QK/2, Quantized: true, Name: "Q4_0"},
	Q4_1:  {BlockSize: QK, TypeSize: 4 + QK/2, Quantized: true, Name: "Q4_1"},
	Q5_0:  {BlockSize: QK, TypeSize: 6 + QK/2, Quantized: true, Name: "Q5_0"},
	Q5_1:  {BlockSize: QK, TypeSize: 8 + QK/2, Quantized: true, Name: "Q5_1"},
	Q8_0:  {BlockSize: QK, TypeSize: 2 + QK, Quantized: true, Name: "Q8_0"},
	Q8_1:  {BlockSize: QK, TypeSize: 4 + QK, Quantized: true, Name: "Q8_1"},
	Q4_K:  {BlockSize: QKK, TypeSize: 4 + 12 + QKK/2, Quantized: true, Name: "Q4_K"},
	Q6_K:  {BlockSize: QKK, TypeSize: QKK/2 + QKK/4 + QKK/16 + 2, Quantized: true, Name: "Q6_K"},
	MXFP4: {BlockSize: QK, TypeSize: 1 + QK/2, Quantized: true, Name: "MXFP4"},
}

// Lookup returns the trait for t and whether t is supported.
func Lookup(t DType) (Trait, bool) {
	tr, ok := traits[t]
	return tr, ok
}

// Supported reports whether the codec can decode t.
func (t DType) Supported() bool {
	_, ok := traits[t]
	return ok
}

// String returns the ggml name of the encoding.
func (t DType) String() string {
	if tr, ok := traits[t]; ok {
		return tr.Name
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

// ByteSize returns the encoded size of n elements, or -1 if n is not a whole
// number of blocks or t is unsupported.
func (t DType) ByteSize(n int) int {
	tr, ok := traits[t]
	if !ok || n%tr.BlockSize != 0 {
		return -1
	}
	return n / tr.BlockSize * tr.TypeSize
}

// ParseDType maps a ggml or SafeTensors dtype name to a DType.
func ParseDType(name string) (DType, bool) {
	for t, tr := range traits {
		if tr.Name == name {
			return t, true
		}
	}
	return 0, false
}
