package quant

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/x448/float16"

	"github.com/casonadams/minerva-sub000/internal/errs"
)

// Dequantize decodes raw into n float32 values.
func Dequantize(t DType, raw []byte, n int) ([]float32, error) {
	out := make([]float32, n)
	if err := DequantizeInto(out, t, raw); err != nil {
		return nil, err
	}
	return out, nil
}

// DequantizeInto decodes raw into dst.
//
// len(raw) must be a whole number of blocks (MisalignedBlock otherwise) and the
// decoded element count must equal len(dst) (SizeMismatch otherwise).
func DequantizeInto(dst []float32, t DType, raw []byte) error {
	tr, ok := traits[t]
	if !ok {
		return &errs.FormatError{Kind: errs.UnknownDType, Actual: int64(t), Detail: t.String()}
	}
	if len(raw)%tr.TypeSize != 0 {
		want := (len(raw)/tr.TypeSize + 1) * tr.TypeSize
		return errs.NewMisaligned("", int64(want), int64(len(raw)),
			fmt.Sprintf("%s blocks are %d bytes", tr.Name, tr.TypeSize))
	}
	blocks := len(raw) / tr.TypeSize
	if blocks*tr.BlockSize != len(dst) {
		return errs.NewSizeMismatch("", int64(len(dst)), int64(blocks*tr.BlockSize), "decoded element count")
	}

	if !tr.Quantized {
		decodeFloat(dst, t, raw)
		return nil
	}

	dec := blockDecoders[t]
	for b := 0; b < blocks; b++ {
		dec(raw[b*tr.TypeSize:(b+1)*tr.TypeSize], dst[b*tr.BlockSize:(b+1)*tr.BlockSize])
	}
	return nil
}

// DequantizeBlock decodes exactly one block into dst, which must hold the
// format's block size elements.
func DequantizeBlock(t DType, block []byte, dst []float32) error {
	tr, ok := traits[t]
	if !ok {
		return &errs.FormatError{Kind: errs.UnknownDType, Actual: int64(t), Detail: t.String()}
	}
	if len(block) != tr.TypeSize {
		return errs.NewMisaligned("", int64(tr.TypeSize), int64(len(block)), tr.Name+" block")
	}
	if len(dst) != tr.BlockSize {
		return errs.NewSizeMismatch("", int64(tr.BlockSize), int64(len(dst)), tr.Name+" block elements")
	}
	if !tr.Quantized {
		decodeFloat(dst, t, block)
		return nil
	}
	blockDecoders[t](block, dst)
	return nil
}

// streamBlocks is the number of blocks decoded per read in DequantizeReader.
const streamBlocks = 1024

// DequantizeReader decodes len(dst) elements of type t read from r, holding at
// most a few KiB of encoded bytes at a time.
func DequantizeReader(r io.Reader, t DType, dst []float32) error {
	tr, ok := traits[t]
	if !ok {
		return &errs.FormatError{Kind: errs.UnknownDType, Actual: int64(t), Detail: t.String()}
	}
	if len(dst)%tr.BlockSize != 0 {
		return errs.NewSizeMismatch("", int64((len(dst)/tr.BlockSize+1)*tr.BlockSize), int64(len(dst)),
			fmt.Sprintf("%s holds %d elements per block", tr.Name, tr.BlockSize))
	}
	buf := make([]byte, streamBlocks*tr.TypeSize)
	for done := 0; done < len(dst); {
		blocks := min(streamBlocks, (len(dst)-done)/tr.BlockSize)
		chunk := buf[:blocks*tr.TypeSize]
		if _, err := io.ReadFull(r, chunk); err != nil {
			return fmt.Errorf("read %s blocks: %w", tr.Name, err)
		}
		if err := DequantizeInto(dst[done:done+blocks*tr.BlockSize], t, chunk); err != nil {
			return err
		}
		done += blocks * tr.BlockSize
	}
	return nil
}

func decodeFloat(dst []float32, t DType, raw []byte) {
	switch t {
	case F32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case F16:
		for i := range dst {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case BF16:
		for i := range dst {
			dst[i] = BF16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	}
}

// F16ToFloat32 widens an IEEE 754 half.
func F16ToFloat32(h uint16) float32 {
	return float16.Frombits(h).Float32()
}

// BF16ToFloat32 widens a bfloat16.
func BF16ToFloat32(h uint16) float32 {
	return math.Float32frombits(uint32(h) << 16)
}

type blockDecoder func(block []byte, y []float32)

var blockDecoders = map[DType]blockDecoder{
	Q4_0:  dequantizeQ4_0,
	Q4_1:  dequantizeQ4_1,
	Q5_0:  dequantizeQ5_0,
	Q5_1:  dequantizeQ5_1,
	Q8_0:  dequantizeQ8_0,
	Q8_1:  dequantizeQ8_1,
	Q4_K:  dequantizeQ4_K,
	Q6_K:  dequantizeQ6_K,
	MXFP4: dequantizeMXFP4,
}

func half(b []byte) float32 {
	return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
}

// Q4_0: half d, uint8 qs[16].
// Low nibbles hold elements 0..15, high nibbles elements 16..31.
// x = (q - 8) * d.
func dequantizeQ4_0(b []byte, y []float32) {
	d := half(b[0:2])
	qs := b[2:18]
	for j := 0; j < QK/2; j++ {
		y[j] = float32(int(qs[j]&0x0F)-8) * d
		y[j+QK/2] = float32(int(qs[j]>>4)-8) * d
	}
}

// Q4_1: half d, half m, uint8 qs[16].
// x = q * d + m.
func dequantizeQ4_1(b []byte, y []float32) {
	d := half(b[0:2])
	m := half(b[2:4])
	qs := b[4:20]
	for j := 0; j < QK/2; j++ {
		y[j] = float32(qs[j]&0x0F)*d + m
		y[j+QK/2] = float32(qs[j]>>4)*d + m
	}
}

// Q5_0: half d, uint32 qh, uint8 qs[16].
// Bit j of qh is the fifth bit of element j, bit j+16 of element j+16.
// x = (q - 16) * d.
func dequantizeQ5_0(b []byte, y []float32) {
	d := half(b[0:2])
	qh := binary.LittleEndian.Uint32(b[2:6])
	qs := b[6:22]
	for j := 0; j < QK/2; j++ {
		xh0 := byte(((qh >> j) << 4) & 0x10)
		xh1 := byte((qh >> (j + 12)) & 0x10)
		x0 := int((qs[j]&0x0F)|xh0) - 16
		x1 := int((qs[j]>>4)|xh1) - 16
		y[j] = float32(x0) * d
		y[j+QK/2] = float32(x1) * d
	}
}

// Q5_1: half d, half m, uint32 qh, uint8 qs[16].
// x = q * d + m.
func dequantizeQ5_1(b []byte, y []float32) {
	d := half(b[0:2])
	m := half(b[2:4])
	qh := binary.LittleEndian.Uint32(b[4:8])
	qs := b[8:24]
	for j := 0; j < QK/2; j++ {
		xh0 := byte(((qh >> j) << 4) & 0x10)
		xh1 := byte((qh >> (j + 12)) & 0x10)
		x0 := (qs[j] & 0x0F) | xh0
		x1 := (qs[j] >> 4) | xh1
		y[j] = float32(x0)*d + m
		y[j+QK/2] = float32(x1)*d + m
	}
}

// Q8_0: half d, int8 qs[32].
func dequantizeQ8_0(b []byte, y []float32) {
	d := half(b[0:2])
	for j := 0; j < QK; j++ {
		y[j] = float32(int8(b[2+j])) * d
	}
}

// Q8_1: half d, half s, int8 qs[32]. s caches d * sum(qs) and is not needed to decode.
func dequantizeQ8_1(b []byte, y []float32) {
	d := half(b[0:2])
	for j := 0; j < QK; j++ {
		y[j] = float32(int8(b[4+j])) * d
	}
}

// Q4_K: half d, half dmin, uint8 scales[12], uint8 qs[128].
// Eight sub-blocks of 32 elements, each with a 6-bit scale and 6-bit min packed in scales.
func dequantizeQ4_K(b []byte, y []float32) {
	d := half(b[0:2])
	dmin := half(b[2:4])
	scales := b[4:16]
	q := b[16:144]

	is := 0
	yi := 0
	for j := 0; j < QKK; j += 64 {
		sc1, m1 := scaleMinK4(is, scales)
		sc2, m2 := scaleMinK4(is+1, scales)
		d1 := d * float32(sc1)
		mm1 := dmin * float32(m1)
		d2 := d * float32(sc2)
		mm2 := dmin * float32(m2)
		for l := 0; l < 32; l++ {
			y[yi+l] = d1*float32(q[l]&0x0F) - mm1
		}
		for l := 0; l < 32; l++ {
			y[yi+32+l] = d2*float32(q[l]>>4) - mm2
		}
		q = q[32:]
		yi += 64
		is += 2
	}
}

func scaleMinK4(j int, s []byte) (uint8, uint8) {
	if j < 4 {
		return s[j] & 63, s[j+4] & 63
	}
	d := (s[j+4] & 0x0F) | ((s[j-4] >> 6) << 4)
	m := (s[j+4] >> 4) | ((s[j] >> 6) << 4)
	return d, m
}

// Q6_K: uint8 ql[128], uint8 qh[64], int8 scales[16], half d.
// Each element is 4 low bits from ql and 2 high bits from qh, offset by 32.
func dequantizeQ6_K(b []byte, y []float32) {
	ql := b[0:128]
	qh := b[128:192]
	sc := b[192:208]
	d := half(b[208:210])

	yi := 0
	for n := 0; n < QKK; n += 128 {
		for l := 0; l < 32; l++ {
			is := l / 16
			q1 := int8((ql[l]&0x0F)|((qh[l]&3)<<4)) - 32
			q2 := int8((ql[l+32]&0x0F)|(((qh[l]>>2)&3)<<4)) - 32
			q3 := int8((ql[l]>>4)|(((qh[l]>>4)&3)<<4)) - 32
			q4 := int8((ql[l+32]>>4)|(((qh[l]>>6)&3)<<4)) - 32
			y[yi+l] = d * float32(int8(sc[is])) * float32(q1)
			y[yi+l+32] = d * float32(int8(sc[is+2])) * float32(q2)
			y[yi+l+64] = d * float32(int8(sc[is+4])) * float32(q3)
			y[yi+l+96] = d * float32(int8(sc[is+6])) * float32(q4)
		}
		yi += 128
		ql = ql[64:]
		qh = qh[32:]
		sc = sc[8:]
	}
}

// kvalueMXFP4 is the E2M1 code table doubled so it fits in int8. The matching
// halving is folded into e8m0Half.
var kvalueMXFP4 = [16]int8{0, 1, 2, 3, 4, 6, 8, 12, 0, -1, -2, -3, -4, -6, -8, -12}

// e8m0Half returns 2^(e-128), i.e. half the E8M0 scale 2^(e-127).
func e8m0Half(e uint8) float32 {
	var bits uint32
	if e < 2 {
		bits = 0x00200000 << e
	} else {
		bits = uint32(e-1) << 23
	}
	return math.Float32frombits(bits)
}

// MXFP4: uint8 e (shared E8M0 exponent), uint8 qs[16] of E2M1 nibbles.
// x = kvalue[nibble] * 2^(e-128).
func dequantizeMXFP4(b []byte, y []float32) {
	d := e8m0Half(b[0])
	qs := b[1:17]
	for j := 0; j < QK/2; j++ {
		y[j] = float32(kvalueMXFP4[qs[j]&0x0F]) * d
		y[j+QK/2] = float32(kvalueMXFP4[qs[j]>>4]) * d
	}
}
