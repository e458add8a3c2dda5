package quant

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"

	"github.com/casonadams/minerva-sub000/internal/errs"
)

// QuantizeQ8_0 encodes src as Q8_0 blocks using the ggml reference rounding.
//
//nolint:revive // Underscore matches GGML naming.
func QuantizeQ8_0(src []float32) ([]byte, error) {
	if len(src)%QK != 0 {
		return nil, errs.NewMisaligned("", int64((len(src)/QK+1)*QK), int64(len(src)), "Q8_0 needs whole blocks of 32")
	}
	tr := traits[Q8_0]
	out := make([]byte, len(src)/QK*tr.TypeSize)
	for b := 0; b < len(src)/QK; b++ {
		x := src[b*QK : (b+1)*QK]
		blk := out[b*tr.TypeSize:]

		var amax float32
		for _, v := range x {
			amax = max(amax, float32(math.Abs(float64(v))))
		}
		d := amax / 127
		var id float32
		if d != 0 {
			id = 1 / d
		}
		binary.LittleEndian.PutUint16(blk[0:2], float16.Fromfloat32(d).Bits())
		for j, v := range x {
			blk[2+j] = byte(int8(math.Round(float64(v * id))))
		}
	}
	return out, nil
}

// QuantizeQ4_0 encodes src as Q4_0 blocks using the ggml reference rounding.
//
//nolint:revive // Underscore matches GGML naming.
func QuantizeQ4_0(src []float32) ([]byte, error) {
	if len(src)%QK != 0 {
		return nil, errs.NewMisaligned("", int64((len(src)/QK+1)*QK), int64(len(src)), "Q4_0 needs whole blocks of 32")
	}
	tr := traits[Q4_0]
	out := make([]byte, len(src)/QK*tr.TypeSize)
	for b := 0; b < len(src)/QK; b++ {
		x := src[b*QK : (b+1)*QK]
		blk := out[b*tr.TypeSize:]

		var amax, vmax float32
		for _, v := range x {
			if a := float32(math.Abs(float64(v))); a > amax {
				amax = a
				vmax = v
			}
		}
		d := vmax / -8
		var id float32
		if d != 0 {
			id = 1 / d
		}
		binary.LittleEndian.PutUint16(blk[0:2], float16.Fromfloat32(d).Bits())
		for j := 0; j < QK/2; j++ {
			x0 := min(15, int8(x[j]*id+8.5))
			x1 := min(15, int8(x[j+QK/2]*id+8.5))
			blk[2+j] = byte(x0) | byte(x1)<<4
		}
	}
	return out, nil
}
