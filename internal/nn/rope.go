package nn

import (
	"fmt"
	"math"

	"github.com/casonadams/minerva-sub000/internal/tensor"
)

// RopeStyle selects how rotary embeddings pair up dimensions.
type RopeStyle int

const (
	// RopeInterleaved rotates adjacent pairs (2i, 2i+1). GGUF llama checkpoints
	// store Q/K permuted for this layout.
	RopeInterleaved RopeStyle = iota
	// RopeHalf rotates (i, i+headDim/2), the rotate_half layout of Hugging Face
	// checkpoints.
	RopeHalf
)

func (s RopeStyle) String() string {
	if s == RopeHalf {
		return "half"
	}
	return "interleaved"
}

// RoPE applies rotary position embeddings to x [seq, numHeads*headDim].
// Row i is rotated for position startPos+i using θ_k = theta^(-2k/headDim).
//
// Args:
//   - x: Q or K projections, heads concatenated along columns
//   - numHeads, headDim: head layout of x; headDim must be even
//   - startPos: absolute position of row 0 (the KV cache length)
//   - theta: frequency base, 10000 for LLaMA 2 and 500000 for LLaMA 3
//   - style: RopeInterleaved pairs (2k, 2k+1), RopeHalf pairs (k, k+headDim/2)
//
// Returns:
//   - A new array with the same shape as x
//
// Example:
//
//	q, err = nn.RoPE(q, 32, 128, cache.Len(), 500000, nn.RopeHalf)
func RoPE(x *tensor.Array, numHeads, headDim, startPos int, theta float64, style RopeStyle) (*tensor.Array, error) {
	if err := hostData("rope", x); err != nil {
		return nil, err
	}
	if headDim%2 != 0 {
		return nil, shapeErr("rope needs an even head_dim, got %d", headDim)
	}
	if x.Shape().Cols() != numHeads*headDim {
		return nil, shapeErr("rope rows have %d features, want %d", x.Shape().Cols(), numHeads*headDim)
	}
	if theta <= 0 {
		return nil, fmt.Errorf("rope theta must be positive, got %g", theta)
	}

	out, err := x.Clone()
	if err != nil {
		return nil, err
	}
	half := headDim / 2
	cos := make([]float32, half)
	sin := make([]float32, half)
	od := out.Data()
	cols := numHeads * headDim

	for i := 0; i < x.Shape().Rows(); i++ {
		pos := float64(startPos + i)
		for k := 0; k < half; k++ {
			freq := math.Pow(theta, -float64(2*k)/float64(headDim))
			cos[k] = float32(math.Cos(pos * freq))
			sin[k] = float32(math.Sin(pos * freq))
		}
		row := od[i*cols : (i+1)*cols]
		for h := 0; h < numHeads; h++ {
			v := row[h*headDim : (h+1)*headDim]
			for k := 0; k < half; k++ {
				a, b := k*2, k*2+1
				if style == RopeHalf {
					a, b = k, k+half
				}
				x0, x1 := v[a], v[b]
				v[a] = x0*cos[k] - x1*sin[k]
				v[b] = x0*sin[k] + x1*cos[k]
			}
		}
	}
	return out, nil
}
