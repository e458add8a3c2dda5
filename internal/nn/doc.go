// Package nn provides the transformer kernels of the forward pass: RMSNorm,
// matrix multiplication, activations, softmax, rotary embeddings, grouped-query
// attention (full and tiled) and the SwiGLU feed-forward block.
//
// Kernels are pure functions over CPU-resident tensor.Arrays. They allocate
// their output and never modify their inputs or any cache state.
//
// Layout conventions:
//
//	activations  [rows, features] row-major
//	weights      [out, in] row-major, so MatMul computes x · Wᵗ
//	attention    Q [seq, numHeads*headDim], K/V [kvLen, numKVHeads*headDim]
package nn

import (
	"fmt"

	"github.com/casonadams/minerva-sub000/internal/errs"
	"github.com/casonadams/minerva-sub000/internal/parallel"
	"github.com/casonadams/minerva-sub000/internal/tensor"
)

// Parallel controls the row-parallel loops of the heavier kernels.
var Parallel = parallel.DefaultConfig()

func shapeErr(format string, args ...interface{}) error {
	return &errs.GraphError{Kind: errs.ShapeMismatch, Node: -1, Input: -1, Detail: fmt.Sprintf(format, args...)}
}

func hostData(op string, arrays ...*tensor.Array) error {
	for _, a := range arrays {
		if a.Device() != tensor.CPU {
			return &errs.GraphError{
				Kind: errs.DeviceMismatch, Node: -1, Input: -1,
				Detail: fmt.Sprintf("%s runs on CPU, input is on %s", op, a.Device()),
			}
		}
	}
	return nil
}
