package nn

import (
	"github.com/casonadams/minerva-sub000/internal/parallel"
	"github.com/casonadams/minerva-sub000/internal/tensor"
)

// MatMul computes x · Wᵗ for x [rows, in] and w [out, in], returning [rows, out].
func MatMul(x, w *tensor.Array) (*tensor.Array, error) {
	return matMul(x, w, nil, ActNone)
}

// MatMulAdd computes x · Wᵗ + b in one pass. b is either [rows, out] or a
// [out] bias broadcast over rows.
func MatMulAdd(x, w, b *tensor.Array) (*tensor.Array, error) {
	return matMul(x, w, b, ActNone)
}

// MatMulAct computes act(x · Wᵗ) in one pass.
func MatMulAct(x, w *tensor.Array, act Activation) (*tensor.Array, error) {
	return matMul(x, w, nil, act)
}

// MatMulAddAct computes act(x · Wᵗ + b) in one pass.
func MatMulAddAct(x, w, b *tensor.Array, act Activation) (*tensor.Array, error) {
	return matMul(x, w, b, act)
}

func matMul(x, w, b *tensor.Array, act Activation) (*tensor.Array, error) {
	if err := hostData("matmul", x, w); err != nil {
		return nil, err
	}
	in := x.Shape().Cols()
	rows := x.Shape().Rows()
	if len(w.Shape()) != 2 || w.Shape()[1] != in {
		return nil, shapeErr("matmul weight %s does not take %d inputs", w.Shape(), in)
	}
	outDim := w.Shape()[0]
	var bd []float32
	if b != nil {
		if err := hostData("matmul", b); err != nil {
			return nil, err
		}
		if b.Len() != outDim && b.Len() != rows*outDim {
			return nil, shapeErr("addend %s does not match output (%d, %d)", b.Shape(), rows, outDim)
		}
		bd = b.Data()
	}

	outShape := append(x.Shape()[:len(x.Shape())-1].Clone(), outDim)
	out, err := tensor.New(outShape)
	if err != nil {
		return nil, err
	}
	xd, wd, od := x.Data(), w.Data(), out.Data()

	parallel.For(rows*outDim, func(idx int) {
		r, o := idx/outDim, idx%outDim
		xr := xd[r*in : (r+1)*in]
		wr := wd[o*in : (o+1)*in]
		var sum float32
		for i, v := range xr {
			sum += v * wr[i]
		}
		if bd != nil {
			if len(bd) == outDim {
				sum += bd[o]
			} else {
				sum += bd[idx]
			}
		}
		od[idx] = act.apply(sum)
	}, Parallel)
	return out, nil
}
