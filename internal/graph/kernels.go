package graph

import (
	"fmt"

	"github.com/casonadams/minerva-sub000/internal/nn"
	"github.com/casonadams/minerva-sub000/internal/tensor"
)

// eval runs the kernel for op on resolved input values. Input and Constant
// are handled by the executor.
func eval(op Op, in []*tensor.Array) (*tensor.Array, error) {
	switch op.Kind {
	case KindTransfer:
		return in[0].ToDevice(op.Device)
	case KindMatMul:
		return nn.MatMul(in[0], in[1])
	case KindAdd:
		return nn.Add(in[0], in[1])
	case KindMul:
		return nn.Mul(in[0], in[1])
	case KindScale:
		return nn.Scale(in[0], op.Scalar)
	case KindRMSNorm:
		return nn.RMSNorm(in[0], in[1], op.Scalar)
	case KindActivation:
		return nn.Activate(in[0], op.Act)
	case KindSoftmax:
		return nn.Softmax(in[0])
	case KindRoPE:
		r := op.Rope
		return nn.RoPE(in[0], r.NumHeads, r.HeadDim, r.StartPos, r.Theta, r.Style)
	case KindAttention:
		return nn.Attention(in[0], in[1], in[2], op.Attn)
	case KindConcat:
		return nn.ConcatRows(in[0], in[1])
	case KindMatMulAdd:
		return nn.MatMulAdd(in[0], in[1], in[2])
	case KindMatMulAct:
		return nn.MatMulAct(in[0], in[1], op.Act)
	case KindMatMulAddAct:
		return nn.MatMulAddAct(in[0], in[1], in[2], op.Act)
	case KindAttentionAdd:
		out, err := nn.Attention(in[0], in[1], in[2], op.Attn)
		if err != nil {
			return nil, err
		}
		addInto(out.Data(), in[3].Data())
		return out, nil
	case KindSoftmaxScale:
		return nn.SoftmaxScale(in[0], op.Scalar)
	}
	return nil, fmt.Errorf("no kernel for %s", op.Kind)
}

// addInto adds b to dst in place, broadcasting b over rows when shorter.
func addInto(dst, b []float32) {
	cols := len(b)
	for i := range dst {
		dst[i] += b[i%cols]
	}
}
