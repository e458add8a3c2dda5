package graph

import (
	"fmt"

	"github.com/casonadams/minerva-sub000/internal/errs"
	"github.com/casonadams/minerva-sub000/internal/tensor"
)

// inferShape returns the output shape of op applied to inputs of the given
// shapes. Errors are ShapeMismatch GraphErrors for node id.
func inferShape(id NodeID, op Op, in []tensor.Shape) (tensor.Shape, error) {
	bad := func(format string, args ...any) error {
		return &errs.GraphError{Kind: errs.ShapeMismatch, Node: int(id), Input: -1, Detail: op.Kind.String() + ": " + fmt.Sprintf(format, args...)}
	}
	if op.Kind < 0 || int(op.Kind) >= len(arity) {
		return nil, bad("unknown operation")
	}
	if len(in) != arity[op.Kind] {
		return nil, bad("takes %d inputs, got %d", arity[op.Kind], len(in))
	}

	switch op.Kind {
	case KindInput:
		if err := op.Shape.Validate(); err != nil {
			return nil, bad("input %q: %v", op.Name, err)
		}
		return op.Shape.Clone(), nil
	case KindConstant:
		if op.Value == nil {
			return nil, bad("constant %q has no value", op.Name)
		}
		return op.Value.Shape().Clone(), nil
	case KindTransfer, KindScale, KindActivation, KindSoftmax, KindSoftmaxScale:
		return in[0].Clone(), nil
	case KindMatMul, KindMatMulAct:
		return matMulShape(in[0], in[1], bad)
	case KindMatMulAdd, KindMatMulAddAct:
		out, err := matMulShape(in[0], in[1], bad)
		if err != nil {
			return nil, err
		}
		if n := in[2].NumElements(); n != out.Cols() && n != out.NumElements() {
			return nil, bad("addend %s does not match output %s", in[2], out)
		}
		return out, nil
	case KindAdd, KindMul:
		if !broadcasts(in[0], in[1]) {
			return nil, bad("%s and %s do not broadcast", in[0], in[1])
		}
		return in[0].Clone(), nil
	case KindRMSNorm:
		if in[1].NumElements() != in[0].Cols() {
			return nil, bad("weight %s does not match %d features", in[1], in[0].Cols())
		}
		return in[0].Clone(), nil
	case KindRoPE:
		r := op.Rope
		if r.HeadDim <= 0 || r.HeadDim%2 != 0 || r.NumHeads <= 0 {
			return nil, bad("needs a positive even head_dim, got %d heads x %d", r.NumHeads, r.HeadDim)
		}
		if in[0].Cols() != r.NumHeads*r.HeadDim {
			return nil, bad("%d features, want %d heads x %d", in[0].Cols(), r.NumHeads, r.HeadDim)
		}
		return in[0].Clone(), nil
	case KindAttention, KindAttentionAdd:
		out, err := attentionShape(op, in[0], in[1], in[2], bad)
		if err != nil {
			return nil, err
		}
		if op.Kind == KindAttentionAdd && !broadcasts(out, in[3]) {
			return nil, bad("addend %s does not match output %s", in[3], out)
		}
		return out, nil
	case KindConcat:
		if in[0].Cols() != in[1].Cols() {
			return nil, bad("%s and %s differ in columns", in[0], in[1])
		}
		return tensor.Shape{in[0].Rows() + in[1].Rows(), in[0].Cols()}, nil
	}
	return nil, bad("unknown operation")
}

func matMulShape(x, w tensor.Shape, bad func(string, ...any) error) (tensor.Shape, error) {
	if len(x) == 0 || len(w) != 2 || w[1] != x.Cols() {
		return nil, bad("weight %s does not take %d inputs", w, x.Cols())
	}
	return append(x[:len(x)-1].Clone(), w[0]), nil
}

func attentionShape(op Op, q, k, v tensor.Shape, bad func(string, ...any) error) (tensor.Shape, error) {
	cfg := op.Attn
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if q.Cols() != cfg.NumHeads*cfg.HeadDim {
		return nil, bad("query has %d features, want %d heads x %d", q.Cols(), cfg.NumHeads, cfg.HeadDim)
	}
	w := cfg.NumKVHeads * cfg.HeadDim
	if k.Cols() != w || v.Cols() != w || k.Rows() != v.Rows() {
		return nil, bad("key %s and value %s, want [n, %d]", k, v, w)
	}
	if cfg.Causal && cfg.StartPos+q.Rows() > k.Rows() {
		return nil, bad("queries end at position %d but only %d keys exist", cfg.StartPos+q.Rows(), k.Rows())
	}
	return tensor.Shape{q.Rows(), q.Cols()}, nil
}

// broadcasts matches the element-wise kernels: b is either the full shape of a
// or one row of it.
func broadcasts(a, b tensor.Shape) bool {
	n := b.NumElements()
	return n == a.NumElements() || n == a.Cols()
}
