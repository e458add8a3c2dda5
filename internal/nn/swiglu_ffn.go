package nn

import "github.com/casonadams/minerva-sub000/internal/tensor"

// SwiGLU computes the gated feed-forward block
//
//	down(silu(gate(x)) ⊙ up(x))
//
// with gate and up [intermediate, hidden] and down [hidden, intermediate].
//
// The engine emits the same composition as graph nodes so that the gate
// projection can fuse into MatMulAct; this function is the direct form and
// agrees with that subgraph bit for bit.
//
// Args:
//   - x: normalized hidden states [seq, hidden]
//   - gate, up: [intermediate, hidden]
//   - down: [hidden, intermediate]
//
// Returns:
//   - FFN output [seq, hidden], to be added to the residual stream
//
// Example:
//
//	ffn, err := nn.SwiGLU(x, gate, up, down)
//	h, err = nn.Add(h, ffn)
func SwiGLU(x, gate, up, down *tensor.Array) (*tensor.Array, error) {
	g, err := MatMulAct(x, gate, ActSiLU)
	if err != nil {
		return nil, err
	}
	defer g.Release()
	u, err := MatMul(x, up)
	if err != nil {
		return nil, err
	}
	defer u.Release()
	h, err := Mul(g, u)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	return MatMul(h, down)
}
