package graph

import (
	"github.com/casonadams/minerva-sub000/internal/metrics"
)

// Rule names a fusion pattern.
type Rule string

// Fusion rules.
const (
	RuleMatMulAdd    Rule = "matmul_add"     // MatMul -> Add
	RuleMatMulAct    Rule = "matmul_act"     // MatMul -> Activation
	RuleMatMulAddAct Rule = "matmul_add_act" // MatMul -> Add -> Activation
	RuleAttentionAdd Rule = "attention_add"  // Attention -> Add
	RuleSoftmaxScale Rule = "softmax_scale"  // Softmax -> Scale
)

// Fuse returns a copy of g with every matching pattern rewritten into a
// compound node. The head of a pattern is absorbed only when it is not an
// output and its single consumer is the tail, so inputs and outputs of the
// graph are unchanged. The tail keeps its id.
//
// Nodes are visited in execution order, which lets MatMul -> Add -> Activation
// form in two steps: the Add first becomes a MatMulAdd that the Activation
// then absorbs.
func (g *Graph) Fuse() *Graph {
	f := g.clone()
	uses := g.consumers()
	output := make([]bool, len(g.nodes))
	for _, id := range g.outputs {
		output[id] = true
	}
	absorbable := func(id NodeID) bool { return !output[id] && uses[id] == 1 }
	fusedHere := map[NodeID]bool{}

	absorb := func(tail, head NodeID, kind Kind, inputs []NodeID, rule Rule) {
		n := &f.nodes[tail]
		op := n.Op
		op.Kind = kind
		if f.nodes[head].Op.Kind == KindAttention {
			op.Attn = f.nodes[head].Op.Attn
		}
		n.Op = op
		n.Inputs = inputs
		f.alive[head] = false
		f.fusions[rule]++
		fusedHere[tail] = true
	}

	for _, id := range g.order {
		n := f.nodes[id]
		switch n.Op.Kind {
		case KindAdd:
			for slot := range 2 {
				head, other := n.Inputs[slot], n.Inputs[1-slot]
				// The kernels broadcast only their last operand, so a head in
				// the second slot needs an addend of the full output shape.
				if slot == 1 && !f.shapes[other].Equal(f.shapes[head]) {
					continue
				}
				if !absorbable(head) {
					continue
				}
				h := f.nodes[head]
				if h.Op.Kind == KindMatMul {
					absorb(id, head, KindMatMulAdd, []NodeID{h.Inputs[0], h.Inputs[1], other}, RuleMatMulAdd)
					break
				}
				if h.Op.Kind == KindAttention {
					absorb(id, head, KindAttentionAdd, []NodeID{h.Inputs[0], h.Inputs[1], h.Inputs[2], other}, RuleAttentionAdd)
					break
				}
			}
		case KindActivation:
			head := n.Inputs[0]
			if !absorbable(head) {
				continue
			}
			switch h := f.nodes[head]; h.Op.Kind {
			case KindMatMul:
				absorb(id, head, KindMatMulAct, h.Inputs, RuleMatMulAct)
			case KindMatMulAdd:
				if fusedHere[head] {
					f.fusions[RuleMatMulAdd]--
				}
				absorb(id, head, KindMatMulAddAct, h.Inputs, RuleMatMulAddAct)
			}
		case KindScale:
			head := n.Inputs[0]
			if h := f.nodes[head]; h.Op.Kind == KindSoftmax && absorbable(head) {
				absorb(id, head, KindSoftmaxScale, h.Inputs, RuleSoftmaxScale)
			}
		}
	}

	for r, c := range f.fusions {
		if c == 0 {
			delete(f.fusions, r)
		}
	}
	for r, c := range f.fusions {
		metrics.GraphNodesFused.WithLabelValues(string(r)).Add(float64(c - g.fusions[r]))
	}
	f.finish()
	return f
}
