package graph

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casonadams/minerva-sub000/internal/nn"
	"github.com/casonadams/minerva-sub000/internal/tensor"
)

func requireRelClose(t *testing.T, want, got []float32, rel float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		diff := math.Abs(float64(want[i]) - float64(got[i]))
		require.LessOrEqual(t, diff, rel*math.Max(1, math.Abs(float64(want[i]))), "index %d: %v vs %v", i, want[i], got[i])
	}
}

type fusionCase struct {
	name  string
	rule  Rule
	fused Kind
	build func(b *Builder, rng *rand.Rand) (NodeID, map[string]*tensor.Array)
}

func fusionCases(t *testing.T) []fusionCase {
	attn := nn.AttentionConfig{NumHeads: 4, NumKVHeads: 2, HeadDim: 8, Causal: true}
	return []fusionCase{
		{
			name: "matmul then bias", rule: RuleMatMulAdd, fused: KindMatMulAdd,
			build: func(b *Builder, rng *rand.Rand) (NodeID, map[string]*tensor.Array) {
				x := b.MustAdd(Input("x", 5, 16))
				w := b.MustAdd(Constant("w", randArray(t, rng, 12, 16)))
				bias := b.MustAdd(Constant("b", randArray(t, rng, 12)))
				mm := b.MustAdd(MatMul(), x, w)
				return b.MustAdd(Add(), mm, bias), map[string]*tensor.Array{"x": randArray(t, rng, 5, 16)}
			},
		},
		{
			name: "residual plus matmul", rule: RuleMatMulAdd, fused: KindMatMulAdd,
			build: func(b *Builder, rng *rand.Rand) (NodeID, map[string]*tensor.Array) {
				x := b.MustAdd(Input("x", 5, 16))
				res := b.MustAdd(Input("res", 5, 12))
				w := b.MustAdd(Constant("w", randArray(t, rng, 12, 16)))
				mm := b.MustAdd(MatMul(), x, w)
				return b.MustAdd(Add(), res, mm), map[string]*tensor.Array{
					"x": randArray(t, rng, 5, 16), "res": randArray(t, rng, 5, 12),
				}
			},
		},
		{
			name: "matmul then gelu", rule: RuleMatMulAct, fused: KindMatMulAct,
			build: func(b *Builder, rng *rand.Rand) (NodeID, map[string]*tensor.Array) {
				x := b.MustAdd(Input("x", 3, 16))
				w := b.MustAdd(Constant("w", randArray(t, rng, 20, 16)))
				mm := b.MustAdd(MatMul(), x, w)
				return b.MustAdd(Activation(nn.ActGELU), mm), map[string]*tensor.Array{"x": randArray(t, rng, 3, 16)}
			},
		},
		{
			name: "feed-forward block", rule: RuleMatMulAddAct, fused: KindMatMulAddAct,
			build: func(b *Builder, rng *rand.Rand) (NodeID, map[string]*tensor.Array) {
				x := b.MustAdd(Input("x", 4, 16))
				w := b.MustAdd(Constant("w", randArray(t, rng, 24, 16)))
				bias := b.MustAdd(Constant("b", randArray(t, rng, 24)))
				mm := b.MustAdd(MatMul(), x, w)
				add := b.MustAdd(Add(), mm, bias)
				return b.MustAdd(Activation(nn.ActSiLU), add), map[string]*tensor.Array{"x": randArray(t, rng, 4, 16)}
			},
		},
		{
			name: "attention then residual", rule: RuleAttentionAdd, fused: KindAttentionAdd,
			build: func(b *Builder, rng *rand.Rand) (NodeID, map[string]*tensor.Array) {
				q := b.MustAdd(Input("q", 6, 32))
				k := b.MustAdd(Input("k", 6, 16))
				v := b.MustAdd(Input("v", 6, 16))
				res := b.MustAdd(Input("res", 6, 32))
				a := b.MustAdd(Attention(attn), q, k, v)
				return b.MustAdd(Add(), a, res), map[string]*tensor.Array{
					"q": randArray(t, rng, 6, 32), "k": randArray(t, rng, 6, 16),
					"v": randArray(t, rng, 6, 16), "res": randArray(t, rng, 6, 32),
				}
			},
		},
		{
			name: "softmax then scale", rule: RuleSoftmaxScale, fused: KindSoftmaxScale,
			build: func(b *Builder, rng *rand.Rand) (NodeID, map[string]*tensor.Array) {
				x := b.MustAdd(Input("x", 4, 10))
				sm := b.MustAdd(Softmax(), x)
				return b.MustAdd(Scale(0.25), sm), map[string]*tensor.Array{"x": randArray(t, rng, 4, 10)}
			},
		},
	}
}

func TestFuse_EveryRuleMatchesUnfused(t *testing.T) {
	for _, tt := range fusionCases(t) {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(1))
			b := NewBuilder(tensor.CPU)
			out, inputs := tt.build(b, rng)
			g, err := b.Build(out)
			require.NoError(t, err)

			fused := g.Fuse()
			assert.Equal(t, map[Rule]int{tt.rule: 1}, fused.Fusions())
			assert.Less(t, fused.Len(), g.Len())
			n, ok := fused.Node(out)
			require.True(t, ok)
			assert.Equal(t, tt.fused, n.Op.Kind)
			assert.Equal(t, g.Inputs(), fused.Inputs())
			assert.Equal(t, g.Outputs(), fused.Outputs())
			assert.Equal(t, g.Shape(out), fused.Shape(out))

			var ex Executor
			want, err := ex.Run(t.Context(), g, inputs)
			require.NoError(t, err)
			defer want.Release()
			got, err := ex.Run(t.Context(), fused, inputs)
			require.NoError(t, err)
			defer got.Release()
			requireRelClose(t, want.Outputs[0].Data(), got.Outputs[0].Data(), 1e-5)
		})
	}
}

func TestFuse_LeavesOriginalUntouched(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	b := NewBuilder(tensor.CPU)
	x := b.MustAdd(Input("x", 2, 8))
	w := b.MustAdd(Constant("w", randArray(t, rng, 4, 8)))
	mm := b.MustAdd(MatMul(), x, w)
	out := b.MustAdd(Activation(nn.ActReLU), mm)
	g, err := b.Build(out)
	require.NoError(t, err)

	before := g.String()
	g.Fuse()
	assert.Equal(t, before, g.String())
	assert.Empty(t, g.Fusions())
}

func TestFuse_SkipsSharedIntermediate(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	b := NewBuilder(tensor.CPU)
	x := b.MustAdd(Input("x", 2, 8))
	w := b.MustAdd(Constant("w", randArray(t, rng, 4, 8)))
	bias := b.MustAdd(Constant("b", randArray(t, rng, 4)))
	mm := b.MustAdd(MatMul(), x, w)
	add := b.MustAdd(Add(), mm, bias)
	act := b.MustAdd(Activation(nn.ActSiLU), mm)
	out := b.MustAdd(Mul(), add, act)
	g, err := b.Build(out)
	require.NoError(t, err)

	fused := g.Fuse()
	assert.Empty(t, fused.Fusions())
	assert.Equal(t, g.Len(), fused.Len())
}

func TestFuse_SkipsOutputIntermediate(t *testing.T) {
	b := NewBuilder(tensor.CPU)
	x := b.MustAdd(Input("x", 2, 8))
	sm := b.MustAdd(Softmax(), x)
	sc := b.MustAdd(Scale(2), sm)
	g, err := b.Build(sm, sc)
	require.NoError(t, err)

	fused := g.Fuse()
	assert.Empty(t, fused.Fusions())
	_, ok := fused.Node(sm)
	assert.True(t, ok)
}

func TestFuse_SkipsBroadcastHeadInSecondSlot(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	b := NewBuilder(tensor.CPU)
	x := b.MustAdd(Input("x", 1, 8))
	res := b.MustAdd(Input("res", 3, 4))
	w := b.MustAdd(Constant("w", randArray(t, rng, 4, 8)))
	mm := b.MustAdd(MatMul(), x, w)
	out := b.MustAdd(Add(), res, mm)
	g, err := b.Build(out)
	require.NoError(t, err)

	assert.Empty(t, g.Fuse().Fusions())
}

func TestFuse_TransformerLayerIsBitIdentical(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	const seq, hidden, inter = 3, 16, 32
	b := NewBuilder(tensor.CPU)
	x := b.MustAdd(Input("x", seq, hidden))
	w := func(name string, out, in int) NodeID {
		return b.MustAdd(Constant(name, randArray(t, rng, out, in)))
	}
	norm := b.MustAdd(Constant("norm", randArray(t, rng, hidden)))
	h := b.MustAdd(RMSNorm(1e-5), x, norm)
	gate := b.MustAdd(Activation(nn.ActSiLU), b.MustAdd(MatMul(), h, w("gate", inter, hidden)))
	up := b.MustAdd(MatMul(), h, w("up", inter, hidden))
	down := b.MustAdd(MatMul(), b.MustAdd(Mul(), gate, up), w("down", hidden, inter))
	out := b.MustAdd(Add(), x, down)
	g, err := b.Build(out)
	require.NoError(t, err)

	fused := g.Fuse()
	assert.Equal(t, map[Rule]int{RuleMatMulAct: 1, RuleMatMulAdd: 1}, fused.Fusions())

	inputs := map[string]*tensor.Array{"x": randArray(t, rng, seq, hidden)}
	var ex Executor
	want, err := ex.Run(t.Context(), g, inputs)
	require.NoError(t, err)
	defer want.Release()
	got, err := ex.Run(t.Context(), fused, inputs)
	require.NoError(t, err)
	defer got.Release()
	assert.Equal(t, want.Outputs[0].Data(), got.Outputs[0].Data())
}

// The gate/up/down subgraph the engine emits computes nn.SwiGLU.
func TestFuse_FeedForwardMatchesSwiGLU(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	xArr := randArray(t, rng, 3, 16)
	gateArr := randArray(t, rng, 24, 16)
	upArr := randArray(t, rng, 24, 16)
	downArr := randArray(t, rng, 16, 24)

	b := NewBuilder(tensor.CPU)
	x := b.MustAdd(Input("x", 3, 16))
	gate := b.MustAdd(Activation(nn.ActSiLU), b.MustAdd(MatMul(), x, b.MustAdd(Constant("gate", gateArr))))
	up := b.MustAdd(MatMul(), x, b.MustAdd(Constant("up", upArr)))
	out := b.MustAdd(MatMul(), b.MustAdd(Mul(), gate, up), b.MustAdd(Constant("down", downArr)))
	g, err := b.Build(out)
	require.NoError(t, err)
	fused := g.Fuse()
	assert.Equal(t, map[Rule]int{RuleMatMulAct: 1}, fused.Fusions())

	want, err := nn.SwiGLU(xArr, gateArr, upArr, downArr)
	require.NoError(t, err)
	defer want.Release()
	res, err := (&Executor{}).Run(t.Context(), fused, map[string]*tensor.Array{"x": xArr})
	require.NoError(t, err)
	defer res.Release()
	assert.Equal(t, want.Data(), res.Outputs[0].Data())

	plain, err := (&Executor{}).Run(t.Context(), g, map[string]*tensor.Array{"x": xArr})
	require.NoError(t, err)
	defer plain.Release()
	requireRelClose(t, want.Data(), plain.Outputs[0].Data(), 1e-6)
}
