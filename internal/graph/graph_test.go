package graph

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casonadams/minerva-sub000/internal/errs"
	"github.com/casonadams/minerva-sub000/internal/nn"
	"github.com/casonadams/minerva-sub000/internal/tensor"
)

func randArray(t *testing.T, rng *rand.Rand, shape ...int) *tensor.Array {
	t.Helper()
	s := tensor.Shape(shape)
	data := make([]float32, s.NumElements())
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	a, err := tensor.FromData(data, s)
	require.NoError(t, err)
	return a
}

// hostAllocator stands in for a GPU by keeping copies in host memory.
type hostAllocator struct{}

type hostBuffer struct{ data []float32 }

func (*hostBuffer) Free() {}

func (hostAllocator) Upload(data []float32) (tensor.DeviceBuffer, error) {
	return &hostBuffer{data: append([]float32(nil), data...)}, nil
}

func (hostAllocator) Download(b tensor.DeviceBuffer, dst []float32) error {
	copy(dst, b.(*hostBuffer).data)
	return nil
}

func withFakeGPU(t *testing.T) {
	t.Helper()
	tensor.RegisterAllocator(tensor.WebGPU, hostAllocator{})
	t.Cleanup(func() { tensor.RegisterAllocator(tensor.WebGPU, nil) })
}

func requireGraphKind(t *testing.T, err error, kind errs.GraphKind) *errs.GraphError {
	t.Helper()
	require.Error(t, err)
	var ge *errs.GraphError
	require.True(t, errors.As(err, &ge), "got %v", err)
	require.Equal(t, kind, ge.Kind, "got %v", err)
	return ge
}

func TestBuilder_RejectsDanglingAndForwardInputs(t *testing.T) {
	b := NewBuilder(tensor.CPU)
	x := b.MustAdd(Input("x", 2, 4))

	tests := []struct {
		name   string
		inputs []NodeID
	}{
		{"unknown id", []NodeID{x, 7}},
		{"negative id", []NodeID{-1, x}},
		{"self reference", []NodeID{x, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Add(Add(), tt.inputs...)
			assert.ErrorIs(t, err, errs.ErrDanglingOrCyclicInput)
		})
	}
	assert.Equal(t, 1, b.Len(), "rejected nodes are not added")
}

func TestBuilder_ShapeMismatch(t *testing.T) {
	b := NewBuilder(tensor.CPU)
	x := b.MustAdd(Input("x", 2, 4))
	w := b.MustAdd(Constant("w", tensor.MustFromData(make([]float32, 15), 3, 5)))

	_, err := b.Add(MatMul(), x, w)
	ge := requireGraphKind(t, err, errs.ShapeMismatch)
	assert.Equal(t, 2, ge.Node)

	_, err = b.Add(MatMul(), x)
	requireGraphKind(t, err, errs.ShapeMismatch)
}

func TestBuilder_InfersShapes(t *testing.T) {
	b := NewBuilder(tensor.CPU)
	x := b.MustAdd(Input("x", 3, 4))
	w := b.MustAdd(Constant("w", tensor.MustFromData(make([]float32, 24), 6, 4)))
	mm := b.MustAdd(MatMul(), x, w)
	cat := b.MustAdd(Concat(), mm, mm)

	assert.Equal(t, tensor.Shape{3, 6}, b.Shape(mm))
	assert.Equal(t, tensor.Shape{6, 6}, b.Shape(cat))
	assert.Nil(t, b.Shape(42))
}

func TestBuild_Outputs(t *testing.T) {
	b := NewBuilder(tensor.CPU)
	x := b.MustAdd(Input("x", 2, 2))
	y := b.MustAdd(Scale(2), x)

	_, err := b.Build()
	requireGraphKind(t, err, errs.UnresolvedOutput)

	_, err = b.Build(y, 9)
	assert.ErrorIs(t, err, errs.ErrUnresolvedOutput)

	_, err = b.Build(y, y)
	assert.ErrorIs(t, err, errs.ErrUnresolvedOutput)

	g, err := b.Build(y)
	require.NoError(t, err)
	assert.Equal(t, []NodeID{y}, g.Outputs())
}

func TestBuild_PrunesUnreachableNodes(t *testing.T) {
	b := NewBuilder(tensor.CPU)
	x := b.MustAdd(Input("x", 2, 2))
	unused := b.MustAdd(Input("unused", 2, 2))
	b.MustAdd(Softmax(), unused)
	y := b.MustAdd(Scale(2), x)

	g, err := b.Build(y)
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())
	assert.Equal(t, []string{"x"}, g.Inputs())
	_, ok := g.Node(unused)
	assert.False(t, ok)
}

func TestNew_RejectsCycle(t *testing.T) {
	nodes := []Node{
		{Op: Input("x", 2, 2)},
		{Op: Add(), Inputs: []NodeID{0, 2}},
		{Op: Scale(3), Inputs: []NodeID{1}},
	}
	_, err := New(tensor.CPU, nodes, 2)
	ge := requireGraphKind(t, err, errs.DanglingOrCyclicInput)
	assert.Equal(t, 1, ge.Node)
	assert.Equal(t, 2, ge.Input)

	selfLoop := []Node{{Op: Input("x", 2)}, {Op: Scale(1), Inputs: []NodeID{1}}}
	_, err = New(tensor.CPU, selfLoop, 1)
	assert.ErrorIs(t, err, errs.ErrDanglingOrCyclicInput)
}

func TestNew_OrderRespectsDependencies(t *testing.T) {
	// Listed out of order: node 0 reads node 3, node 2 reads nodes 0 and 1.
	nodes := []Node{
		{Op: Scale(2), Inputs: []NodeID{3}},
		{Op: Input("y", 2, 3)},
		{Op: Add(), Inputs: []NodeID{0, 1}},
		{Op: Input("x", 2, 3)},
		{Op: Softmax(), Inputs: []NodeID{2}},
	}
	g, err := New(tensor.CPU, nodes, 4)
	require.NoError(t, err)

	order := g.Order()
	require.Len(t, order, 5)
	pos := map[NodeID]int{}
	for i, id := range order {
		pos[id] = i
	}
	for i, n := range nodes {
		for _, in := range n.Inputs {
			assert.Less(t, pos[in], pos[NodeID(i)], "node %d runs before its input %d", i, in)
		}
	}
	// Ties go to the smallest id: y (1) and x (3) are both ready first.
	assert.Equal(t, []NodeID{1, 3, 0, 2, 4}, order)
}

func TestNew_RandomDAGsScheduleTopologically(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		n := 3 + rng.Intn(20)
		// Build a DAG in a random permutation of ids.
		perm := rng.Perm(n)
		nodes := make([]Node, n)
		nodes[perm[0]] = Node{Op: Input("x", 2, 2)}
		for i := 1; i < n; i++ {
			a := perm[rng.Intn(i)]
			if rng.Intn(2) == 0 {
				nodes[perm[i]] = Node{Op: Scale(1), Inputs: []NodeID{NodeID(a)}}
				continue
			}
			bIdx := perm[rng.Intn(i)]
			nodes[perm[i]] = Node{Op: Add(), Inputs: []NodeID{NodeID(a), NodeID(bIdx)}}
		}
		g, err := New(tensor.CPU, nodes, NodeID(perm[n-1]))
		require.NoError(t, err)

		done := map[NodeID]bool{}
		for _, id := range g.Order() {
			node, ok := g.Node(id)
			require.True(t, ok)
			for _, in := range node.Inputs {
				require.True(t, done[in], "trial %d: %d before input %d", trial, id, in)
			}
			done[id] = true
		}
	}
}

func TestNew_DuplicateInputName(t *testing.T) {
	nodes := []Node{
		{Op: Input("x", 2)},
		{Op: Input("x", 2)},
		{Op: Add(), Inputs: []NodeID{0, 1}},
	}
	_, err := New(tensor.CPU, nodes, 2)
	assert.ErrorIs(t, err, errs.ErrDanglingOrCyclicInput)
}

func TestNew_DeviceMismatchWithoutTransfer(t *testing.T) {
	nodes := []Node{
		{Op: InputOn("x", tensor.WebGPU, 2, 2)},
		{Op: Scale(2), Inputs: []NodeID{0}},
	}
	_, err := New(tensor.CPU, nodes, 1)
	requireGraphKind(t, err, errs.DeviceMismatch)
}

func TestBuilder_InsertsSharedTransfer(t *testing.T) {
	withFakeGPU(t)
	b := NewBuilder(tensor.CPU)
	x := b.MustAdd(InputOn("x", tensor.WebGPU, 2, 3))
	s := b.MustAdd(Scale(2), x)
	a := b.MustAdd(Add(), s, x)

	g, err := b.Build(a)
	require.NoError(t, err)
	transfers := 0
	for _, id := range g.Order() {
		n, _ := g.Node(id)
		if n.Op.Kind == KindTransfer {
			transfers++
			assert.Equal(t, tensor.CPU, n.Op.Device)
		}
	}
	assert.Equal(t, 1, transfers)

	host := tensor.MustFromData([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	dev, err := host.ToDevice(tensor.WebGPU)
	require.NoError(t, err)
	res, err := (&Executor{}).Run(t.Context(), g, map[string]*tensor.Array{"x": dev})
	require.NoError(t, err)
	defer res.Release()
	assert.Equal(t, tensor.CPU, res.Outputs[0].Device())
	assert.Equal(t, []float32{3, 6, 9, 12, 15, 18}, res.Outputs[0].Data())
}

func TestGraph_Levels(t *testing.T) {
	b := NewBuilder(tensor.CPU)
	x := b.MustAdd(Input("x", 2, 2))
	p := b.MustAdd(Scale(2), x)
	q := b.MustAdd(Softmax(), x)
	out := b.MustAdd(Add(), p, q)
	g, err := b.Build(out)
	require.NoError(t, err)

	assert.Equal(t, [][]NodeID{{x}, {p, q}, {out}}, g.Levels())
	assert.Contains(t, g.String(), "%3 = add %1, %2 (2, 2)")
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "matmul_add_act", KindMatMulAddAct.String())
	assert.True(t, KindSoftmaxScale.Fused())
	assert.False(t, KindAttention.Fused())
	assert.Equal(t, "activation(silu)", Activation(nn.ActSiLU).String())
	assert.Equal(t, "Kind(99)", Kind(99).String())
}
