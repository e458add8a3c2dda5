package graph

import (
	"fmt"

	"github.com/casonadams/minerva-sub000/internal/errs"
	"github.com/casonadams/minerva-sub000/internal/tensor"
)

// Builder assembles a graph one node at a time. A node can only read nodes
// added before it, so a built graph is acyclic by construction.
type Builder struct {
	device    tensor.Device
	nodes     []Node
	shapes    []tensor.Shape
	devices   []tensor.Device
	transfers map[NodeID]NodeID
}

// NewBuilder returns a builder whose compute nodes run on device.
func NewBuilder(device tensor.Device) *Builder {
	return &Builder{device: device, transfers: map[NodeID]NodeID{}}
}

// Add appends op reading inputs and returns its id. Inputs must be ids
// returned by earlier calls; anything else is a DanglingOrCyclicInput error.
// An input resident on another device is routed through a Transfer node,
// shared by every reader of that input.
func (b *Builder) Add(op Op, inputs ...NodeID) (NodeID, error) {
	self := NodeID(len(b.nodes))
	for _, in := range inputs {
		if in < 0 || in >= self {
			return -1, &errs.GraphError{
				Kind: errs.DanglingOrCyclicInput, Node: int(self), Input: int(in),
				Detail: fmt.Sprintf("%s reads a node that has not been added", op.Kind),
			}
		}
	}

	resolved := make([]NodeID, len(inputs))
	for i, in := range inputs {
		resolved[i] = in
		if op.Kind == KindTransfer || b.devices[in] == b.device {
			continue
		}
		t, err := b.transfer(in)
		if err != nil {
			return -1, err
		}
		resolved[i] = t
	}

	// Transfers may have been appended above.
	self = NodeID(len(b.nodes))
	in := make([]tensor.Shape, len(resolved))
	for i, r := range resolved {
		in[i] = b.shapes[r]
	}
	shape, err := inferShape(self, op, in)
	if err != nil {
		return -1, err
	}
	b.nodes = append(b.nodes, Node{Op: op, Inputs: resolved})
	b.shapes = append(b.shapes, shape)
	b.devices = append(b.devices, b.deviceOf(op))
	return self, nil
}

// MustAdd is Add for graphs whose construction cannot fail, such as tests.
func (b *Builder) MustAdd(op Op, inputs ...NodeID) NodeID {
	id, err := b.Add(op, inputs...)
	if err != nil {
		panic(err)
	}
	return id
}

func (b *Builder) transfer(src NodeID) (NodeID, error) {
	if t, ok := b.transfers[src]; ok {
		return t, nil
	}
	t, err := b.Add(Transfer(b.device), src)
	if err != nil {
		return -1, err
	}
	b.transfers[src] = t
	return t, nil
}

func (b *Builder) deviceOf(op Op) tensor.Device {
	switch op.Kind {
	case KindInput, KindTransfer:
		return op.Device
	case KindConstant:
		return op.Value.Device()
	}
	return b.device
}

// Shape returns the inferred output shape of node id.
func (b *Builder) Shape(id NodeID) tensor.Shape {
	if id < 0 || int(id) >= len(b.shapes) {
		return nil
	}
	return b.shapes[id].Clone()
}

// Len returns the number of nodes added so far, transfers included.
func (b *Builder) Len() int { return len(b.nodes) }

// Build validates outputs and returns the graph. Each output must be a node
// of the builder and may be declared once.
func (b *Builder) Build(outputs ...NodeID) (*Graph, error) {
	return New(b.device, b.nodes, outputs...)
}
