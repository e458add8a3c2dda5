package graph

import (
	"container/heap"
	"fmt"
	"slices"
	"strings"

	"github.com/casonadams/minerva-sub000/internal/errs"
	"github.com/casonadams/minerva-sub000/internal/tensor"
)

// Node is one operation and the ids of the nodes it reads, in order.
type Node struct {
	Op     Op
	Inputs []NodeID
}

// Graph is a validated, immutable compute graph. Node ids stay stable across
// Fuse; nodes absorbed into a compound kernel or unreachable from the outputs
// are dropped.
type Graph struct {
	device  tensor.Device
	nodes   []Node
	alive   []bool
	shapes  []tensor.Shape
	devices []tensor.Device
	outputs []NodeID
	order   []NodeID
	level   []int
	fusions map[Rule]int
}

// New validates an explicit node list. Inputs may reference any node id, so
// unlike the Builder this accepts out-of-order lists and detects cycles.
// Every compute node runs on device; an input read from another device is a
// DeviceMismatch unless the reader is a Transfer.
func New(device tensor.Device, nodes []Node, outputs ...NodeID) (*Graph, error) {
	g := &Graph{
		device:  device,
		nodes:   make([]Node, len(nodes)),
		alive:   make([]bool, len(nodes)),
		shapes:  make([]tensor.Shape, len(nodes)),
		devices: make([]tensor.Device, len(nodes)),
		fusions: map[Rule]int{},
	}
	for i, n := range nodes {
		for _, in := range n.Inputs {
			if in < 0 || int(in) >= len(nodes) || int(in) == i {
				return nil, &errs.GraphError{Kind: errs.DanglingOrCyclicInput, Node: i, Input: int(in), Detail: "input must be another node of the graph"}
			}
		}
		g.nodes[i] = Node{Op: n.Op, Inputs: slices.Clone(n.Inputs)}
		g.alive[i] = true
	}
	if len(outputs) == 0 {
		return nil, &errs.GraphError{Kind: errs.UnresolvedOutput, Node: -1, Input: -1, Detail: "no outputs declared"}
	}
	seen := map[NodeID]bool{}
	for _, out := range outputs {
		if out < 0 || int(out) >= len(nodes) {
			return nil, &errs.GraphError{Kind: errs.UnresolvedOutput, Node: int(out), Input: -1, Detail: "output is not a node"}
		}
		if seen[out] {
			return nil, &errs.GraphError{Kind: errs.UnresolvedOutput, Node: int(out), Input: -1, Detail: "output declared twice"}
		}
		seen[out] = true
	}
	g.outputs = slices.Clone(outputs)

	order, err := g.schedule()
	if err != nil {
		return nil, err
	}
	names := map[string]NodeID{}
	for _, id := range order {
		n := g.nodes[id]
		if n.Op.Kind == KindInput {
			if prev, dup := names[n.Op.Name]; dup {
				return nil, &errs.GraphError{Kind: errs.DanglingOrCyclicInput, Node: int(id), Input: int(prev), Detail: fmt.Sprintf("input %q declared twice", n.Op.Name)}
			}
			names[n.Op.Name] = id
		}
		if err := g.resolve(id); err != nil {
			return nil, err
		}
	}
	g.prune()
	g.finish()
	return g, nil
}

// resolve infers the shape and device of id from its already resolved inputs.
func (g *Graph) resolve(id NodeID) error {
	n := g.nodes[id]
	in := make([]tensor.Shape, len(n.Inputs))
	for i, src := range n.Inputs {
		in[i] = g.shapes[src]
		if n.Op.Kind != KindTransfer && g.devices[src] != g.device {
			return &errs.GraphError{
				Kind: errs.DeviceMismatch, Node: int(id), Input: int(src),
				Detail: fmt.Sprintf("%s runs on %s, input is on %s", n.Op.Kind, g.device, g.devices[src]),
			}
		}
	}
	shape, err := inferShape(id, n.Op, in)
	if err != nil {
		return err
	}
	g.shapes[id] = shape
	g.devices[id] = g.nodeDevice(n.Op)
	return nil
}

func (g *Graph) nodeDevice(op Op) tensor.Device {
	switch op.Kind {
	case KindInput, KindTransfer:
		return op.Device
	case KindConstant:
		return op.Value.Device()
	}
	return g.device
}

// schedule is Kahn's algorithm over the live nodes. Among ready nodes the
// smallest id runs first, so the order is deterministic and equals insertion
// order whenever insertion order is already topological.
func (g *Graph) schedule() ([]NodeID, error) {
	indeg := make([]int, len(g.nodes))
	users := make([][]NodeID, len(g.nodes))
	total := 0
	for i, n := range g.nodes {
		if !g.alive[i] {
			continue
		}
		total++
		indeg[i] = len(n.Inputs)
		for _, in := range n.Inputs {
			users[in] = append(users[in], NodeID(i))
		}
	}
	ready := &idHeap{}
	for i := range g.nodes {
		if g.alive[i] && indeg[i] == 0 {
			heap.Push(ready, NodeID(i))
		}
	}
	order := make([]NodeID, 0, total)
	for ready.Len() > 0 {
		id := heap.Pop(ready).(NodeID)
		order = append(order, id)
		for _, u := range users[id] {
			if indeg[u]--; indeg[u] == 0 {
				heap.Push(ready, u)
			}
		}
	}
	if len(order) == total {
		return order, nil
	}
	for i, n := range g.nodes {
		if g.alive[i] && indeg[i] > 0 {
			for _, in := range n.Inputs {
				if indeg[in] > 0 {
					return nil, &errs.GraphError{Kind: errs.DanglingOrCyclicInput, Node: i, Input: int(in), Detail: "cycle"}
				}
			}
		}
	}
	return nil, &errs.GraphError{Kind: errs.DanglingOrCyclicInput, Node: -1, Input: -1, Detail: "cycle"}
}

// prune drops nodes no output depends on.
func (g *Graph) prune() {
	keep := make([]bool, len(g.nodes))
	stack := slices.Clone(g.outputs)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if keep[id] {
			continue
		}
		keep[id] = true
		stack = append(stack, g.nodes[id].Inputs...)
	}
	for i := range g.alive {
		g.alive[i] = g.alive[i] && keep[i]
	}
}

// finish recomputes the order and depth levels of the live nodes. Callers
// only invoke it on graphs already known to be acyclic.
func (g *Graph) finish() {
	order, _ := g.schedule()
	g.order = order
	g.level = make([]int, len(g.nodes))
	for _, id := range order {
		lvl := 0
		for _, in := range g.nodes[id].Inputs {
			lvl = max(lvl, g.level[in]+1)
		}
		g.level[id] = lvl
	}
}

// Device is the device every compute node runs on.
func (g *Graph) Device() tensor.Device { return g.device }

// Len returns the number of live nodes.
func (g *Graph) Len() int { return len(g.order) }

// Order returns the execution order.
func (g *Graph) Order() []NodeID { return slices.Clone(g.order) }

// Outputs returns the declared outputs.
func (g *Graph) Outputs() []NodeID { return slices.Clone(g.outputs) }

// Node returns node id, or false if it does not exist or was removed.
func (g *Graph) Node(id NodeID) (Node, bool) {
	if id < 0 || int(id) >= len(g.nodes) || !g.alive[id] {
		return Node{}, false
	}
	n := g.nodes[id]
	n.Inputs = slices.Clone(n.Inputs)
	return n, true
}

// Shape returns the output shape of node id.
func (g *Graph) Shape(id NodeID) tensor.Shape { return g.shapes[id].Clone() }

// Inputs returns the names of the inputs that must be bound to execute g.
func (g *Graph) Inputs() []string {
	var names []string
	for _, id := range g.order {
		if g.nodes[id].Op.Kind == KindInput {
			names = append(names, g.nodes[id].Op.Name)
		}
	}
	return names
}

// Levels groups the execution order by depth. Nodes within a level do not
// depend on each other.
func (g *Graph) Levels() [][]NodeID {
	var levels [][]NodeID
	for _, id := range g.order {
		l := g.level[id]
		for len(levels) <= l {
			levels = append(levels, nil)
		}
		levels[l] = append(levels[l], id)
	}
	return levels
}

// Fusions returns how many times each fusion rule fired to produce g.
func (g *Graph) Fusions() map[Rule]int {
	out := make(map[Rule]int, len(g.fusions))
	for r, n := range g.fusions {
		out[r] = n
	}
	return out
}

// String renders one node per line in execution order.
func (g *Graph) String() string {
	var b strings.Builder
	for _, id := range g.order {
		n := g.nodes[id]
		fmt.Fprintf(&b, "%%%d = %s", id, n.Op)
		for i, in := range n.Inputs {
			if i == 0 {
				b.WriteString(" ")
			} else {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%%%d", in)
		}
		fmt.Fprintf(&b, " %s\n", g.shapes[id])
	}
	return b.String()
}

func (g *Graph) clone() *Graph {
	c := &Graph{
		device:  g.device,
		nodes:   make([]Node, len(g.nodes)),
		alive:   slices.Clone(g.alive),
		shapes:  slices.Clone(g.shapes),
		devices: slices.Clone(g.devices),
		outputs: slices.Clone(g.outputs),
		fusions: g.Fusions(),
	}
	for i, n := range g.nodes {
		c.nodes[i] = Node{Op: n.Op, Inputs: slices.Clone(n.Inputs)}
	}
	return c
}

// consumers counts how many input slots read each node.
func (g *Graph) consumers() []int {
	uses := make([]int, len(g.nodes))
	for _, id := range g.order {
		for _, in := range g.nodes[id].Inputs {
			uses[in]++
		}
	}
	return uses
}

type idHeap []NodeID

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x any)        { *h = append(*h, x.(NodeID)) }
func (h *idHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}
