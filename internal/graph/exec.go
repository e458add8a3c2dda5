package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/casonadams/minerva-sub000/internal/errs"
	"github.com/casonadams/minerva-sub000/internal/metrics"
	"github.com/casonadams/minerva-sub000/internal/parallel"
	"github.com/casonadams/minerva-sub000/internal/tensor"
)

// Executor runs graphs. The zero value executes nodes one at a time.
type Executor struct {
	// Parallel runs the nodes of each depth level concurrently. Kernels are
	// deterministic, so the outputs do not depend on this setting.
	Parallel bool
	Workers  int
}

// Result holds the outputs of one execution, in declaration order. The caller
// owns the arrays and should Release them when done.
type Result struct {
	Outputs  []*tensor.Array
	Executed int // Nodes run, each exactly once.
	PeakLive int // Most intermediate arrays held at any point.
}

// Release drops every output.
func (r *Result) Release() {
	for _, a := range r.Outputs {
		if a != nil {
			a.Release()
		}
	}
}

// run is the mutable state of one execution.
type run struct {
	g         *Graph
	values    []*tensor.Array
	remaining []int
	owned     []bool
	live      int
	peak      int
}

// Run executes g with inputs bound by name. Every Input node of g must be
// bound to an array of its declared shape and device; extra bindings are
// ignored. Each intermediate is released as soon as the last node reading it
// has run. The context is checked between nodes.
func (e *Executor) Run(ctx context.Context, g *Graph, inputs map[string]*tensor.Array) (*Result, error) {
	r := &run{
		g:         g,
		values:    make([]*tensor.Array, len(g.nodes)),
		remaining: g.consumers(),
		owned:     make([]bool, len(g.nodes)),
	}
	for _, id := range g.outputs {
		r.remaining[id]++
	}
	if err := r.bind(inputs); err != nil {
		return nil, err
	}

	var err error
	if e.Parallel {
		err = r.levels(ctx, e.Workers)
	} else {
		err = r.sequential(ctx)
	}
	if err != nil {
		r.releaseAll()
		return nil, err
	}

	res := &Result{Outputs: make([]*tensor.Array, len(g.outputs)), Executed: len(g.order), PeakLive: r.peak}
	for i, id := range g.outputs {
		res.Outputs[i] = r.values[id].Retain()
	}
	r.releaseAll()
	metrics.GraphNodesExecuted.Add(float64(res.Executed))
	metrics.GraphPeakLive.Set(float64(res.PeakLive))
	return res, nil
}

func (r *run) bind(inputs map[string]*tensor.Array) error {
	for _, id := range r.g.order {
		op := r.g.nodes[id].Op
		switch op.Kind {
		case KindInput:
			a, ok := inputs[op.Name]
			if !ok || a == nil {
				r.releaseAll()
				return &errs.GraphError{Kind: errs.DanglingOrCyclicInput, Node: int(id), Input: -1, Detail: fmt.Sprintf("input %q is not bound", op.Name)}
			}
			if !a.Shape().Equal(r.g.shapes[id]) {
				r.releaseAll()
				return &errs.GraphError{Kind: errs.ShapeMismatch, Node: int(id), Input: -1, Detail: fmt.Sprintf("input %q is %s, declared %s", op.Name, a.Shape(), r.g.shapes[id])}
			}
			if a.Device() != op.Device {
				r.releaseAll()
				return &errs.GraphError{Kind: errs.DeviceMismatch, Node: int(id), Input: -1, Detail: fmt.Sprintf("input %q is on %s, declared %s", op.Name, a.Device(), op.Device)}
			}
			r.values[id] = a.Retain()
		case KindConstant:
			r.values[id] = op.Value.Retain()
		}
	}
	return nil
}

func (r *run) sequential(ctx context.Context) error {
	for _, id := range r.g.order {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.values[id] != nil {
			continue
		}
		out, err := r.exec(id)
		if err != nil {
			return err
		}
		r.store(id, out)
		r.consume(id)
	}
	return nil
}

// levels runs each depth level on the worker pool. Results are stored and
// inputs released after the whole level finished, in execution order.
func (r *run) levels(ctx context.Context, workers int) error {
	for _, level := range r.g.Levels() {
		if err := ctx.Err(); err != nil {
			return err
		}
		outs := make([]*tensor.Array, len(level))
		err := parallel.ForEach(ctx, len(level), workers, func(_ context.Context, i int) error {
			id := level[i]
			if r.values[id] != nil {
				return nil
			}
			out, err := r.exec(id)
			outs[i] = out
			return err
		})
		for i, id := range level {
			if outs[i] != nil {
				r.store(id, outs[i])
			}
		}
		if err != nil {
			return err
		}
		for _, id := range level {
			r.consume(id)
		}
	}
	return nil
}

func (r *run) exec(id NodeID) (*tensor.Array, error) {
	n := r.g.nodes[id]
	in := make([]*tensor.Array, len(n.Inputs))
	for i, src := range n.Inputs {
		in[i] = r.values[src]
	}
	start := time.Now()
	out, err := eval(n.Op, in)
	if err != nil {
		return nil, fmt.Errorf("node %d (%s): %w", id, n.Op, err)
	}
	metrics.RecordKernel(n.Op.Kind.String(), start)
	return out, nil
}

func (r *run) store(id NodeID, out *tensor.Array) {
	r.values[id] = out
	r.owned[id] = true
	r.live++
	r.peak = max(r.peak, r.live)
}

// consume records that id has read its inputs and frees the ones nobody else
// needs.
func (r *run) consume(id NodeID) {
	for _, src := range r.g.nodes[id].Inputs {
		r.remaining[src]--
		if r.remaining[src] == 0 {
			r.drop(src)
		}
	}
	if r.remaining[id] == 0 {
		r.drop(id)
	}
}

func (r *run) drop(id NodeID) {
	if r.values[id] == nil {
		return
	}
	r.values[id].Release()
	r.values[id] = nil
	if r.owned[id] {
		r.live--
	}
}

func (r *run) releaseAll() {
	for id := range r.values {
		r.drop(NodeID(id))
	}
}
