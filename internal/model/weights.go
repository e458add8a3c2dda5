package model

import (
	"maps"
	"slices"

	"github.com/casonadams/minerva-sub000/internal/errs"
	"github.com/casonadams/minerva-sub000/internal/tensor"
)

// WeightSet is the immutable canonical-name to tensor mapping of a loaded
// model. It is safe to share between goroutines.
type WeightSet struct {
	tensors map[string]*tensor.Array
}

// NewWeightSet checks that every tensor cfg requires is present with the
// expected shape and returns the set. A missing LM head is tied to the token
// embedding. Failures are *errs.ConfigError and leave tensors untouched.
func NewWeightSet(tensors map[string]*tensor.Array, cfg *Config) (*WeightSet, error) {
	ws := &WeightSet{tensors: maps.Clone(tensors)}
	if _, ok := ws.tensors[LMHeadName]; !ok {
		if emb, ok := ws.tensors[EmbeddingName]; ok {
			ws.tensors[LMHeadName] = emb
		}
	}
	for _, req := range Required(cfg) {
		if err := ws.check(req); err != nil {
			return nil, err
		}
	}
	for l := 0; l < cfg.NumLayers; l++ {
		for _, b := range []struct {
			suffix string
			width  int
		}{{AttnQB, cfg.QDim()}, {AttnKB, cfg.KVDim()}, {AttnVB, cfg.KVDim()}} {
			if _, ok := ws.tensors[LayerName(l, b.suffix)]; ok {
				if err := ws.check(Requirement{LayerName(l, b.suffix), tensor.Shape{b.width}}); err != nil {
					return nil, err
				}
			}
		}
	}
	return ws, nil
}

func (w *WeightSet) check(req Requirement) error {
	t, ok := w.tensors[req.Name]
	if !ok {
		return &errs.ConfigError{Field: req.Name, Expected: "tensor present", Actual: "missing"}
	}
	if !t.Shape().Equal(req.Shape) {
		return &errs.ConfigError{Field: req.Name, Expected: "shape " + req.Shape.String(), Actual: "shape " + t.Shape().String()}
	}
	return nil
}

// Requirement names a tensor and its expected shape.
type Requirement struct {
	Name  string
	Shape tensor.Shape
}

// Required lists every tensor cfg needs. Linear weights are [out, in].
func Required(cfg *Config) []Requirement {
	h := cfg.HiddenSize
	reqs := []Requirement{
		{EmbeddingName, tensor.Shape{cfg.VocabSize, h}},
		{NormName, tensor.Shape{h}},
		{LMHeadName, tensor.Shape{cfg.VocabSize, h}},
	}
	for l := 0; l < cfg.NumLayers; l++ {
		reqs = append(reqs,
			Requirement{LayerName(l, AttnNorm), tensor.Shape{h}},
			Requirement{LayerName(l, AttnQ), tensor.Shape{cfg.QDim(), h}},
			Requirement{LayerName(l, AttnK), tensor.Shape{cfg.KVDim(), h}},
			Requirement{LayerName(l, AttnV), tensor.Shape{cfg.KVDim(), h}},
			Requirement{LayerName(l, AttnO), tensor.Shape{h, cfg.QDim()}},
			Requirement{LayerName(l, FFNNorm), tensor.Shape{h}},
			Requirement{LayerName(l, FFNGate), tensor.Shape{cfg.IntermediateSize, h}},
			Requirement{LayerName(l, FFNUp), tensor.Shape{cfg.IntermediateSize, h}},
			Requirement{LayerName(l, FFNDown), tensor.Shape{h, cfg.IntermediateSize}},
		)
	}
	return reqs
}

// Get returns the tensor stored under a canonical name.
func (w *WeightSet) Get(name string) (*tensor.Array, bool) {
	t, ok := w.tensors[name]
	return t, ok
}

// Names returns the canonical names in sorted order.
func (w *WeightSet) Names() []string {
	return slices.Sorted(maps.Keys(w.tensors))
}

// Len returns the number of tensors, counting a tied LM head once per name.
func (w *WeightSet) Len() int { return len(w.tensors) }

// Bytes returns the f32 footprint of the distinct tensors.
func (w *WeightSet) Bytes() int64 {
	seen := make(map[*tensor.Array]struct{}, len(w.tensors))
	var total int64
	for _, t := range w.tensors {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		total += int64(t.Len()) * 4
	}
	return total
}
