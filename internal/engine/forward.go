package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/casonadams/minerva-sub000/internal/errs"
	"github.com/casonadams/minerva-sub000/internal/graph"
	"github.com/casonadams/minerva-sub000/internal/kvcache"
	"github.com/casonadams/minerva-sub000/internal/logger"
	"github.com/casonadams/minerva-sub000/internal/metrics"
	"github.com/casonadams/minerva-sub000/internal/nn"
	"github.com/casonadams/minerva-sub000/internal/tensor"
)

// Step runs one decode step for token and returns the next-token logits,
// vocab_size long. On success every layer of cache grew by one position; on
// error the cache is unchanged.
func (e *Engine) Step(ctx context.Context, token uint32, cache *kvcache.Cache) ([]float32, error) {
	return e.forward(ctx, []uint32{token}, cache)
}

// Prefill runs a multi-token prompt through one graph and returns the logits
// after its last token.
func (e *Engine) Prefill(ctx context.Context, tokens []uint32, cache *kvcache.Cache) ([]float32, error) {
	if len(tokens) == 0 {
		return nil, &errs.ConfigError{Field: "tokens", Expected: "at least one token", Actual: "0"}
	}
	return e.forward(ctx, tokens, cache)
}

func (e *Engine) forward(ctx context.Context, tokens []uint32, cache *kvcache.Cache) ([]float32, error) {
	start := time.Now()
	if err := e.checkCache(cache); err != nil {
		return nil, err
	}
	pos, n := cache.Len(), len(tokens)
	for l := 0; l < e.cfg.NumLayers; l++ {
		if err := cache.CheckCapacity(l, n); err != nil {
			return nil, err
		}
	}

	x, err := e.embed(tokens)
	if err != nil {
		return nil, err
	}
	defer x.Release()

	inputs := map[string]*tensor.Array{"x": x}
	if pos > 0 {
		for l := 0; l < e.cfg.NumLayers; l++ {
			k, v := cache.Get(l)
			defer k.Release()
			defer v.Release()
			inputs[pastName("k", l)] = k
			inputs[pastName("v", l)] = v
		}
	}

	g, err := e.buildGraph(n, pos)
	if err != nil {
		return nil, fmt.Errorf("build step graph: %w", err)
	}
	if e.opts.Fuse {
		g = g.Fuse()
	}
	res, err := e.exec.Run(ctx, g, inputs)
	if err != nil {
		return nil, err
	}
	defer res.Release()

	// Outputs are logits followed by (k, v) per layer.
	for l := 0; l < e.cfg.NumLayers; l++ {
		if err := cache.Append(l, res.Outputs[1+2*l], res.Outputs[2+2*l]); err != nil {
			cache.Truncate(pos)
			return nil, fmt.Errorf("append layer %d: %w", l, err)
		}
	}

	vocab := e.cfg.VocabSize
	logits := make([]float32, vocab)
	copy(logits, res.Outputs[0].Data()[(n-1)*vocab:])

	metrics.InferenceTokensTotal.Add(float64(n))
	metrics.StepDuration.Observe(time.Since(start).Seconds())
	logger.Log.Debug("step", "session", cache.ID().String(), "tokens", n, "pos", pos,
		"nodes", res.Executed, "peak_live", res.PeakLive, "duration", time.Since(start).String())
	return logits, nil
}

func (e *Engine) checkCache(cache *kvcache.Cache) error {
	if cache == nil {
		return &errs.ConfigError{Field: "kv_cache", Expected: "a cache from NewCache", Actual: "nil"}
	}
	c := cache.Config()
	if c.NumLayers != e.cfg.NumLayers || c.NumKVHeads != e.cfg.NumKVHeads || c.HeadDim != e.cfg.HeadDim {
		return &errs.ConfigError{
			Field:    "kv_cache",
			Expected: fmt.Sprintf("%d layers x %d kv heads x %d", e.cfg.NumLayers, e.cfg.NumKVHeads, e.cfg.HeadDim),
			Actual:   fmt.Sprintf("%d layers x %d kv heads x %d", c.NumLayers, c.NumKVHeads, c.HeadDim),
		}
	}
	return nil
}

// embed gathers the embedding rows of tokens into a [n, hidden] array.
func (e *Engine) embed(tokens []uint32) (*tensor.Array, error) {
	hidden := e.cfg.HiddenSize
	table := e.embedding.Data()
	data := make([]float32, len(tokens)*hidden)
	for i, t := range tokens {
		if int(t) >= e.cfg.VocabSize {
			return nil, &errs.ConfigError{Field: "token", Expected: fmt.Sprintf("< vocab_size=%d", e.cfg.VocabSize), Actual: fmt.Sprint(t)}
		}
		copy(data[i*hidden:(i+1)*hidden], table[int(t)*hidden:])
	}
	return tensor.FromData(data, tensor.Shape{len(tokens), hidden})
}

func pastName(kind string, layer int) string {
	return fmt.Sprintf("past_%s.%d", kind, layer)
}

// stepBuilder keeps the first construction error so the layer wiring reads
// top to bottom.
type stepBuilder struct {
	*graph.Builder
	err error
}

func (b *stepBuilder) add(op graph.Op, inputs ...graph.NodeID) graph.NodeID {
	if b.err != nil {
		return -1
	}
	id, err := b.Add(op, inputs...)
	if err != nil {
		b.err = err
	}
	return id
}

func (b *stepBuilder) weight(name string, a *tensor.Array) graph.NodeID {
	return b.add(graph.Constant(name, a))
}

// linear adds x · Wᵗ (+ bias).
func (b *stepBuilder) linear(x graph.NodeID, name string, w, bias *tensor.Array) graph.NodeID {
	y := b.add(graph.MatMul(), x, b.weight(name, w))
	if bias != nil {
		y = b.add(graph.Add(), y, b.weight(name+".bias", bias))
	}
	return y
}

// buildGraph wires the forward pass for n new tokens at positions
// [pos, pos+n). Outputs: logits [n, vocab], then new K and V per layer.
func (e *Engine) buildGraph(n, pos int) (*graph.Graph, error) {
	cfg := e.cfg
	b := &stepBuilder{Builder: graph.NewBuilder(tensor.CPU)}
	eps := float32(cfg.RMSNormEps)
	kvDim := cfg.KVDim()
	attn := cfg.Attention(pos, e.opts.FlashTile)

	h := b.add(graph.Input("x", n, cfg.HiddenSize))
	outputs := make([]graph.NodeID, 1, 1+2*cfg.NumLayers)
	for l, ly := range e.layers {
		prefix := fmt.Sprintf("layers.%d.", l)

		x := b.add(graph.RMSNorm(eps), h, b.weight(prefix+"norm1", ly.attnNorm))
		q := b.linear(x, prefix+"q", ly.q, ly.qb)
		k := b.linear(x, prefix+"k", ly.k, ly.kb)
		v := b.linear(x, prefix+"v", ly.v, ly.vb)
		q = b.add(graph.RoPE(graph.RopeParams{NumHeads: cfg.NumHeads, HeadDim: cfg.HeadDim, StartPos: pos, Theta: cfg.RopeTheta, Style: cfg.RopeStyle}), q)
		k = b.add(graph.RoPE(graph.RopeParams{NumHeads: cfg.NumKVHeads, HeadDim: cfg.HeadDim, StartPos: pos, Theta: cfg.RopeTheta, Style: cfg.RopeStyle}), k)
		outputs = append(outputs, k, v)

		keys, values := k, v
		if pos > 0 {
			pk := b.add(graph.Input(pastName("k", l), pos, kvDim))
			pv := b.add(graph.Input(pastName("v", l), pos, kvDim))
			keys = b.add(graph.Concat(), pk, k)
			values = b.add(graph.Concat(), pv, v)
		}
		a := b.add(graph.Attention(attn), q, keys, values)
		h = b.add(graph.Add(), h, b.linear(a, prefix+"o", ly.o, nil))

		x = b.add(graph.RMSNorm(eps), h, b.weight(prefix+"norm2", ly.ffnNorm))
		gate := b.add(graph.Activation(nn.ActSiLU), b.linear(x, prefix+"gate", ly.gate, nil))
		up := b.linear(x, prefix+"up", ly.up, nil)
		h = b.add(graph.Add(), h, b.linear(b.add(graph.Mul(), gate, up), prefix+"down", ly.down, nil))
	}
	x := b.add(graph.RMSNorm(eps), h, b.weight("norm", e.norm))
	outputs[0] = b.linear(x, "lm_head", e.lmHead, nil)

	if b.err != nil {
		return nil, b.err
	}
	return b.Build(outputs...)
}
