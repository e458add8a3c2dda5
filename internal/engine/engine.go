// Package engine runs token steps of a loaded transformer.
//
// An Engine holds the read-only weight set and model config and may be shared
// by any number of sessions. Each session owns one kvcache.Cache. A Step (or
// Prefill) builds the compute graph for the new tokens, executes it and only
// then appends the new keys and values, so a failed step leaves the cache at
// its previous length.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/casonadams/minerva-sub000/internal/config"
	"github.com/casonadams/minerva-sub000/internal/errs"
	"github.com/casonadams/minerva-sub000/internal/graph"
	"github.com/casonadams/minerva-sub000/internal/kvcache"
	"github.com/casonadams/minerva-sub000/internal/loader"
	"github.com/casonadams/minerva-sub000/internal/logger"
	"github.com/casonadams/minerva-sub000/internal/model"
	"github.com/casonadams/minerva-sub000/internal/tensor"
)

// Options configure loading and the forward pass.
type Options struct {
	Workers       int  // Load worker pool size, 0 for one per CPU.
	Mmap          bool // Map model files instead of reading them.
	FlashTile     int  // KV tile for tiled attention, 0 for full softmax.
	QuantizedKV   bool // New caches store int8 blocks.
	MaxPosition   int  // Overrides the model context length when > 0.
	ParallelGraph bool // Run independent graph nodes concurrently.
	Fuse          bool // Apply the fusion pass to every step graph.
}

// DefaultOptions mirrors config.Default.
func DefaultOptions() Options {
	return FromConfig(config.Default())
}

// FromConfig converts the runtime configuration.
func FromConfig(c config.Config) Options {
	return Options{
		Workers:       c.Load.Workers,
		Mmap:          c.Load.Mmap,
		FlashTile:     c.Engine.FlashTile,
		QuantizedKV:   c.Engine.QuantizedKV,
		MaxPosition:   c.Engine.MaxPosition,
		ParallelGraph: c.Engine.ParallelGraph,
		Fuse:          c.Engine.Fuse,
	}
}

// layer holds the weights of one transformer block. Biases may be nil.
type layer struct {
	attnNorm, ffnNorm *tensor.Array
	q, k, v, o        *tensor.Array
	qb, kb, vb        *tensor.Array
	gate, up, down    *tensor.Array
}

// Engine executes forward passes over one loaded model.
type Engine struct {
	cfg     *model.Config
	weights *model.WeightSet
	format  loader.ModelFormat
	opts    Options
	exec    graph.Executor

	embedding *tensor.Array
	norm      *tensor.Array
	lmHead    *tensor.Array
	layers    []layer
}

// Load detects the format of path, loads the weights and returns an engine.
func Load(ctx context.Context, path string, opts Options) (*Engine, error) {
	start := time.Now()
	ws, cfg, format, err := loader.Open(ctx, path, loader.Options{Workers: opts.Workers, Mmap: opts.Mmap})
	if err != nil {
		return nil, err
	}
	e, err := New(ws, cfg, opts)
	if err != nil {
		return nil, err
	}
	e.format = format
	logger.Log.Info("model loaded", "path", path, "format", format.String(),
		"arch", cfg.Architecture, "layers", cfg.NumLayers, "tensors", ws.Len(),
		"duration", time.Since(start).String())
	return e, nil
}

// New wraps an already loaded weight set.
func New(ws *model.WeightSet, cfg *model.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.FlashTile < 0 {
		return nil, &errs.ConfigError{Field: "flash_tile", Expected: ">= 0", Actual: fmt.Sprint(opts.FlashTile)}
	}
	if opts.MaxPosition < 0 {
		return nil, &errs.ConfigError{Field: "max_position", Expected: ">= 0", Actual: fmt.Sprint(opts.MaxPosition)}
	}
	e := &Engine{
		cfg:     cfg,
		weights: ws,
		opts:    opts,
		exec:    graph.Executor{Parallel: opts.ParallelGraph, Workers: opts.Workers},
	}

	get := func(name string) (*tensor.Array, error) {
		a, ok := ws.Get(name)
		if !ok {
			return nil, &errs.ConfigError{Field: name, Expected: "present", Actual: "missing"}
		}
		return a, nil
	}
	var err error
	if e.embedding, err = get(model.EmbeddingName); err != nil {
		return nil, err
	}
	if e.norm, err = get(model.NormName); err != nil {
		return nil, err
	}
	if e.lmHead, err = get(model.LMHeadName); err != nil {
		return nil, err
	}
	e.layers = make([]layer, cfg.NumLayers)
	for l := range e.layers {
		ly := &e.layers[l]
		for _, w := range []struct {
			dst    **tensor.Array
			suffix string
		}{
			{&ly.attnNorm, model.AttnNorm}, {&ly.ffnNorm, model.FFNNorm},
			{&ly.q, model.AttnQ}, {&ly.k, model.AttnK}, {&ly.v, model.AttnV}, {&ly.o, model.AttnO},
			{&ly.gate, model.FFNGate}, {&ly.up, model.FFNUp}, {&ly.down, model.FFNDown},
		} {
			if *w.dst, err = get(model.LayerName(l, w.suffix)); err != nil {
				return nil, err
			}
		}
		ly.qb, _ = ws.Get(model.LayerName(l, model.AttnQB))
		ly.kb, _ = ws.Get(model.LayerName(l, model.AttnKB))
		ly.vb, _ = ws.Get(model.LayerName(l, model.AttnVB))
	}
	return e, nil
}

// Config returns the model configuration.
func (e *Engine) Config() *model.Config { return e.cfg }

// Weights returns the shared weight set.
func (e *Engine) Weights() *model.WeightSet { return e.weights }

// Format returns the file format the model was loaded from, FormatUnknown
// for engines built with New.
func (e *Engine) Format() loader.ModelFormat { return e.format }

// Options returns the engine options.
func (e *Engine) Options() Options { return e.opts }

// MaxPosition is the context length of caches created by NewCache.
func (e *Engine) MaxPosition() int {
	if e.opts.MaxPosition > 0 {
		return e.opts.MaxPosition
	}
	return e.cfg.MaxPosition
}

// NewCache returns an empty cache for one generation session.
func (e *Engine) NewCache() (*kvcache.Cache, error) {
	return kvcache.New(kvcache.Config{
		NumLayers:   e.cfg.NumLayers,
		MaxPosition: e.MaxPosition(),
		NumKVHeads:  e.cfg.NumKVHeads,
		HeadDim:     e.cfg.HeadDim,
		Quantized:   e.opts.QuantizedKV,
	})
}
