// Package kvcache stores the per-layer key and value projections of previous
// positions so a decode step only computes projections for the new token.
//
// A Cache belongs to exactly one generation session. It is not safe for
// concurrent use; sharing a model across sessions means one Cache each.
package kvcache

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/casonadams/minerva-sub000/internal/errs"
	"github.com/casonadams/minerva-sub000/internal/logger"
	"github.com/casonadams/minerva-sub000/internal/metrics"
	"github.com/casonadams/minerva-sub000/internal/tensor"
)

// Config sizes a cache.
type Config struct {
	NumLayers   int
	MaxPosition int
	NumKVHeads  int
	HeadDim     int
	Quantized   bool // Store int8 blocks with per-block f32 scales.
}

// Width is the number of floats stored per position per layer for K (and V).
func (c Config) Width() int { return c.NumKVHeads * c.HeadDim }

func (c Config) validate() error {
	for _, f := range []struct {
		name string
		v    int
	}{
		{"num_layers", c.NumLayers},
		{"max_position", c.MaxPosition},
		{"num_kv_heads", c.NumKVHeads},
		{"head_dim", c.HeadDim},
	} {
		if f.v <= 0 {
			return &errs.ConfigError{Field: f.name, Expected: "> 0", Actual: fmt.Sprint(f.v)}
		}
	}
	return nil
}

// store is the storage of one layer: either dense float32 or int8 blocks.
type store interface {
	write(pos int, k, v []float32)
	read(start, end int) (k, v []float32)
	bytes() int
}

// Cache is a fixed-capacity, per-layer append-only KV store.
type Cache struct {
	id     uuid.UUID
	cfg    Config
	layers []store
	lens   []int
}

// New preallocates a cache for cfg.
func New(cfg Config) (*Cache, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	c := &Cache{
		id:     uuid.New(),
		cfg:    cfg,
		layers: make([]store, cfg.NumLayers),
		lens:   make([]int, cfg.NumLayers),
	}
	for l := range c.layers {
		if cfg.Quantized {
			c.layers[l] = newInt8Store(cfg.MaxPosition, cfg.Width())
		} else {
			c.layers[l] = newDenseStore(cfg.MaxPosition, cfg.Width())
		}
	}
	logger.Log.Debug("kv cache allocated", "session", c.id.String(), "layers", cfg.NumLayers,
		"max_position", cfg.MaxPosition, "quantized", cfg.Quantized, "bytes", c.Bytes())
	return c, nil
}

// ID identifies the owning session in logs.
func (c *Cache) ID() uuid.UUID { return c.id }

// Config returns the cache geometry.
func (c *Cache) Config() Config { return c.cfg }

// Append stores one or more timesteps for layer. k and v are [n, Width].
// If the layer would grow past MaxPosition nothing is written and a
// *errs.CacheOverflowError is returned.
func (c *Cache) Append(layer int, k, v *tensor.Array) error {
	if err := c.checkLayer(layer); err != nil {
		return err
	}
	n, err := c.CheckAppend(layer, k, v)
	if err != nil {
		return err
	}
	st := c.layers[layer]
	kd, vd := k.Data(), v.Data()
	w := c.cfg.Width()
	for t := 0; t < n; t++ {
		st.write(c.lens[layer]+t, kd[t*w:(t+1)*w], vd[t*w:(t+1)*w])
	}
	c.lens[layer] += n
	metrics.KVCacheLength.Set(float64(c.lens[layer]))
	return nil
}

// CheckAppend validates an Append without performing it and returns the
// number of timesteps it would add.
func (c *Cache) CheckAppend(layer int, k, v *tensor.Array) (int, error) {
	if err := c.checkLayer(layer); err != nil {
		return 0, err
	}
	w := c.cfg.Width()
	if k.Device() != tensor.CPU || v.Device() != tensor.CPU {
		return 0, &errs.GraphError{Kind: errs.DeviceMismatch, Node: -1, Input: -1, Detail: "kv cache appends from CPU arrays"}
	}
	if k.Shape().Cols() != w || v.Shape().Cols() != w || k.Len() != v.Len() {
		return 0, &errs.GraphError{
			Kind: errs.ShapeMismatch, Node: -1, Input: -1,
			Detail: fmt.Sprintf("kv append of %s/%s, rows must have %d features", k.Shape(), v.Shape(), w),
		}
	}
	n := k.Shape().Rows()
	if err := c.CheckCapacity(layer, n); err != nil {
		return 0, err
	}
	return n, nil
}

// CheckCapacity reports a CacheOverflowError if n more positions do not fit in layer.
func (c *Cache) CheckCapacity(layer, n int) error {
	if err := c.checkLayer(layer); err != nil {
		return err
	}
	if c.lens[layer]+n > c.cfg.MaxPosition {
		metrics.KVCacheOverflows.Inc()
		logger.Log.Warn("kv cache overflow", "session", c.id.String(), "layer", layer,
			"len", c.lens[layer], "append", n, "max_position", c.cfg.MaxPosition)
		return &errs.CacheOverflowError{Layer: layer, Max: c.cfg.MaxPosition, Requested: c.lens[layer] + n}
	}
	return nil
}

// Get returns the filled prefix of layer as [len, Width] arrays, or nils when
// the layer is empty. Dense caches return views of the cache storage which
// must not be modified; quantized caches return dequantized copies.
func (c *Cache) Get(layer int) (k, v *tensor.Array) {
	if layer < 0 || layer >= len(c.layers) || c.lens[layer] == 0 {
		return nil, nil
	}
	k, v, _ = c.Window(layer, 0, c.lens[layer])
	return k, v
}

// Window returns positions [start, end) of layer.
func (c *Cache) Window(layer, start, end int) (k, v *tensor.Array, err error) {
	if err := c.checkLayer(layer); err != nil {
		return nil, nil, err
	}
	if start < 0 || end > c.lens[layer] || start >= end {
		return nil, nil, fmt.Errorf("kv window [%d, %d) outside filled prefix of %d", start, end, c.lens[layer])
	}
	kd, vd := c.layers[layer].read(start, end)
	shape := tensor.Shape{end - start, c.cfg.Width()}
	if k, err = tensor.FromData(kd, shape); err != nil {
		return nil, nil, err
	}
	if v, err = tensor.FromData(vd, shape); err != nil {
		return nil, nil, err
	}
	return k, v, nil
}

// Len returns the filled length of layer 0, which equals every layer's length
// between engine steps.
func (c *Cache) Len() int { return c.lens[0] }

// LayerLen returns the filled length of one layer, or 0 for a layer the
// cache does not have.
func (c *Cache) LayerLen(layer int) int {
	if c.checkLayer(layer) != nil {
		return 0
	}
	return c.lens[layer]
}

// Remaining returns how many more positions fit.
func (c *Cache) Remaining() int { return c.cfg.MaxPosition - c.Len() }

// Reset empties every layer without freeing storage.
func (c *Cache) Reset() {
	clear(c.lens)
}

// Truncate shortens every layer to at most n positions.
func (c *Cache) Truncate(n int) {
	for l := range c.lens {
		c.lens[l] = min(c.lens[l], max(n, 0))
	}
}

// Bytes returns the storage footprint of all layers.
func (c *Cache) Bytes() int {
	total := 0
	for _, st := range c.layers {
		total += st.bytes()
	}
	return total
}

func (c *Cache) checkLayer(layer int) error {
	if layer < 0 || layer >= len(c.layers) {
		return fmt.Errorf("kv cache layer %d out of range [0, %d)", layer, len(c.layers))
	}
	return nil
}

type denseStore struct {
	keys, values []float32
	width        int
}

func newDenseStore(maxPos, width int) *denseStore {
	return &denseStore{
		keys:   make([]float32, maxPos*width),
		values: make([]float32, maxPos*width),
		width:  width,
	}
}

func (s *denseStore) write(pos int, k, v []float32) {
	copy(s.keys[pos*s.width:], k)
	copy(s.values[pos*s.width:], v)
}

func (s *denseStore) read(start, end int) (k, v []float32) {
	lo, hi := start*s.width, end*s.width
	return s.keys[lo:hi:hi], s.values[lo:hi:hi]
}

func (s *denseStore) bytes() int { return 4 * (len(s.keys) + len(s.values)) }
