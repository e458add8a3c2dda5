package nn

import (
	"fmt"
	"math"

	"github.com/casonadams/minerva-sub000/internal/errs"
	"github.com/casonadams/minerva-sub000/internal/parallel"
	"github.com/casonadams/minerva-sub000/internal/tensor"
)

// AttentionConfig describes one grouped-query attention call.
//
// NumHeads query heads are split into NumKVHeads groups; every query head in a
// group reads the same K/V head. With NumKVHeads == NumHeads this is plain
// multi-head attention and with NumKVHeads == 1 it is multi-query attention.
//
// Head layouts:
//
//	MHA: NumHeads == NumKVHeads (e.g. 32 Q, 32 K, 32 V)
//	GQA: NumHeads >  NumKVHeads (e.g. 32 Q, 8 K, 8 V), 4x smaller KV cache
//	MQA: NumKVHeads == 1        (e.g. 32 Q, 1 K, 1 V)
//
// GQA is what LLaMA 2/3, Mistral and Qwen2 use.
//
// Example:
//
//	// LLaMA 3 8B, decoding token 17
//	cfg := nn.AttentionConfig{
//	    NumHeads:   32,
//	    NumKVHeads: 8,
//	    HeadDim:    128,
//	    Causal:     true,
//	    StartPos:   17,
//	}
type AttentionConfig struct {
	NumHeads   int
	NumKVHeads int
	HeadDim    int
	Causal     bool
	StartPos   int // Absolute position of the first query row.
	TileSize   int // KV tile for the online-softmax path, 0 for full softmax.
}

// Validate checks head counts. A NumHeads that is not a multiple of
// NumKVHeads is a ConfigError.
func (c AttentionConfig) Validate() error {
	if c.NumHeads <= 0 {
		return &errs.ConfigError{Field: "num_attention_heads", Expected: "> 0", Actual: fmt.Sprint(c.NumHeads)}
	}
	if c.NumKVHeads <= 0 {
		return &errs.ConfigError{Field: "num_kv_heads", Expected: "> 0", Actual: fmt.Sprint(c.NumKVHeads)}
	}
	if c.NumHeads%c.NumKVHeads != 0 {
		return &errs.ConfigError{
			Field:    "num_kv_heads",
			Expected: fmt.Sprintf("divisor of num_attention_heads=%d", c.NumHeads),
			Actual:   fmt.Sprint(c.NumKVHeads),
		}
	}
	if c.HeadDim <= 0 {
		return &errs.ConfigError{Field: "head_dim", Expected: "> 0", Actual: fmt.Sprint(c.HeadDim)}
	}
	if c.TileSize < 0 {
		return &errs.ConfigError{Field: "tile_size", Expected: ">= 0", Actual: fmt.Sprint(c.TileSize)}
	}
	return nil
}

// KVHead returns the K/V head read by query head h.
func (c AttentionConfig) KVHead(h int) int {
	return h / (c.NumHeads / c.NumKVHeads)
}

// Attention computes softmax(Q·Kᵗ/sqrt(headDim) + mask)·V per head.
//
// Args:
//   - q: queries [seq, NumHeads*HeadDim]
//   - k, v: keys and values [kvLen, NumKVHeads*HeadDim], cached positions first
//   - cfg: head geometry and causal offset
//
// Returns:
//   - Output [seq, NumHeads*HeadDim], heads concatenated in query-head order
//
// With Causal set, query row i sits at position StartPos+i and may only see
// keys at positions <= StartPos+i, so kvLen must be at least StartPos+seq. A positive
// TileSize routes through FlashAttention. Shape disagreements are reported as
// an *errs.GraphError with Kind ShapeMismatch.
//
// Example:
//
//	// One decode step against 16 cached positions.
//	out, err := nn.Attention(q, keys, values, nn.AttentionConfig{
//	    NumHeads: 4, NumKVHeads: 2, HeadDim: 8, Causal: true, StartPos: 16,
//	})
func Attention(q, k, v *tensor.Array, cfg AttentionConfig) (*tensor.Array, error) {
	if cfg.TileSize > 0 {
		return FlashAttention(q, k, v, cfg)
	}
	dims, err := attentionDims(q, k, v, cfg)
	if err != nil {
		return nil, err
	}
	out, err := tensor.New(tensor.Shape{dims.seq, cfg.NumHeads * cfg.HeadDim})
	if err != nil {
		return nil, err
	}

	qd, kd, vd, od := q.Data(), k.Data(), v.Data(), out.Data()
	scale := float32(1 / math.Sqrt(float64(cfg.HeadDim)))
	qStride := cfg.NumHeads * cfg.HeadDim
	kvStride := cfg.NumKVHeads * cfg.HeadDim
	hd := cfg.HeadDim

	parallel.For(dims.seq*cfg.NumHeads, func(idx int) {
		i, h := idx/cfg.NumHeads, idx%cfg.NumHeads
		kvh := cfg.KVHead(h)
		qv := qd[i*qStride+h*hd : i*qStride+(h+1)*hd]

		scores := make([]float32, dims.kvLen)
		for j := 0; j < dims.kvLen; j++ {
			if cfg.Causal && j > cfg.StartPos+i {
				scores[j] = float32(math.Inf(-1))
				continue
			}
			kv := kd[j*kvStride+kvh*hd : j*kvStride+(kvh+1)*hd]
			var s float32
			for d, x := range qv {
				s += x * kv[d]
			}
			scores[j] = s * scale
		}
		softmaxRow(scores, scores)

		dst := od[i*qStride+h*hd : i*qStride+(h+1)*hd]
		for j, p := range scores {
			if p == 0 {
				continue
			}
			vv := vd[j*kvStride+kvh*hd : j*kvStride+(kvh+1)*hd]
			for d, x := range vv {
				dst[d] += p * x
			}
		}
	}, Parallel)
	return out, nil
}

type attnDims struct {
	seq   int
	kvLen int
}

func attentionDims(q, k, v *tensor.Array, cfg AttentionConfig) (attnDims, error) {
	if err := cfg.Validate(); err != nil {
		return attnDims{}, err
	}
	if err := hostData("attention", q, k, v); err != nil {
		return attnDims{}, err
	}
	if q.Shape().Cols() != cfg.NumHeads*cfg.HeadDim {
		return attnDims{}, shapeErr("query rows have %d features, want %d heads x %d", q.Shape().Cols(), cfg.NumHeads, cfg.HeadDim)
	}
	kvWidth := cfg.NumKVHeads * cfg.HeadDim
	if k.Shape().Cols() != kvWidth || v.Shape().Cols() != kvWidth {
		return attnDims{}, shapeErr("key/value rows have %d/%d features, want %d", k.Shape().Cols(), v.Shape().Cols(), kvWidth)
	}
	if k.Shape().Rows() != v.Shape().Rows() {
		return attnDims{}, shapeErr("%d keys but %d values", k.Shape().Rows(), v.Shape().Rows())
	}
	d := attnDims{seq: q.Shape().Rows(), kvLen: k.Shape().Rows()}
	if cfg.Causal && cfg.StartPos+d.seq > d.kvLen {
		return attnDims{}, shapeErr("queries end at position %d but only %d keys exist", cfg.StartPos+d.seq, d.kvLen)
	}
	return d, nil
}

// ConcatRows stacks b under a. Both must have the same column count.
func ConcatRows(a, b *tensor.Array) (*tensor.Array, error) {
	if err := hostData("concat", a, b); err != nil {
		return nil, err
	}
	if a.Shape().Cols() != b.Shape().Cols() {
		return nil, shapeErr("concat: %s and %s differ in columns", a.Shape(), b.Shape())
	}
	data := make([]float32, 0, a.Len()+b.Len())
	data = append(data, a.Data()...)
	data = append(data, b.Data()...)
	return tensor.FromData(data, tensor.Shape{a.Shape().Rows() + b.Shape().Rows(), a.Shape().Cols()})
}
