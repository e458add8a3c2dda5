package nn

import (
	"math"

	"github.com/casonadams/minerva-sub000/internal/parallel"
	"github.com/casonadams/minerva-sub000/internal/tensor"
)

// DefaultTileSize is used when FlashAttention is called with TileSize 0.
const DefaultTileSize = 64

// FlashAttention computes the same result as Attention but walks K/V in tiles
// of cfg.TileSize keys, folding each tile into an OnlineSoftmax. The full
// seq x kvLen score matrix is never materialized; per query only one tile of
// scores is live.
//
// Tiles that lie entirely beyond a query's causal limit are not visited.
//
// Args:
//   - q, k, v: as for Attention
//   - cfg: as for Attention; TileSize 0 means DefaultTileSize
//
// Returns:
//   - Output [seq, NumHeads*HeadDim], within float32 rounding of Attention
//
// Example:
//
//	cfg.TileSize = 128
//	out, err := nn.FlashAttention(q, keys, values, cfg)
func FlashAttention(q, k, v *tensor.Array, cfg AttentionConfig) (*tensor.Array, error) {
	if cfg.TileSize == 0 {
		cfg.TileSize = DefaultTileSize
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
	tile := cfg.TileSize

	parallel.For(dims.seq*cfg.NumHeads, func(idx int) {
		i, h := idx/cfg.NumHeads, idx%cfg.NumHeads
		kvh := cfg.KVHead(h)
		qv := qd[i*qStride+h*hd : i*qStride+(h+1)*hd]

		limit := dims.kvLen - 1
		if cfg.Causal {
			limit = min(limit, cfg.StartPos+i)
		}

		acc := NewOnlineSoftmax(hd)
		scores := make([]float32, tile)
		values := make([]float32, tile*hd)
		for start := 0; start <= limit; start += tile {
			n := min(tile, dims.kvLen-start)
			flashScoreTile(scores[:n], qv, kd, start, kvStride, kvh*hd, hd, scale, limit)
			for t := 0; t < n; t++ {
				j := start + t
				copy(values[t*hd:(t+1)*hd], vd[j*kvStride+kvh*hd:j*kvStride+(kvh+1)*hd])
			}
			// Lengths agree by construction.
			_ = acc.Update(scores[:n], values[:n*hd])
		}
		acc.NormalizeInto(od[i*qStride+h*hd : i*qStride+(h+1)*hd])
	}, Parallel)
	return out, nil
}

// flashScoreTile fills scores with q·K[j]ᵗ*scale for keys start..start+len(scores),
// writing -inf past limit.
func flashScoreTile(scores, q, k []float32, start, stride, headOff, headDim int, scale float32, limit int) {
	negInf := float32(math.Inf(-1))
	for t := range scores {
		j := start + t
		if j > limit {
			scores[t] = negInf
			continue
		}
		kv := k[j*stride+headOff : j*stride+headOff+headDim]
		var s float32
		for d, x := range q {
			s += x * kv[d]
		}
		scores[t] = s * scale
	}
}
