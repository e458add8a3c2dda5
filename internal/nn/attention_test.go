package nn

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casonadams/minerva-sub000/internal/errs"
	"github.com/casonadams/minerva-sub000/internal/tensor"
)

// naiveAttention recomputes attention in float64 with K/V heads repeated.
func naiveAttention(q, k, v []float32, seq, kvLen, nh, nkv, hd, startPos int, causal bool) []float32 {
	out := make([]float32, seq*nh*hd)
	group := nh / nkv
	for i := 0; i < seq; i++ {
		for h := 0; h < nh; h++ {
			kvh := h / group
			scores := make([]float64, kvLen)
			m := math.Inf(-1)
			for j := 0; j < kvLen; j++ {
				if causal && j > startPos+i {
					scores[j] = math.Inf(-1)
					continue
				}
				var s float64
				for d := 0; d < hd; d++ {
					s += float64(q[i*nh*hd+h*hd+d]) * float64(k[j*nkv*hd+kvh*hd+d])
				}
				scores[j] = s / math.Sqrt(float64(hd))
				m = math.Max(m, scores[j])
			}
			var sum float64
			for j := range scores {
				scores[j] = math.Exp(scores[j] - m)
				sum += scores[j]
			}
			for d := 0; d < hd; d++ {
				var acc float64
				for j := range scores {
					acc += scores[j] / sum * float64(v[j*nkv*hd+kvh*hd+d])
				}
				out[i*nh*hd+h*hd+d] = float32(acc)
			}
		}
	}
	return out
}

func TestAttention_MatchesNaive(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	const seq, kvLen, nh, nkv, hd, start = 3, 7, 4, 2, 8, 4
	q := randArray(t, rng, seq, nh*hd)
	k := randArray(t, rng, kvLen, nkv*hd)
	v := randArray(t, rng, kvLen, nkv*hd)

	cfg := AttentionConfig{NumHeads: nh, NumKVHeads: nkv, HeadDim: hd, Causal: true, StartPos: start}
	out, err := Attention(q, k, v, cfg)
	require.NoError(t, err)

	want := naiveAttention(q.Data(), k.Data(), v.Data(), seq, kvLen, nh, nkv, hd, start, true)
	requireClose(t, want, out.Data(), 1e-5)
}

func TestAttention_OutputShape(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	const seq, hd = 5, 4

	for _, pair := range [][2]int{{1, 1}, {2, 1}, {2, 2}, {4, 1}, {4, 2}, {4, 4}, {6, 3}, {8, 2}} {
		nh, nkv := pair[0], pair[1]
		t.Run(fmt.Sprintf("%dq_%dkv", nh, nkv), func(t *testing.T) {
			q := randArray(t, rng, seq, nh*hd)
			k := randArray(t, rng, seq, nkv*hd)
			v := randArray(t, rng, seq, nkv*hd)

			for _, tile := range []int{0, 2} {
				out, err := Attention(q, k, v, AttentionConfig{NumHeads: nh, NumKVHeads: nkv, HeadDim: hd, Causal: true, TileSize: tile})
				require.NoError(t, err)
				assert.Equal(t, tensor.Shape{seq, nh * hd}, out.Shape())
			}
		})
	}
}

func TestAttention_InvalidHeadRatio(t *testing.T) {
	for _, pair := range [][2]int{{4, 3}, {6, 4}, {2, 0}, {0, 1}} {
		cfg := AttentionConfig{NumHeads: pair[0], NumKVHeads: pair[1], HeadDim: 4}
		err := cfg.Validate()
		assert.ErrorIs(t, err, errs.ErrConfig, "%v", pair)
	}
}

func TestAttention_CausalFirstRowSeesOnlyFirstKey(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	q := randArray(t, rng, 4, 8)
	k := randArray(t, rng, 4, 8)
	v := randArray(t, rng, 4, 8)

	out, err := Attention(q, k, v, AttentionConfig{NumHeads: 2, NumKVHeads: 2, HeadDim: 4, Causal: true})
	require.NoError(t, err)

	requireClose(t, v.Data()[:8], out.Data()[:8], 1e-6)
}

func TestAttention_QueriesPastKeys(t *testing.T) {
	rng := rand.New(rand.NewSource(14))
	q := randArray(t, rng, 3, 4)
	k := randArray(t, rng, 2, 4)

	_, err := Attention(q, k, k, AttentionConfig{NumHeads: 1, NumKVHeads: 1, HeadDim: 4, Causal: true})
	assert.ErrorIs(t, err, errs.ErrShapeMismatch)
}

func TestFlashAttention_MatchesFull(t *testing.T) {
	rng := rand.New(rand.NewSource(15))
	const seq, nh, nkv, hd = 96, 4, 2, 16

	q := randArray(t, rng, seq, nh*hd)
	k := randArray(t, rng, seq, nkv*hd)
	v := randArray(t, rng, seq, nkv*hd)

	for _, causal := range []bool{true, false} {
		base := AttentionConfig{NumHeads: nh, NumKVHeads: nkv, HeadDim: hd, Causal: causal}
		full, err := Attention(q, k, v, base)
		require.NoError(t, err)

		for _, tile := range []int{16, 32, 64, seq} {
			t.Run(fmt.Sprintf("causal=%v/tile=%d", causal, tile), func(t *testing.T) {
				cfg := base
				cfg.TileSize = tile
				got, err := FlashAttention(q, k, v, cfg)
				require.NoError(t, err)
				requireClose(t, full.Data(), got.Data(), 1e-4)
			})
		}
	}
}

func TestFlashAttention_DecodeWithOffset(t *testing.T) {
	rng := rand.New(rand.NewSource(16))
	const kvLen, nh, nkv, hd = 37, 4, 1, 8

	q := randArray(t, rng, 1, nh*hd)
	k := randArray(t, rng, kvLen, nkv*hd)
	v := randArray(t, rng, kvLen, nkv*hd)

	cfg := AttentionConfig{NumHeads: nh, NumKVHeads: nkv, HeadDim: hd, Causal: true, StartPos: kvLen - 1}
	full, err := Attention(q, k, v, cfg)
	require.NoError(t, err)

	cfg.TileSize = 16
	tiled, err := Attention(q, k, v, cfg)
	require.NoError(t, err)

	requireClose(t, full.Data(), tiled.Data(), 1e-4)
}

func TestOnlineSoftmax_MatchesDirect(t *testing.T) {
	scores := []float32{0.1, 2.5, -1, 3, 0}
	values := []float32{1, 0, 0, 1, 2, 2, -1, 3, 0.5, 0.5}

	acc := NewOnlineSoftmax(2)
	require.NoError(t, acc.Update(scores[:2], values[:4]))
	require.NoError(t, acc.Update(scores[2:], values[4:]))
	got := acc.Normalize()

	probs := make([]float32, len(scores))
	softmaxRow(probs, scores)
	want := make([]float32, 2)
	for j, p := range probs {
		want[0] += p * values[j*2]
		want[1] += p * values[j*2+1]
	}
	requireClose(t, want, got, 1e-6)

	acc.Reset()
	assert.Equal(t, []float32{0, 0}, acc.Normalize())
	assert.Error(t, acc.Update(scores, values[:3]))
}

func TestOnlineSoftmax_MaskedBlockIsNoOp(t *testing.T) {
	inf := float32(math.Inf(-1))
	acc := NewOnlineSoftmax(1)

	require.NoError(t, acc.Update([]float32{inf, inf}, []float32{5, 6}))
	require.NoError(t, acc.Update([]float32{0}, []float32{2}))

	assert.Equal(t, []float32{2}, acc.Normalize())
}

func TestConcatRows(t *testing.T) {
	a := tensor.MustFromData([]float32{1, 2}, 1, 2)
	b := tensor.MustFromData([]float32{3, 4, 5, 6}, 2, 2)

	c, err := ConcatRows(a, b)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{3, 2}, c.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, c.Data())

	_, err = ConcatRows(a, tensor.MustFromData([]float32{1, 2, 3}, 1, 3))
	assert.ErrorIs(t, err, errs.ErrShapeMismatch)
}
