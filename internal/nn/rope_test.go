package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casonadams/minerva-sub000/internal/tensor"
)

func TestRoPE_PositionZeroIsIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	x := randArray(t, rng, 1, 16)

	for _, style := range []RopeStyle{RopeInterleaved, RopeHalf} {
		out, err := RoPE(x, 2, 8, 0, 10000, style)
		require.NoError(t, err)
		assert.Equal(t, x.Data(), out.Data(), style.String())
	}
}

func TestRoPE_PreservesNorm(t *testing.T) {
	rng := rand.New(rand.NewSource(22))
	x := randArray(t, rng, 3, 8)

	out, err := RoPE(x, 1, 8, 5, 10000, RopeHalf)
	require.NoError(t, err)

	for r := 0; r < 3; r++ {
		var a, b float64
		for i := 0; i < 8; i++ {
			a += float64(x.Data()[r*8+i] * x.Data()[r*8+i])
			b += float64(out.Data()[r*8+i] * out.Data()[r*8+i])
		}
		assert.InDelta(t, a, b, 1e-4)
	}
}

func TestRoPE_Interleaved(t *testing.T) {
	// One head of width 2 at position 1 rotates by exactly 1 radian.
	x := tensor.MustFromData([]float32{1, 0}, 1, 2)

	out, err := RoPE(x, 1, 2, 1, 10000, RopeInterleaved)
	require.NoError(t, err)

	requireClose(t, []float32{float32(math.Cos(1)), float32(math.Sin(1))}, out.Data(), 1e-6)
}

func TestRoPE_HalfPairsAcrossHalves(t *testing.T) {
	x := tensor.MustFromData([]float32{1, 0, 0, 0}, 1, 4)

	out, err := RoPE(x, 1, 4, 1, 10000, RopeHalf)
	require.NoError(t, err)

	// Dimension 0 pairs with dimension 2 at frequency 1.
	requireClose(t, []float32{float32(math.Cos(1)), 0, float32(math.Sin(1)), 0}, out.Data(), 1e-6)
}

func TestRoPE_OddHeadDim(t *testing.T) {
	_, err := RoPE(tensor.MustFromData([]float32{1, 2, 3}, 1, 3), 1, 3, 0, 10000, RopeHalf)
	assert.Error(t, err)
}
