package nn

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/casonadams/minerva-sub000/internal/tensor"
)

func randArray(t *testing.T, rng *rand.Rand, shape ...int) *tensor.Array {
	t.Helper()
	s := tensor.Shape(shape)
	data := make([]float32, s.NumElements())
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	a, err := tensor.FromData(data, s)
	require.NoError(t, err)
	return a
}

func requireClose(t *testing.T, want, got []float32, tol float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		require.InDelta(t, want[i], got[i], tol, "index %d", i)
	}
}
