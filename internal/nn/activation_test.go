package nn

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casonadams/minerva-sub000/internal/errs"
	"github.com/casonadams/minerva-sub000/internal/tensor"
)

func TestActivations(t *testing.T) {
	x := tensor.MustFromData([]float32{-2, 0, 3}, 3)

	silu, err := Activate(x, ActSiLU)
	require.NoError(t, err)
	requireClose(t, []float32{
		float32(-2 / (1 + math.Exp(2))), 0, float32(3 / (1 + math.Exp(-3))),
	}, silu.Data(), 1e-6)

	relu, err := Activate(x, ActReLU)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 3}, relu.Data())

	gelu, err := Activate(x, ActGELU)
	require.NoError(t, err)
	assert.InDelta(t, 2.9964, gelu.Data()[2], 1e-3)
	assert.InDelta(t, -0.0454, gelu.Data()[0], 1e-3)
}

func TestSoftmax_Stable(t *testing.T) {
	x := tensor.MustFromData([]float32{1000, 1001, 1002, 0, 0, 0}, 2, 3)

	out, err := Softmax(x)
	require.NoError(t, err)

	e1, e2 := math.Exp(-1), math.Exp(-2)
	s := 1 + e1 + e2
	requireClose(t, []float32{
		float32(e2 / s), float32(e1 / s), float32(1 / s),
		1.0 / 3, 1.0 / 3, 1.0 / 3,
	}, out.Data(), 1e-6)
}

func TestSoftmax_AllMasked(t *testing.T) {
	inf := float32(math.Inf(-1))
	out, err := Softmax(tensor.MustFromData([]float32{inf, inf}, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, out.Data())
}

func TestSoftmaxScale(t *testing.T) {
	x := tensor.MustFromData([]float32{0.5, -1, 2, 0}, 2, 2)

	sm, err := Softmax(x)
	require.NoError(t, err)
	want, err := Scale(sm, 0.25)
	require.NoError(t, err)

	got, err := SoftmaxScale(x, 0.25)
	require.NoError(t, err)
	assert.Equal(t, want.Data(), got.Data())
}

func TestBroadcast(t *testing.T) {
	a := tensor.MustFromData([]float32{1, 2, 3, 4}, 2, 2)
	row := tensor.MustFromData([]float32{10, 20}, 2)

	sum, err := Add(a, row)
	require.NoError(t, err)
	assert.Equal(t, []float32{11, 22, 13, 24}, sum.Data())

	prod, err := Mul(a, row)
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 40, 30, 80}, prod.Data())

	_, err = Add(a, tensor.MustFromData([]float32{1, 2, 3}, 3))
	assert.ErrorIs(t, err, errs.ErrShapeMismatch)
}

func TestKernels_RejectDeviceArrays(t *testing.T) {
	gpu := &fakeDevice{}
	tensor.RegisterAllocator(tensor.WebGPU, gpu)
	defer tensor.RegisterAllocator(tensor.WebGPU, nil)

	x, err := tensor.MustFromData([]float32{1, 2}, 2).ToDevice(tensor.WebGPU)
	require.NoError(t, err)

	_, err = Activate(x, ActReLU)
	assert.ErrorIs(t, err, errs.ErrDeviceMismatch)
}

type fakeDevice struct{}

type fakeBuf []float32

func (fakeBuf) Free() {}

func (fakeDevice) Upload(data []float32) (tensor.DeviceBuffer, error) {
	return fakeBuf(append([]float32(nil), data...)), nil
}

func (fakeDevice) Download(b tensor.DeviceBuffer, dst []float32) error {
	copy(dst, b.(fakeBuf))
	return nil
}
