package nn

import (
	"fmt"
	"math"

	"github.com/casonadams/minerva-sub000/internal/tensor"
)

// Activation selects an element-wise nonlinearity.
type Activation int

// Supported activations.
const (
	ActNone Activation = iota
	ActSiLU
	ActGELU
	ActReLU
)

// String returns the activation name.
func (a Activation) String() string {
	switch a {
	case ActNone:
		return "none"
	case ActSiLU:
		return "silu"
	case ActGELU:
		return "gelu"
	case ActReLU:
		return "relu"
	default:
		return fmt.Sprintf("Activation(%d)", int(a))
	}
}

func (a Activation) apply(x float32) float32 {
	switch a {
	case ActSiLU:
		return x / (1 + float32(math.Exp(float64(-x))))
	case ActGELU:
		// tanh approximation, as in ggml.
		const c = 0.7978845608028654 // sqrt(2/pi)
		x64 := float64(x)
		return float32(0.5 * x64 * (1 + math.Tanh(c*(x64+0.044715*x64*x64*x64))))
	case ActReLU:
		if x < 0 {
			return 0
		}
		return x
	default:
		return x
	}
}

// Activate applies act element-wise.
func Activate(x *tensor.Array, act Activation) (*tensor.Array, error) {
	return unary(x, "activation", act.apply)
}

// Scale multiplies every element by s.
func Scale(x *tensor.Array, s float32) (*tensor.Array, error) {
	return unary(x, "scale", func(v float32) float32 { return v * s })
}

// Add returns a + b. b may be a row vector broadcast over the rows of a.
func Add(a, b *tensor.Array) (*tensor.Array, error) {
	return binary(a, b, "add", func(x, y float32) float32 { return x + y })
}

// Mul returns the element-wise product a ⊙ b. b may be a broadcast row vector.
func Mul(a, b *tensor.Array) (*tensor.Array, error) {
	return binary(a, b, "mul", func(x, y float32) float32 { return x * y })
}

func unary(x *tensor.Array, op string, f func(float32) float32) (*tensor.Array, error) {
	if err := hostData(op, x); err != nil {
		return nil, err
	}
	out, err := tensor.New(x.Shape())
	if err != nil {
		return nil, err
	}
	od := out.Data()
	for i, v := range x.Data() {
		od[i] = f(v)
	}
	return out, nil
}

func binary(a, b *tensor.Array, op string, f func(x, y float32) float32) (*tensor.Array, error) {
	if err := hostData(op, a, b); err != nil {
		return nil, err
	}
	cols := a.Shape().Cols()
	switch {
	case b.Len() == a.Len():
	case b.Len() == cols:
	default:
		return nil, shapeErr("%s: %s and %s do not broadcast", op, a.Shape(), b.Shape())
	}
	out, err := tensor.New(a.Shape())
	if err != nil {
		return nil, err
	}
	ad, bd, od := a.Data(), b.Data(), out.Data()
	if len(bd) == len(ad) {
		for i := range ad {
			od[i] = f(ad[i], bd[i])
		}
		return out, nil
	}
	for i := range ad {
		od[i] = f(ad[i], bd[i%cols])
	}
	return out, nil
}

// Softmax normalizes each row to a probability distribution, subtracting the
// row maximum first so large scores do not overflow. Rows of all -inf yield zeros.
func Softmax(x *tensor.Array) (*tensor.Array, error) {
	if err := hostData("softmax", x); err != nil {
		return nil, err
	}
	out, err := tensor.New(x.Shape())
	if err != nil {
		return nil, err
	}
	cols := x.Shape().Cols()
	xd, od := x.Data(), out.Data()
	for r := 0; r < x.Shape().Rows(); r++ {
		softmaxRow(od[r*cols:(r+1)*cols], xd[r*cols:(r+1)*cols])
	}
	return out, nil
}

func softmaxRow(dst, src []float32) {
	m := float32(math.Inf(-1))
	for _, v := range src {
		m = max(m, v)
	}
	if math.IsInf(float64(m), -1) {
		clear(dst)
		return
	}
	var sum float32
	for i, v := range src {
		e := float32(math.Exp(float64(v - m)))
		dst[i] = e
		sum += e
	}
	for i := range dst {
		dst[i] /= sum
	}
}

// SoftmaxScale computes softmax(x) * s in one pass.
func SoftmaxScale(x *tensor.Array, s float32) (*tensor.Array, error) {
	out, err := Softmax(x)
	if err != nil {
		return nil, err
	}
	od := out.Data()
	for i := range od {
		od[i] *= s
	}
	return out, nil
}
