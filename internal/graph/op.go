// Package graph builds, optimizes and executes the compute graph of one
// forward pass.
//
// A graph is a DAG of operations over tensor.Arrays. Nodes are added through a
// Builder, which rejects references to nodes that do not exist yet and inserts
// Transfer nodes when an input lives on another device. Build validates the
// declared outputs and computes a deterministic topological order. Fuse
// rewrites fixed patterns into compound kernels, and an Executor runs the
// result, releasing every intermediate as soon as its last consumer ran.
package graph

import (
	"fmt"

	"github.com/casonadams/minerva-sub000/internal/nn"
	"github.com/casonadams/minerva-sub000/internal/tensor"
)

// NodeID identifies a node within one graph.
type NodeID int

// Kind is the operation a node performs.
type Kind int

// Operation kinds. The last five are produced by fusion but may also be added
// directly.
const (
	KindInput Kind = iota
	KindConstant
	KindTransfer
	KindMatMul
	KindAdd
	KindMul
	KindScale
	KindRMSNorm
	KindActivation
	KindSoftmax
	KindRoPE
	KindAttention
	KindConcat
	KindMatMulAdd
	KindMatMulAct
	KindMatMulAddAct
	KindAttentionAdd
	KindSoftmaxScale
)

var kindNames = [...]string{
	"input", "constant", "transfer", "matmul", "add", "mul", "scale", "rmsnorm",
	"activation", "softmax", "rope", "attention", "concat",
	"matmul_add", "matmul_act", "matmul_add_act", "attention_add", "softmax_scale",
}

// arity is the number of inputs each kind takes.
var arity = [...]int{0, 0, 1, 2, 2, 2, 1, 2, 1, 1, 1, 3, 2, 3, 2, 3, 4, 1}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Fused reports whether k is a compound kernel.
func (k Kind) Fused() bool { return k >= KindMatMulAdd }

// RopeParams configures a RoPE node.
type RopeParams struct {
	NumHeads int
	HeadDim  int
	StartPos int
	Theta    float64
	Style    nn.RopeStyle
}

// Op is a tagged operation. Only the fields relevant to Kind are read.
type Op struct {
	Kind Kind

	Name   string        // Input binding name, or a label for constants.
	Shape  tensor.Shape  // Declared shape of an Input.
	Device tensor.Device // Device of an Input, or the target of a Transfer.
	Value  *tensor.Array // Constant payload.

	Act    nn.Activation
	Scalar float32 // Scale factor, or RMSNorm epsilon.
	Rope   RopeParams
	Attn   nn.AttentionConfig
}

func (o Op) String() string {
	switch o.Kind {
	case KindInput, KindConstant:
		return fmt.Sprintf("%s(%s)", o.Kind, o.Name)
	case KindActivation, KindMatMulAct, KindMatMulAddAct:
		return fmt.Sprintf("%s(%s)", o.Kind, o.Act)
	case KindTransfer:
		return fmt.Sprintf("%s(%s)", o.Kind, o.Device)
	}
	return o.Kind.String()
}

// Input declares a named CPU input bound at execution time.
func Input(name string, shape ...int) Op {
	return Op{Kind: KindInput, Name: name, Shape: tensor.Shape(shape), Device: tensor.CPU}
}

// InputOn declares a named input resident on device.
func InputOn(name string, device tensor.Device, shape ...int) Op {
	return Op{Kind: KindInput, Name: name, Shape: tensor.Shape(shape), Device: device}
}

// Constant embeds a fixed array, typically a weight.
func Constant(name string, value *tensor.Array) Op {
	return Op{Kind: KindConstant, Name: name, Value: value}
}

// Transfer copies its input to device.
func Transfer(device tensor.Device) Op { return Op{Kind: KindTransfer, Device: device} }

// MatMul computes x · Wᵗ for inputs (x, w).
func MatMul() Op { return Op{Kind: KindMatMul} }

// Add computes a + b with b optionally broadcast over rows.
func Add() Op { return Op{Kind: KindAdd} }

// Mul computes a ⊙ b with b optionally broadcast over rows.
func Mul() Op { return Op{Kind: KindMul} }

// Scale multiplies its input by s.
func Scale(s float32) Op { return Op{Kind: KindScale, Scalar: s} }

// RMSNorm normalizes rows of x and multiplies by the weight, inputs (x, w).
func RMSNorm(eps float32) Op { return Op{Kind: KindRMSNorm, Scalar: eps} }

// Activation applies act element-wise.
func Activation(act nn.Activation) Op { return Op{Kind: KindActivation, Act: act} }

// Softmax normalizes each row.
func Softmax() Op { return Op{Kind: KindSoftmax} }

// RoPE rotates its input by position.
func RoPE(p RopeParams) Op { return Op{Kind: KindRoPE, Rope: p} }

// Attention runs grouped-query attention over inputs (q, k, v).
func Attention(cfg nn.AttentionConfig) Op { return Op{Kind: KindAttention, Attn: cfg} }

// Concat stacks the rows of its second input under the first.
func Concat() Op { return Op{Kind: KindConcat} }
