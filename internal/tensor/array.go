// Package tensor provides the device-tagged, reference-counted float32 array
// shared by the loaders, kernels and compute graph.
package tensor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/casonadams/minerva-sub000/internal/errs"
)

// buffer is reference-counted storage living on exactly one device.
// Host data is set for CPU buffers, dev for everything else.
type buffer struct {
	host     []float32
	dev      DeviceBuffer
	device   Device
	refCount atomic.Int32
	mu       sync.Mutex // For safe deallocation
}

func newBuffer(host []float32, dev DeviceBuffer, device Device) *buffer {
	b := &buffer{host: host, dev: dev, device: device}
	b.refCount.Store(1)
	return b
}

func (b *buffer) addRef() {
	b.refCount.Add(1)
}

func (b *buffer) release() {
	if b.refCount.Add(-1) == 0 {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.host = nil
		if b.dev != nil {
			b.dev.Free()
			b.dev = nil
		}
	}
}

// Array is a shape over a shared buffer. Arrays that share a buffer are views
// of the same storage; the storage is freed when the last view is released.
type Array struct {
	buf   *buffer
	shape Shape
}

// New allocates a zeroed CPU array.
func New(shape Shape) (*Array, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	return &Array{buf: newBuffer(make([]float32, shape.NumElements()), nil, CPU), shape: shape.Clone()}, nil
}

// FromData wraps data as a CPU array without copying. The array takes ownership.
func FromData(data []float32, shape Shape) (*Array, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	if len(data) != shape.NumElements() {
		return nil, &errs.GraphError{
			Kind: errs.ShapeMismatch, Node: -1, Input: -1,
			Detail: fmt.Sprintf("shape %s needs %d elements, got %d", shape, shape.NumElements(), len(data)),
		}
	}
	return &Array{buf: newBuffer(data, nil, CPU), shape: shape.Clone()}, nil
}

// MustFromData is FromData for literals in tests and fixtures.
func MustFromData(data []float32, shape ...int) *Array {
	a, err := FromData(data, shape)
	if err != nil {
		panic(err)
	}
	return a
}

// Shape returns the array's shape. Callers must not modify it.
func (a *Array) Shape() Shape { return a.shape }

// Device returns where the storage lives.
func (a *Array) Device() Device { return a.buf.device }

// Len returns the number of elements.
func (a *Array) Len() int { return a.shape.NumElements() }

// Data returns the host storage of a CPU array, nil for arrays on other devices
// or arrays whose storage has been released.
func (a *Array) Data() []float32 {
	if a.buf.device != CPU {
		return nil
	}
	return a.buf.host
}

// RefCount returns the number of live views of the storage.
func (a *Array) RefCount() int { return int(a.buf.refCount.Load()) }

// IsUnique reports whether this is the only view, so the storage may be
// mutated in place.
func (a *Array) IsUnique() bool { return a.buf.refCount.Load() == 1 }

// Retain returns a new view of the same storage.
func (a *Array) Retain() *Array {
	a.buf.addRef()
	return &Array{buf: a.buf, shape: a.shape}
}

// Release drops this view's reference.
func (a *Array) Release() {
	if a.buf != nil {
		a.buf.release()
	}
}

// Reshape returns a view with a new shape of the same element count.
func (a *Array) Reshape(shape ...int) (*Array, error) {
	s := Shape(shape)
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	if s.NumElements() != a.Len() {
		return nil, &errs.GraphError{
			Kind: errs.ShapeMismatch, Node: -1, Input: -1,
			Detail: fmt.Sprintf("cannot reshape %s to %s", a.shape, s),
		}
	}
	a.buf.addRef()
	return &Array{buf: a.buf, shape: s.Clone()}, nil
}

// Clone returns a CPU array holding a private copy of the data.
func (a *Array) Clone() (*Array, error) {
	host, err := a.hostCopy()
	if err != nil {
		return nil, err
	}
	return &Array{buf: newBuffer(host, nil, CPU), shape: a.shape.Clone()}, nil
}

// ToDevice returns a view resident on target. When the array already lives
// there the storage is shared; otherwise new storage is allocated and filled.
func (a *Array) ToDevice(target Device) (*Array, error) {
	if a.buf.device == target {
		return a.Retain(), nil
	}

	host, err := a.hostCopy()
	if err != nil {
		return nil, err
	}
	if target == CPU {
		return &Array{buf: newBuffer(host, nil, CPU), shape: a.shape.Clone()}, nil
	}

	alloc, err := allocatorFor(target)
	if err != nil {
		return nil, err
	}
	dev, err := alloc.Upload(host)
	if err != nil {
		return nil, fmt.Errorf("upload to %s: %w", target, err)
	}
	return &Array{buf: newBuffer(nil, dev, target), shape: a.shape.Clone()}, nil
}

func (a *Array) hostCopy() ([]float32, error) {
	out := make([]float32, a.Len())
	if a.buf.device == CPU {
		copy(out, a.buf.host)
		return out, nil
	}
	alloc, err := allocatorFor(a.buf.device)
	if err != nil {
		return nil, err
	}
	if err := alloc.Download(a.buf.dev, out); err != nil {
		return nil, fmt.Errorf("download from %s: %w", a.buf.device, err)
	}
	return out, nil
}
