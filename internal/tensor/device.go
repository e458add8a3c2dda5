package tensor

import (
	"errors"
	"fmt"
	"sync"
)

// Device represents where an array's storage lives.
type Device int

// Supported devices.
const (
	CPU Device = iota
	WebGPU
)

// String returns a human-readable device name.
func (d Device) String() string {
	switch d {
	case CPU:
		return "CPU"
	case WebGPU:
		return "WebGPU"
	default:
		return "Unknown"
	}
}

// ErrDeviceUnavailable is returned when no allocator is registered for a device.
var ErrDeviceUnavailable = errors.New("device unavailable")

// DeviceBuffer is storage owned by a non-CPU device.
type DeviceBuffer interface {
	Free()
}

// Allocator moves float32 data to and from one device.
type Allocator interface {
	Upload(data []float32) (DeviceBuffer, error)
	Download(buf DeviceBuffer, dst []float32) error
}

var (
	allocMu    sync.RWMutex
	allocators = map[Device]Allocator{}
)

// RegisterAllocator installs the allocator used for transfers to and from d.
// Passing nil removes it.
func RegisterAllocator(d Device, a Allocator) {
	allocMu.Lock()
	defer allocMu.Unlock()
	if a == nil {
		delete(allocators, d)
		return
	}
	allocators[d] = a
}

// Available reports whether arrays can be moved to d.
func Available(d Device) bool {
	if d == CPU {
		return true
	}
	allocMu.RLock()
	defer allocMu.RUnlock()
	_, ok := allocators[d]
	return ok
}

func allocatorFor(d Device) (Allocator, error) {
	allocMu.RLock()
	defer allocMu.RUnlock()
	a, ok := allocators[d]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, d)
	}
	return a, nil
}
