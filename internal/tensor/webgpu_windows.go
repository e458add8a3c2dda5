//go:build windows

package tensor

import (
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"
)

type gpuAllocator struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	mu       sync.Mutex
}

type gpuBuffer struct {
	buf  *wgpu.Buffer
	size uint64
}

func (g *gpuBuffer) Free() { g.buf.Release() }

// EnableWebGPU requests a high-performance adapter and registers it for the
// WebGPU device. It fails when the native library or an adapter is missing.
func EnableWebGPU() (err error) {
	// Recover from panic if wgpu_native library is not found.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: webgpu native library: %v", ErrDeviceUnavailable, r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return fmt.Errorf("%w: request adapter: %v", ErrDeviceUnavailable, err)
	}
	device, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return fmt.Errorf("%w: request device: %v", ErrDeviceUnavailable, err)
	}
	queue := device.GetQueue()
	if queue == nil {
		device.Release()
		adapter.Release()
		instance.Release()
		return fmt.Errorf("%w: no queue", ErrDeviceUnavailable)
	}

	RegisterAllocator(WebGPU, &gpuAllocator{instance: instance, adapter: adapter, device: device, queue: queue})
	return nil
}

func (g *gpuAllocator) Upload(data []float32) (DeviceBuffer, error) {
	size := uint64(len(data) * 4)
	g.mu.Lock()
	defer g.mu.Unlock()

	buffer := g.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	mapped := unsafe.Slice((*byte)(buffer.GetMappedRange(0, size)), size) //nolint:gosec // mapped GPU memory
	for i, v := range data {
		bits := math.Float32bits(v)
		mapped[i*4] = byte(bits)
		mapped[i*4+1] = byte(bits >> 8)
		mapped[i*4+2] = byte(bits >> 16)
		mapped[i*4+3] = byte(bits >> 24)
	}
	buffer.Unmap()
	return &gpuBuffer{buf: buffer, size: size}, nil
}

func (g *gpuAllocator) Download(b DeviceBuffer, dst []float32) error {
	src, ok := b.(*gpuBuffer)
	if !ok {
		return fmt.Errorf("webgpu: foreign buffer %T", b)
	}
	size := uint64(len(dst) * 4)
	if size > src.size {
		return fmt.Errorf("webgpu: read %d bytes from %d byte buffer", size, src.size)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	staging := g.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()

	encoder := g.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src.buf, 0, staging, 0, size)
	g.queue.Submit(encoder.Finish(nil))

	if err := staging.MapAsync(g.device, wgpu.MapModeRead, 0, size); err != nil {
		return fmt.Errorf("webgpu: map staging buffer: %w", err)
	}
	mapped := unsafe.Slice((*byte)(staging.GetMappedRange(0, size)), size) //nolint:gosec // mapped GPU memory
	for i := range dst {
		dst[i] = math.Float32frombits(uint32(mapped[i*4]) | uint32(mapped[i*4+1])<<8 |
			uint32(mapped[i*4+2])<<16 | uint32(mapped[i*4+3])<<24)
	}
	staging.Unmap()
	return nil
}
