// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor exposes the device-tagged, refcounted arrays the engine
// computes on.
//
// The package defines:
//   - Array: row-major float32 storage tagged with the Device it lives on
//   - Shape: dimensions, outermost first
//   - Device: CPU or WebGPU, checked with Available and enabled with EnableWebGPU
//
// Example:
//
//	x, err := tensor.FromData([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
//	if err != nil {
//	    return err
//	}
//	defer x.Release()
//	if err := tensor.EnableWebGPU(); err == nil {
//	    g, _ := x.ToDevice(tensor.WebGPU)
//	    defer g.Release()
//	}
package tensor

import "github.com/casonadams/minerva-sub000/internal/tensor"

// Array is a row-major float32 array on one device. Retain and Release
// manage its shared storage: every holder calls Release exactly once, and the
// buffer is freed (or handed back to its device) when the count reaches zero.
// Reshape returns a view sharing the same storage.
type Array = tensor.Array

// Shape holds array dimensions, outermost first.
type Shape = tensor.Shape

// Device tags where an array's storage lives.
type Device = tensor.Device

// Supported devices.
const (
	CPU    = tensor.CPU
	WebGPU = tensor.WebGPU
)

// ErrDeviceUnavailable is returned for transfers to a device with no allocator.
var ErrDeviceUnavailable = tensor.ErrDeviceUnavailable

// FromData wraps data (not copied) in an array of shape.
func FromData(data []float32, shape Shape) (*Array, error) {
	return tensor.FromData(data, shape)
}

// Available reports whether transfers to d are possible.
func Available(d Device) bool {
	return tensor.Available(d)
}

// EnableWebGPU registers the WebGPU allocator. It fails on platforms where
// the device is not built.
func EnableWebGPU() error {
	return tensor.EnableWebGPU()
}
