//go:build !windows

package tensor

import "fmt"

// EnableWebGPU reports that the WebGPU device is not built on this platform.
func EnableWebGPU() error {
	return fmt.Errorf("%w: webgpu is only built for windows", ErrDeviceUnavailable)
}
