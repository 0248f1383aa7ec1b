// Package backend selects and opens the compute device.
package backend

import (
	"fmt"
	"strings"

	"github.com/orneryd/cortex/pkg/gpu"
	"github.com/orneryd/cortex/pkg/gpu/cpu"
	"github.com/orneryd/cortex/pkg/gpu/gputest"
	"github.com/orneryd/cortex/pkg/gpu/metal"
)

// Normalize maps a configured backend name to a gpu.Backend.
// "auto" and the empty string select the software device.
func Normalize(name string) (gpu.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto", "cpu", "software":
		return gpu.BackendCPU, nil
	case "metal", "mps":
		return gpu.BackendMetal, nil
	case "mock", "test":
		return gpu.BackendMock, nil
	case "none", "off", "disabled":
		return gpu.BackendNone, nil
	default:
		return "", fmt.Errorf("unknown backend %q", name)
	}
}

// List returns every device visible to this process. The software device is
// always listed; a Metal device is added when the probe succeeds.
func List() []gpu.DeviceInfo {
	devices := []gpu.DeviceInfo{cpu.New(nil).Info()}
	if caps, err := metal.Probe(); err == nil {
		devices = append(devices, gpu.DeviceInfo{
			ID:              len(devices),
			Name:            caps.Name,
			Vendor:          "Apple",
			Backend:         gpu.BackendMetal,
			MemoryMB:        int(caps.MaxBufferLength >> 20),
			MaxBufferLength: caps.MaxBufferLength,
			LowPower:        caps.LowPower,
			UnifiedMemory:   caps.UnifiedMemory,
			// Listed for health checks; kernels do not run on it.
			Available: false,
		})
	}
	return devices
}

// Open returns the executing device for name.
//
// Metal selects the software device sized to the Metal device's buffer limit,
// so health checks and allocation limits agree with the hardware.
func Open(name string, config *cpu.Config) (gpu.Device, error) {
	b, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	if config == nil {
		config = cpu.DefaultConfig()
	}
	cfg := *config

	switch b {
	case gpu.BackendCPU:
		return cpu.New(&cfg), nil
	case gpu.BackendMock:
		return gputest.Wrap(cpu.New(&cfg)), nil
	case gpu.BackendMetal:
		caps, err := metal.Probe()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", gpu.ErrGPUNotAvailable, err)
		}
		cfg.Name = caps.Name
		cfg.LowPower = caps.LowPower
		if caps.MaxBufferLength > 0 && (cfg.MaxBufferLength == 0 || caps.MaxBufferLength < cfg.MaxBufferLength) {
			cfg.MaxBufferLength = caps.MaxBufferLength
		}
		return cpu.New(&cfg), nil
	default:
		return nil, fmt.Errorf("%w: backend %s", gpu.ErrGPUNotAvailable, b)
	}
}
