// Package gpu defines the device abstraction used by the cortex compute pipeline.
//
// The package models a GPU the way Metal and Vulkan expose one: a Device compiles
// kernel source into a Library of named entry points, allocates Buffers with an
// explicit storage mode, and executes CommandBuffers that were recorded on the host.
// Submit blocks until the device has finished every dispatch in the buffer, so the
// command queue of a Device is the serialization point for all work sent to it.
//
// Architecture:
//   - Device: capability handle + compile/allocate/submit
//   - Library: compiled program, resolves entry points by name
//   - Pipeline: immutable compiled entry point with its occupancy limit
//   - Buffer: device memory region, exclusively owned by whoever allocated it
//   - CommandBuffer: host-side recording of dispatches, submitted as one unit
//
// Implementations:
//   - pkg/gpu/cpu: software device executing kernels on goroutines
//   - pkg/gpu/gputest: recording device for dispatch assertions in tests
//
// Example Usage:
//
//	dev := cpu.New(cpu.DefaultConfig())
//	lib, err := dev.Compile(source)
//	if err != nil {
//		return err
//	}
//	pipe, err := lib.Pipeline("quantize_embeddings")
//	if err != nil {
//		return err
//	}
//
//	in, _ := gpu.Upload(dev, gpu.BytesOf(values), gpu.StorageShared)
//	defer in.Release()
//	out, _ := dev.Allocate(len(values), gpu.StorageShared)
//	defer out.Release()
//
//	cb := gpu.NewCommandBuffer("quantize")
//	enc := cb.Encoder(pipe)
//	enc.SetBuffer(0, in, 0)
//	enc.SetBuffer(1, out, 0)
//	enc.SetFloat32(2, 0.1)
//	enc.SetFloat32(3, 128)
//	enc.Dispatch(gpu.Size1D(groups), gpu.Size1D(threads))
//	if err := dev.Submit(cb); err != nil {
//		return err
//	}
package gpu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Errors
var (
	ErrGPUNotAvailable   = errors.New("gpu: no compatible GPU found")
	ErrOutOfMemory       = errors.New("gpu: out of GPU memory")
	ErrKernelFailed      = errors.New("gpu: kernel execution failed")
	ErrDataTooLarge      = errors.New("gpu: data exceeds GPU memory")
	ErrInvalidDimensions = errors.New("gpu: vector dimension mismatch")
	ErrCompileFailed     = errors.New("gpu: kernel compilation failed")
	ErrFunctionNotFound  = errors.New("gpu: kernel function not found")
	ErrInvalidBuffer     = errors.New("gpu: invalid buffer")
	ErrInvalidDispatch   = errors.New("gpu: invalid dispatch")
	ErrGroupMemory       = errors.New("gpu: thread group memory limit exceeded")
)

// Backend represents the GPU compute backend.
type Backend string

const (
	BackendNone  Backend = "none"  // No device
	BackendCPU   Backend = "cpu"   // Software device
	BackendMetal Backend = "metal" // Apple Silicon
	BackendMock  Backend = "mock"  // Test double
)

// StorageMode defines how buffer memory is managed.
type StorageMode int

const (
	// StorageShared uses unified memory accessible by both CPU and GPU.
	StorageShared StorageMode = 0

	// StorageManaged requires explicit synchronization between CPU and GPU.
	StorageManaged StorageMode = 1

	// StoragePrivate is GPU-only memory.
	StoragePrivate StorageMode = 2
)

func (m StorageMode) String() string {
	switch m {
	case StorageShared:
		return "shared"
	case StorageManaged:
		return "managed"
	case StoragePrivate:
		return "private"
	default:
		return fmt.Sprintf("StorageMode(%d)", int(m))
	}
}

// DeviceInfo contains information about a GPU device.
//
// MaxBufferLength and LowPower are what external health checks read; the
// compute pipeline itself only relies on MaxBufferLength through Allocate.
type DeviceInfo struct {
	ID              int     `json:"id"`
	Name            string  `json:"name"`
	Vendor          string  `json:"vendor"`
	Backend         Backend `json:"backend"`
	MemoryMB        int     `json:"memory_mb"`
	ComputeUnits    int     `json:"compute_units"`
	MaxWorkGroup    int     `json:"max_work_group"`
	MaxBufferLength uint64  `json:"max_buffer_length"`
	LowPower        bool    `json:"low_power"`
	UnifiedMemory   bool    `json:"unified_memory"`
	Available       bool    `json:"available"`
}

// Size is a 3D extent used for grids and thread groups.
type Size struct {
	X, Y, Z int
}

// Size1D returns a one-dimensional extent.
func Size1D(x int) Size { return Size{X: x, Y: 1, Z: 1} }

// Size2D returns a two-dimensional extent.
func Size2D(x, y int) Size { return Size{X: x, Y: y, Z: 1} }

// Volume returns X*Y*Z.
func (s Size) Volume() int { return s.X * s.Y * s.Z }

// Valid reports whether every axis is at least one.
func (s Size) Valid() bool { return s.X > 0 && s.Y > 0 && s.Z > 0 }

// Buffer is a device memory region.
//
// Contents exposes the host view of the memory for shared and managed buffers.
// A buffer must not be used after Release.
type Buffer interface {
	// Len returns the exact byte length requested at allocation.
	Len() int
	Mode() StorageMode
	Contents() []byte
	Release()
}

// Pipeline is a compiled kernel entry point.
type Pipeline interface {
	Name() string
	MaxThreadsPerGroup() int
}

// Library is a compiled device program.
type Library interface {
	// Pipeline resolves a named entry point. It returns an error wrapping
	// ErrFunctionNotFound when the program does not export the name.
	Pipeline(name string) (Pipeline, error)
	Functions() []string
}

// Device is a compute device with a single command queue.
type Device interface {
	Info() DeviceInfo
	Compile(source []byte) (Library, error)
	Allocate(length int, mode StorageMode) (Buffer, error)
	// Submit executes every dispatch of cb in order and blocks until the device
	// has completed them. Once started a command buffer runs to completion.
	Submit(cb *CommandBuffer) error
}

// Upload allocates a buffer sized exactly to data and copies data into it.
func Upload(dev Device, data []byte, mode StorageMode) (Buffer, error) {
	buf, err := dev.Allocate(len(data), mode)
	if err != nil {
		return nil, err
	}
	copy(buf.Contents(), data)
	return buf, nil
}

// Uint32Bytes encodes v as a little-endian 4-byte constant.
func Uint32Bytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
