package cpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/orneryd/cortex/pkg/gpu"
)

// Args gives a kernel typed access to the bindings of a dispatch.
type Args struct {
	kernel    string
	constants map[string]int
	bindings  map[int]gpu.Binding
	threads   gpu.Size
	maxShared int
}

func newArgs(p *pipeline, disp *gpu.Dispatch) *Args {
	a := &Args{
		kernel:    p.name,
		constants: p.constants,
		bindings:  make(map[int]gpu.Binding, len(disp.Bindings)),
		threads:   disp.ThreadsPerGroup,
		maxShared: p.dev.config.MaxGroupMemory,
	}
	for _, b := range disp.Bindings {
		a.bindings[b.Index] = b
	}
	return a
}

// ThreadsPerGroup returns the thread-group extent of the dispatch.
func (a *Args) ThreadsPerGroup() gpu.Size { return a.threads }

// ReserveShared checks that n bytes of group memory fit the device limit.
// Kernels call it before requesting group memory with Thread.Shared.
func (a *Args) ReserveShared(n int) error {
	if n > a.maxShared {
		return fmt.Errorf("%w: %d bytes requested, limit %d", gpu.ErrGroupMemory, n, a.maxShared)
	}
	return nil
}

// Constant returns a compile-time constant from the manifest.
func (a *Args) Constant(name string, def int) int {
	if v, ok := a.constants[name]; ok {
		return v
	}
	return def
}

// Bytes returns the memory bound at index, starting at the binding offset.
func (a *Args) Bytes(index int) ([]byte, error) {
	b, ok := a.bindings[index]
	if !ok {
		return nil, fmt.Errorf("binding %d not set", index)
	}
	if b.Buffer == nil {
		return b.Bytes, nil
	}
	mem := b.Buffer.Contents()
	if mem == nil {
		return nil, fmt.Errorf("binding %d: %w (released)", index, gpu.ErrInvalidBuffer)
	}
	return mem[b.Offset:], nil
}

// Float32s views the binding as float32 elements.
func (a *Args) Float32s(index int) ([]float32, error) {
	mem, err := a.Bytes(index)
	if err != nil {
		return nil, err
	}
	return gpu.View[float32](mem), nil
}

// Uint32s views the binding as uint32 elements.
func (a *Args) Uint32s(index int) ([]uint32, error) {
	mem, err := a.Bytes(index)
	if err != nil {
		return nil, err
	}
	return gpu.View[uint32](mem), nil
}

// Uint8s views the binding as bytes.
func (a *Args) Uint8s(index int) ([]uint8, error) {
	return a.Bytes(index)
}

// Uint32 reads a little-endian 4-byte constant.
func (a *Args) Uint32(index int) (uint32, error) {
	mem, err := a.Bytes(index)
	if err != nil {
		return 0, err
	}
	if len(mem) < 4 {
		return 0, fmt.Errorf("binding %d: need 4 bytes, have %d", index, len(mem))
	}
	return binary.LittleEndian.Uint32(mem), nil
}

// Float32 reads a little-endian 4-byte float constant.
func (a *Args) Float32(index int) (float32, error) {
	v, err := a.Uint32(index)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}
