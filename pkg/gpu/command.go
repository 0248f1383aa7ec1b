package gpu

import (
	"fmt"

	"github.com/google/uuid"
)

// Binding is one argument slot of a dispatch: either a buffer or inline bytes.
type Binding struct {
	Index  int
	Buffer Buffer
	Offset int
	Bytes  []byte
}

// Dispatch is a single recorded kernel launch.
//
// Groups is the number of thread groups per axis and ThreadsPerGroup the size
// of each group, matching dispatchThreadgroups:threadsPerThreadgroup: in Metal.
type Dispatch struct {
	Pipeline        Pipeline
	Bindings        []Binding
	Groups          Size
	ThreadsPerGroup Size
}

// Binding returns the binding at index, if set.
func (d *Dispatch) Binding(index int) (Binding, bool) {
	for _, b := range d.Bindings {
		if b.Index == index {
			return b, true
		}
	}
	return Binding{}, false
}

// Validate checks sizing and that every buffer binding is in range.
func (d *Dispatch) Validate() error {
	if d.Pipeline == nil {
		return fmt.Errorf("%w: no pipeline", ErrInvalidDispatch)
	}
	if !d.Groups.Valid() || !d.ThreadsPerGroup.Valid() {
		return fmt.Errorf("%w: %s groups=%v threads=%v", ErrInvalidDispatch, d.Pipeline.Name(), d.Groups, d.ThreadsPerGroup)
	}
	if limit := d.Pipeline.MaxThreadsPerGroup(); limit > 0 && d.ThreadsPerGroup.Volume() > limit {
		return fmt.Errorf("%w: %s wants %d threads per group, limit %d",
			ErrInvalidDispatch, d.Pipeline.Name(), d.ThreadsPerGroup.Volume(), limit)
	}
	for _, b := range d.Bindings {
		if b.Buffer == nil {
			continue
		}
		if b.Offset < 0 || b.Offset > b.Buffer.Len() {
			return fmt.Errorf("%w: %s binding %d offset %d out of range", ErrInvalidBuffer, d.Pipeline.Name(), b.Index, b.Offset)
		}
	}
	return nil
}

// CommandBuffer is a batch of dispatches submitted and executed as one unit.
//
// A CommandBuffer is recorded by a single goroutine and submitted once.
type CommandBuffer struct {
	label      string
	dispatches []Dispatch
}

// NewCommandBuffer starts recording. An empty label gets a generated one.
func NewCommandBuffer(label string) *CommandBuffer {
	id := uuid.NewString()
	if label == "" {
		label = id
	} else {
		label = label + "-" + id[:8]
	}
	return &CommandBuffer{label: label}
}

// Label identifies the command buffer in logs.
func (cb *CommandBuffer) Label() string { return cb.label }

// Dispatches returns the recorded dispatches in submission order.
func (cb *CommandBuffer) Dispatches() []Dispatch { return cb.dispatches }

// Encoder begins a compute pass for pipe. The pass is appended to the command
// buffer when Dispatch is called.
func (cb *CommandBuffer) Encoder(pipe Pipeline) *Encoder {
	return &Encoder{cb: cb, d: Dispatch{Pipeline: pipe}}
}

// Encoder records argument bindings and sizing for one dispatch.
type Encoder struct {
	cb   *CommandBuffer
	d    Dispatch
	done bool
}

// SetBuffer binds buf at index.
func (e *Encoder) SetBuffer(index int, buf Buffer, offset int) {
	e.d.Bindings = append(e.d.Bindings, Binding{Index: index, Buffer: buf, Offset: offset})
}

// SetBytes binds a small inline constant at index.
func (e *Encoder) SetBytes(index int, b []byte) {
	cp := make([]byte, len(b))
	copy(cp, b)
	e.d.Bindings = append(e.d.Bindings, Binding{Index: index, Bytes: cp})
}

// SetUint32 binds a little-endian uint32 constant.
func (e *Encoder) SetUint32(index int, v uint32) { e.SetBytes(index, Uint32Bytes(v)) }

// SetFloat32 binds a little-endian float32 constant.
func (e *Encoder) SetFloat32(index int, v float32) { e.SetBytes(index, Float32Bytes(v)) }

// Dispatch records the launch and ends the pass. Further calls are ignored.
func (e *Encoder) Dispatch(groups, threadsPerGroup Size) {
	if e.done {
		return
	}
	e.done = true
	e.d.Groups = groups
	e.d.ThreadsPerGroup = threadsPerGroup
	e.cb.dispatches = append(e.cb.dispatches, e.d)
}

// DispatchError reports which dispatch of a submitted command buffer failed.
// Dispatches before Index completed; the ones after it did not run.
type DispatchError struct {
	Label    string
	Index    int
	Pipeline string
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s dispatch %d (%s): %v", e.Label, e.Index, e.Pipeline, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
