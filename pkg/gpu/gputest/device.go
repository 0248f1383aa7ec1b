// Package gputest provides a recording gpu.Device for tests.
//
// Device wraps a real device (the software device by default) and records
// every dispatch it is asked to run. Failures can be injected per entry
// point, so tests can assert how far a multi-stage submission got.
//
//	dev := gputest.New()
//	dev.FailOn("attention")
//	_, err := acc.ProcessSequence(tokens)
//	// dev.Count("embed") == 1, dev.Count("feedforward") == 0
package gputest

import (
	"fmt"
	"sync"

	"github.com/orneryd/cortex/pkg/gpu"
	"github.com/orneryd/cortex/pkg/gpu/cpu"
)

// Device is a recording, fault-injecting gpu.Device.
type Device struct {
	inner gpu.Device

	mu          sync.Mutex
	dispatched  []string
	submissions int
	allocations int
	live        map[*buffer]struct{}
	failOn      map[string]error
	hidden      map[string]bool
	failCompile error
	failAlloc   error
}

// New wraps a fresh software device.
func New() *Device {
	return Wrap(cpu.New(nil))
}

// Wrap records calls made to inner.
func Wrap(inner gpu.Device) *Device {
	return &Device{
		inner:  inner,
		live:   make(map[*buffer]struct{}),
		failOn: make(map[string]error),
		hidden: make(map[string]bool),
	}
}

// FailOn makes any dispatch of the named pipeline fail with gpu.ErrKernelFailed.
// Dispatches before it in the same command buffer still run.
func (d *Device) FailOn(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failOn[name] = fmt.Errorf("%w: injected failure in %s", gpu.ErrKernelFailed, name)
}

// WithoutFunction hides an entry point from compiled libraries.
func (d *Device) WithoutFunction(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hidden[name] = true
}

// FailCompile makes the next and every later Compile return err.
func (d *Device) FailCompile(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failCompile = err
}

// FailAllocate makes every later Allocate return err.
func (d *Device) FailAllocate(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAlloc = err
}

// Dispatched returns pipeline names in the order they were dispatched.
func (d *Device) Dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dispatched...)
}

// Count returns how many times the named pipeline was dispatched.
func (d *Device) Count(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, got := range d.dispatched {
		if got == name {
			n++
		}
	}
	return n
}

// Submissions returns how many command buffers were submitted.
func (d *Device) Submissions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submissions
}

// Allocations returns the number of successful allocations.
func (d *Device) Allocations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocations
}

// LiveBuffers returns buffers allocated and not yet released.
func (d *Device) LiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// Reset clears recorded dispatches and submissions. Injected faults stay.
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatched = nil
	d.submissions = 0
}

// Info reports the inner device with the mock backend.
func (d *Device) Info() gpu.DeviceInfo {
	info := d.inner.Info()
	info.Backend = gpu.BackendMock
	info.Name = "mock(" + info.Name + ")"
	return info
}

// Compile compiles with the inner device, applying hidden functions.
func (d *Device) Compile(source []byte) (gpu.Library, error) {
	d.mu.Lock()
	failErr := d.failCompile
	hidden := make(map[string]bool, len(d.hidden))
	for name := range d.hidden {
		hidden[name] = true
	}
	d.mu.Unlock()

	if failErr != nil {
		return nil, failErr
	}
	lib, err := d.inner.Compile(source)
	if err != nil {
		return nil, err
	}
	return &library{inner: lib, hidden: hidden}, nil
}

// Allocate allocates from the inner device and tracks liveness.
func (d *Device) Allocate(length int, mode gpu.StorageMode) (gpu.Buffer, error) {
	d.mu.Lock()
	failErr := d.failAlloc
	d.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}

	inner, err := d.inner.Allocate(length, mode)
	if err != nil {
		return nil, err
	}
	b := &buffer{Buffer: inner, dev: d}
	d.mu.Lock()
	d.allocations++
	d.live[b] = struct{}{}
	d.mu.Unlock()
	return b, nil
}

// Submit records each dispatch and forwards the command buffer to the inner
// device. An injected failure runs the dispatches recorded before it and
// returns without running the rest.
func (d *Device) Submit(cb *gpu.CommandBuffer) error {
	d.mu.Lock()
	d.submissions++
	d.mu.Unlock()

	run := gpu.NewCommandBuffer(cb.Label())
	for i, disp := range cb.Dispatches() {
		name := ""
		if disp.Pipeline != nil {
			name = disp.Pipeline.Name()
		}
		d.mu.Lock()
		d.dispatched = append(d.dispatched, name)
		failErr := d.failOn[name]
		d.mu.Unlock()

		if failErr != nil {
			if len(run.Dispatches()) > 0 {
				if err := d.inner.Submit(run); err != nil {
					return err
				}
			}
			return &gpu.DispatchError{Label: cb.Label(), Index: i, Pipeline: name, Err: failErr}
		}
		record(run, disp)
	}
	return d.inner.Submit(run)
}

// record copies disp into cb, unwrapping mock buffers.
func record(cb *gpu.CommandBuffer, disp gpu.Dispatch) {
	enc := cb.Encoder(disp.Pipeline)
	for _, b := range disp.Bindings {
		if b.Buffer == nil {
			enc.SetBytes(b.Index, b.Bytes)
			continue
		}
		buf := b.Buffer
		if mb, ok := buf.(*buffer); ok {
			buf = mb.Buffer
		}
		enc.SetBuffer(b.Index, buf, b.Offset)
	}
	enc.Dispatch(disp.Groups, disp.ThreadsPerGroup)
}

type library struct {
	inner  gpu.Library
	hidden map[string]bool
}

func (l *library) Pipeline(name string) (gpu.Pipeline, error) {
	if l.hidden[name] {
		return nil, fmt.Errorf("%w: %q", gpu.ErrFunctionNotFound, name)
	}
	return l.inner.Pipeline(name)
}

func (l *library) Functions() []string {
	var out []string
	for _, name := range l.inner.Functions() {
		if !l.hidden[name] {
			out = append(out, name)
		}
	}
	return out
}

type buffer struct {
	gpu.Buffer
	dev  *Device
	once sync.Once
}

func (b *buffer) Release() {
	b.once.Do(func() {
		b.dev.mu.Lock()
		delete(b.dev.live, b)
		b.dev.mu.Unlock()
		b.Buffer.Release()
	})
}
