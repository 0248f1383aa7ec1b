// Package cpu provides a software compute device that executes cortex kernels
// on goroutines with thread-group semantics.
//
// The device behaves like a GPU with unified memory: buffers are host memory,
// thread groups are scheduled in parallel, and the threads of a cooperative
// group run concurrently so they can share group memory and synchronize on
// Thread.Barrier. Submit serializes command buffers through a single queue and
// blocks until every dispatch has finished.
//
// Kernel source is a YAML manifest (see Compile) naming the entry points a
// program exports. Entry points are bound to the Go kernels registered on the
// device; the default set is returned by Kernels.
//
// Example:
//
//	dev := cpu.New(nil)
//	lib, err := dev.Compile(manifest)
//	if err != nil {
//		log.Fatalf("compile: %v", err)
//	}
//	pipe, _ := lib.Pipeline("ip_search")
//	fmt.Println(pipe.MaxThreadsPerGroup())
package cpu

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/viterin/vek/vek32"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/cortex/pkg/gpu"
)

// Config holds software device settings.
type Config struct {
	// Name reported in DeviceInfo
	Name string

	// MaxBufferLength caps a single allocation in bytes
	MaxBufferLength uint64

	// MaxThreadsPerGroup caps the occupancy of every pipeline
	MaxThreadsPerGroup int

	// Workers bounds how many thread groups run at once (0 = GOMAXPROCS)
	Workers int

	// MaxGroupMemory caps the group memory of one thread group in bytes
	MaxGroupMemory int

	// LowPower is reported to health checks
	LowPower bool
}

// DefaultConfig returns the settings used when New is given nil.
func DefaultConfig() *Config {
	return &Config{
		Name:               "cortex-cpu",
		MaxBufferLength:    1 << 30, // 1GB
		MaxThreadsPerGroup: 1024,
		Workers:            0,
		MaxGroupMemory:     32 << 20, // 32MB
		LowPower:           false,
	}
}

// Stats tracks device usage.
type Stats struct {
	Submissions      int64
	Dispatches       int64
	FailedDispatches int64
	BytesAllocated   int64
	LiveBuffers      int64
	BusyNs           int64
}

// Device is the software compute device.
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Submit calls are serialized.
type Device struct {
	config  Config
	kernels map[string]Kernel
	kmu     sync.RWMutex

	queue sync.Mutex

	submissions      atomic.Int64
	dispatches       atomic.Int64
	failedDispatches atomic.Int64
	bytesAllocated   atomic.Int64
	liveBuffers      atomic.Int64
	busyNs           atomic.Int64
}

// New creates a device with the default kernel set registered.
func New(config *Config) *Device {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.MaxBufferLength == 0 {
		cfg.MaxBufferLength = def.MaxBufferLength
	}
	if cfg.MaxThreadsPerGroup <= 0 {
		cfg.MaxThreadsPerGroup = def.MaxThreadsPerGroup
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.MaxGroupMemory <= 0 {
		cfg.MaxGroupMemory = def.MaxGroupMemory
	}

	d := &Device{
		config:  cfg,
		kernels: make(map[string]Kernel),
	}
	for _, k := range Kernels() {
		d.Register(k)
	}
	return d
}

// Register adds or replaces a kernel implementation. Libraries compiled
// before the call keep the implementation they were bound to.
func (d *Device) Register(k Kernel) {
	d.kmu.Lock()
	defer d.kmu.Unlock()
	d.kernels[k.Name] = k
}

func (d *Device) kernel(name string) (Kernel, bool) {
	d.kmu.RLock()
	defer d.kmu.RUnlock()
	k, ok := d.kernels[name]
	return k, ok
}

// Info returns the device capabilities.
func (d *Device) Info() gpu.DeviceInfo {
	info := vek32.Info()
	vendor := "generic"
	if info.Acceleration {
		vendor = "simd"
	}
	return gpu.DeviceInfo{
		ID:              0,
		Name:            d.config.Name,
		Vendor:          vendor,
		Backend:         gpu.BackendCPU,
		MemoryMB:        int(d.config.MaxBufferLength >> 20),
		ComputeUnits:    d.config.Workers,
		MaxWorkGroup:    d.config.MaxThreadsPerGroup,
		MaxBufferLength: d.config.MaxBufferLength,
		LowPower:        d.config.LowPower,
		UnifiedMemory:   true,
		Available:       true,
	}
}

// Stats returns device usage counters.
func (d *Device) Stats() Stats {
	return Stats{
		Submissions:      d.submissions.Load(),
		Dispatches:       d.dispatches.Load(),
		FailedDispatches: d.failedDispatches.Load(),
		BytesAllocated:   d.bytesAllocated.Load(),
		LiveBuffers:      d.liveBuffers.Load(),
		BusyNs:           d.busyNs.Load(),
	}
}

// Allocate returns a zeroed buffer of exactly length bytes.
func (d *Device) Allocate(length int, mode gpu.StorageMode) (gpu.Buffer, error) {
	if length <= 0 {
		return nil, fmt.Errorf("%w: length %d", gpu.ErrInvalidBuffer, length)
	}
	if uint64(length) > d.config.MaxBufferLength {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", gpu.ErrDataTooLarge, length, d.config.MaxBufferLength)
	}

	// Back the buffer with uint64 words so float32/uint32 views are aligned.
	words := make([]uint64, (length+7)/8)
	data := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), length)

	d.bytesAllocated.Add(int64(length))
	d.liveBuffers.Add(1)
	return &buffer{data: data, mode: mode, dev: d}, nil
}

// Submit executes the command buffer and blocks until it completes.
func (d *Device) Submit(cb *gpu.CommandBuffer) error {
	d.queue.Lock()
	defer d.queue.Unlock()

	d.submissions.Add(1)
	start := time.Now()
	defer func() { d.busyNs.Add(time.Since(start).Nanoseconds()) }()

	for i := range cb.Dispatches() {
		disp := cb.Dispatches()[i]
		if err := d.execute(&disp); err != nil {
			d.failedDispatches.Add(1)
			return &gpu.DispatchError{Label: cb.Label(), Index: i, Pipeline: pipelineName(&disp), Err: err}
		}
		d.dispatches.Add(1)
	}
	return nil
}

func (d *Device) execute(disp *gpu.Dispatch) error {
	if err := disp.Validate(); err != nil {
		return err
	}
	pipe, ok := disp.Pipeline.(*pipeline)
	if !ok || pipe.dev != d {
		return fmt.Errorf("%w: pipeline %q was not compiled by this device", gpu.ErrInvalidDispatch, disp.Pipeline.Name())
	}

	args := newArgs(pipe, disp)
	fn, err := pipe.kernel.Prepare(args)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", gpu.ErrKernelFailed, pipe.name, err)
	}

	g := new(errgroup.Group)
	g.SetLimit(d.config.Workers)
	groups := disp.Groups
	for z := 0; z < groups.Z; z++ {
		for y := 0; y < groups.Y; y++ {
			for x := 0; x < groups.X; x++ {
				id := gpu.Size{X: x, Y: y, Z: z}
				g.Go(func() error {
					return runGroup(pipe, fn, id, disp.ThreadsPerGroup)
				})
			}
		}
	}
	return g.Wait()
}

func pipelineName(disp *gpu.Dispatch) string {
	if disp.Pipeline == nil {
		return ""
	}
	return disp.Pipeline.Name()
}

// kernelPanic converts a recovered kernel panic into an error.
func kernelPanic(name string, rec any) error {
	if recErr, ok := rec.(error); ok {
		return fmt.Errorf("%w: %s: %w", gpu.ErrKernelFailed, name, recErr)
	}
	return fmt.Errorf("%w: %s: %v", gpu.ErrKernelFailed, name, rec)
}

type buffer struct {
	data     []byte
	mode     gpu.StorageMode
	dev      *Device
	released atomic.Bool
}

func (b *buffer) Len() int             { return len(b.data) }
func (b *buffer) Mode() gpu.StorageMode { return b.mode }

func (b *buffer) Contents() []byte {
	if b.released.Load() {
		return nil
	}
	return b.data
}

func (b *buffer) Release() {
	if b.released.Swap(true) {
		return
	}
	b.dev.liveBuffers.Add(-1)
}
