// Package accel runs the cortex compute pipeline on a gpu.Device.
//
// An Accelerator owns one device command queue. After Initialize has compiled
// the kernel program and built the shared buffer pool it offers three
// operations:
//
//   - ProcessSequence: embed → attention → feedforward → infer, four
//     synchronous dispatches, each consuming the complete output of the last
//   - Quantize: 8-bit affine quantization of embeddings in one dispatch
//   - Search: inner-product scoring plus on-device top-K in one command buffer
//
// Every dispatch blocks until the device finishes. An Accelerator has no
// locking beyond initialization: callers that share one must serialize their
// calls, for example through a Queue.
//
// Example:
//
//	acc := accel.New(cpu.New(nil), accel.Options{})
//	if err := acc.Initialize(); err != nil {
//		log.Fatalf("accelerator: %v", err)
//	}
//	defer acc.Close()
//
//	emb, err := acc.ProcessSequence(tokens)
//	codes, err := acc.Quantize(emb)
//	ids, scores, err := acc.Search(codes, database, 10)
package accel

import (
	_ "embed"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/orneryd/cortex/pkg/gpu"
	"github.com/orneryd/cortex/pkg/quant"
)

const (
	// MaxSeqLength is the longest sequence processed; longer input is truncated.
	MaxSeqLength = 512
	// EmbeddingDim is the width of the positional-encoding table.
	EmbeddingDim = 256
)

// Entry points the kernel program must export.
const (
	KernelEmbed       = "embed"
	KernelAttention   = "attention"
	KernelFeedForward = "feedforward"
	KernelInfer       = "infer"
	KernelQuantize    = "quantize_embeddings"
	KernelSearch      = "ip_search"
	KernelTopK        = "topk_reduce"
)

// RequiredKernels lists every entry point resolved by Initialize.
var RequiredKernels = []string{
	KernelEmbed, KernelAttention, KernelFeedForward, KernelInfer,
	KernelQuantize, KernelSearch, KernelTopK,
}

//go:embed kernels.yaml
var defaultKernelSource []byte

// DefaultKernelSource returns the embedded kernel program.
func DefaultKernelSource() []byte {
	return append([]byte(nil), defaultKernelSource...)
}

// Options configure an Accelerator.
type Options struct {
	// KernelSource replaces the embedded kernel program
	KernelSource []byte
	// KernelPath is read when KernelSource is empty
	KernelPath string
	// Quant are the parameters used by Quantize (zero value = defaults)
	Quant quant.Params
	// Logger receives stage logs (nil = log.Default())
	Logger *log.Logger
	// Metrics is optional
	Metrics *Metrics
}

type state int32

const (
	stateNew state = iota
	stateReady
	statePoisoned
	stateClosed
)

// Stats counts completed and failed operations.
type Stats struct {
	Sequences      int64
	Truncated      int64
	Quantizations  int64
	Searches       int64
	Failures       int64
	BytesAllocated int64
}

// Accelerator drives the compute pipeline on a device.
type Accelerator struct {
	dev     gpu.Device
	opts    Options
	params  quant.Params
	logger  *log.Logger
	metrics *Metrics

	initMu    sync.Mutex
	state     atomic.Int32
	initErr   error
	pipelines map[string]gpu.Pipeline
	pool      *SharedPool

	sequences      atomic.Int64
	truncated      atomic.Int64
	quantizations  atomic.Int64
	searches       atomic.Int64
	failures       atomic.Int64
	bytesAllocated atomic.Int64
}

// New creates an uninitialized accelerator for dev.
func New(dev gpu.Device, opts Options) *Accelerator {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	params := opts.Quant
	if params == (quant.Params{}) {
		params = quant.DefaultParams()
	}
	return &Accelerator{
		dev:     dev,
		opts:    opts,
		params:  params,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// Initialize compiles the kernel program, resolves every required entry point
// and builds the shared pool. It either fully succeeds or leaves no state
// behind; after a failure the accelerator is unusable and every later call,
// Initialize included, fails with ErrInitialization. Calling it again after
// success is a no-op.
func (a *Accelerator) Initialize() error {
	a.initMu.Lock()
	defer a.initMu.Unlock()

	switch state(a.state.Load()) {
	case stateReady:
		return nil
	case statePoisoned:
		return newError(KindInitialization, "initialize", a.initErr)
	case stateClosed:
		return newError(KindInitialization, "initialize", ErrClosed)
	}

	pipelines, pool, stage, err := a.build()
	a.metrics.observeInit(err)
	if err != nil {
		a.initErr = err
		a.state.Store(int32(statePoisoned))
		e := newError(KindInitialization, stage, err)
		a.metrics.observeFailure(e)
		a.logger.Printf("[GPU] ❌ Initialization failed at %s: %v", stage, err)
		return e
	}

	a.pipelines = pipelines
	a.pool = pool
	a.state.Store(int32(stateReady))
	info := a.dev.Info()
	a.logger.Printf("[GPU] ✅ %d kernels ready on %s (%s)", len(pipelines), info.Name, info.Backend)
	return nil
}

func (a *Accelerator) build() (map[string]gpu.Pipeline, *SharedPool, string, error) {
	if a.dev == nil {
		return nil, nil, "device", gpu.ErrGPUNotAvailable
	}
	if err := a.params.Validate(); err != nil {
		return nil, nil, "quantization", err
	}

	source, err := a.kernelSource()
	if err != nil {
		return nil, nil, "load", err
	}
	lib, err := a.dev.Compile(source)
	if err != nil {
		return nil, nil, "compile", err
	}

	pipelines := make(map[string]gpu.Pipeline, len(RequiredKernels))
	var missing []error
	for _, name := range RequiredKernels {
		pipe, err := lib.Pipeline(name)
		if err != nil {
			missing = append(missing, err)
			continue
		}
		pipelines[name] = pipe
	}
	if len(missing) > 0 {
		return nil, nil, "resolve", errors.Join(missing...)
	}

	pool, err := newSharedPool(a.dev)
	if err != nil {
		return nil, nil, "pool", err
	}
	return pipelines, pool, "", nil
}

func (a *Accelerator) kernelSource() ([]byte, error) {
	if len(a.opts.KernelSource) > 0 {
		return a.opts.KernelSource, nil
	}
	if a.opts.KernelPath != "" {
		data, err := os.ReadFile(a.opts.KernelPath)
		if err != nil {
			return nil, fmt.Errorf("read kernel source: %w", err)
		}
		return data, nil
	}
	return defaultKernelSource, nil
}

// ready returns the error for calls made outside the ready state.
func (a *Accelerator) ready(stage string) error {
	switch state(a.state.Load()) {
	case stateReady:
		return nil
	case statePoisoned:
		return newError(KindInitialization, stage, fmt.Errorf("%w: %w", ErrNotInitialized, a.initErr))
	case stateClosed:
		return newError(KindInitialization, stage, ErrClosed)
	default:
		return newError(KindInitialization, stage, ErrNotInitialized)
	}
}

// Ready reports whether Initialize has succeeded and Close was not called.
func (a *Accelerator) Ready() bool {
	return state(a.state.Load()) == stateReady
}

// Device returns the underlying device.
func (a *Accelerator) Device() gpu.Device { return a.dev }

// Pool returns the shared buffers, or nil before Initialize.
func (a *Accelerator) Pool() *SharedPool {
	if !a.Ready() {
		return nil
	}
	return a.pool
}

// Params returns the quantization parameters used by Quantize.
func (a *Accelerator) Params() quant.Params { return a.params }

// Stats returns operation counters.
func (a *Accelerator) Stats() Stats {
	return Stats{
		Sequences:      a.sequences.Load(),
		Truncated:      a.truncated.Load(),
		Quantizations:  a.quantizations.Load(),
		Searches:       a.searches.Load(),
		Failures:       a.failures.Load(),
		BytesAllocated: a.bytesAllocated.Load(),
	}
}

// Close releases the shared pool. The accelerator cannot be used afterwards.
func (a *Accelerator) Close() error {
	a.initMu.Lock()
	defer a.initMu.Unlock()
	if state(a.state.Load()) == stateClosed {
		return nil
	}
	a.state.Store(int32(stateClosed))
	a.pool.Release()
	a.pool = nil
	a.pipelines = nil
	return nil
}

// fail records and logs e, then returns it.
func (a *Accelerator) fail(tag string, e *Error) *Error {
	a.failures.Add(1)
	a.metrics.observeFailure(e)
	a.logger.Printf("[%s] ❌ %s failed: %v", tag, e.Stage, e.Err)
	return e
}

// allocator tracks per-request buffers so they are released together.
type allocator struct {
	a    *Accelerator
	bufs []gpu.Buffer
}

func (al *allocator) alloc(length int) (gpu.Buffer, error) {
	buf, err := al.a.dev.Allocate(length, gpu.StorageShared)
	if err != nil {
		return nil, err
	}
	al.a.bytesAllocated.Add(int64(length))
	al.bufs = append(al.bufs, buf)
	return buf, nil
}

func (al *allocator) upload(data []byte) (gpu.Buffer, error) {
	buf, err := al.alloc(len(data))
	if err != nil {
		return nil, err
	}
	copy(buf.Contents(), data)
	return buf, nil
}

func (al *allocator) release() {
	for _, b := range al.bufs {
		b.Release()
	}
	al.bufs = nil
}
