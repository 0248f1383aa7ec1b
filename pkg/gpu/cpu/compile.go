package cpu

import (
	"errors"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/cortex/pkg/gpu"
)

// Manifest is the kernel source format understood by the software device.
//
// Example:
//
//	library: cortex
//	constants:
//	  embedding_dim: 256
//	kernels:
//	  - name: embed
//	    max_threads_per_group: 1024
//	  - name: topk_reduce
//	    max_threads_per_group: 256
type Manifest struct {
	Library   string           `yaml:"library"`
	Constants map[string]int   `yaml:"constants"`
	Kernels   []ManifestKernel `yaml:"kernels"`
}

// ManifestKernel declares one exported entry point.
type ManifestKernel struct {
	Name               string         `yaml:"name"`
	MaxThreadsPerGroup int            `yaml:"max_threads_per_group"`
	Constants          map[string]int `yaml:"constants"`
}

// Kernel is a Go implementation of a device entry point.
//
// Prepare validates the bindings of a dispatch and returns the per-thread
// body. It runs once per dispatch, before any thread is launched.
type Kernel struct {
	Name string
	// Cooperative kernels run their group's threads concurrently so they can
	// use Thread.Barrier and Thread.Shared.
	Cooperative bool
	Prepare     func(a *Args) (ThreadFunc, error)
}

// Compile parses a manifest and binds every declared entry point.
func (d *Device) Compile(source []byte) (gpu.Library, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("%w: empty kernel source", gpu.ErrCompileFailed)
	}
	var m Manifest
	if err := yaml.Unmarshal(source, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", gpu.ErrCompileFailed, err)
	}
	if len(m.Kernels) == 0 {
		return nil, fmt.Errorf("%w: library %q declares no kernels", gpu.ErrCompileFailed, m.Library)
	}

	lib := &library{name: m.Library, pipelines: make(map[string]*pipeline, len(m.Kernels))}
	var errs []error
	for _, mk := range m.Kernels {
		if mk.Name == "" {
			errs = append(errs, errors.New("kernel without a name"))
			continue
		}
		if _, dup := lib.pipelines[mk.Name]; dup {
			errs = append(errs, fmt.Errorf("kernel %q declared twice", mk.Name))
			continue
		}
		k, ok := d.kernel(mk.Name)
		if !ok {
			errs = append(errs, fmt.Errorf("no implementation for kernel %q", mk.Name))
			continue
		}

		threads := mk.MaxThreadsPerGroup
		if threads <= 0 || threads > d.config.MaxThreadsPerGroup {
			threads = d.config.MaxThreadsPerGroup
		}
		constants := make(map[string]int, len(m.Constants)+len(mk.Constants))
		for name, v := range m.Constants {
			constants[name] = v
		}
		for name, v := range mk.Constants {
			constants[name] = v
		}
		lib.pipelines[mk.Name] = &pipeline{
			name:       mk.Name,
			maxThreads: threads,
			constants:  constants,
			kernel:     k,
			dev:        d,
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", gpu.ErrCompileFailed, errors.Join(errs...))
	}
	return lib, nil
}

type library struct {
	name      string
	pipelines map[string]*pipeline
}

func (l *library) Pipeline(name string) (gpu.Pipeline, error) {
	p, ok := l.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q in library %q", gpu.ErrFunctionNotFound, name, l.name)
	}
	return p, nil
}

func (l *library) Functions() []string {
	names := make([]string, 0, len(l.pipelines))
	for name := range l.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type pipeline struct {
	name       string
	maxThreads int
	constants  map[string]int
	kernel     Kernel
	dev        *Device
}

func (p *pipeline) Name() string            { return p.name }
func (p *pipeline) MaxThreadsPerGroup() int { return p.maxThreads }
