package cpu

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/cortex/pkg/gpu"
)

const testManifest = `
library: test
constants:
  embedding_dim: 4
kernels:
  - name: embed
  - name: attention
    max_threads_per_group: 256
  - name: feedforward
  - name: infer
  - name: quantize_embeddings
  - name: ip_search
  - name: topk_reduce
    max_threads_per_group: 256
`

func compileTest(t *testing.T, d *Device) gpu.Library {
	t.Helper()
	lib, err := d.Compile([]byte(testManifest))
	require.NoError(t, err)
	return lib
}

func TestNew_Defaults(t *testing.T) {
	d := New(nil)
	info := d.Info()

	assert.Equal(t, "cortex-cpu", info.Name)
	assert.Equal(t, gpu.BackendCPU, info.Backend)
	assert.Equal(t, uint64(1<<30), info.MaxBufferLength)
	assert.Equal(t, 1024, info.MaxWorkGroup)
	assert.True(t, info.UnifiedMemory)
	assert.True(t, info.Available)
	assert.Greater(t, info.ComputeUnits, 0)
}

func TestCompile(t *testing.T) {
	d := New(nil)

	t.Run("all entry points", func(t *testing.T) {
		lib := compileTest(t, d)
		assert.Equal(t, []string{
			"attention", "embed", "feedforward", "infer",
			"ip_search", "quantize_embeddings", "topk_reduce",
		}, lib.Functions())

		pipe, err := lib.Pipeline("topk_reduce")
		require.NoError(t, err)
		assert.Equal(t, 256, pipe.MaxThreadsPerGroup())

		pipe, err = lib.Pipeline("embed")
		require.NoError(t, err)
		assert.Equal(t, 1024, pipe.MaxThreadsPerGroup())
	})

	t.Run("missing function", func(t *testing.T) {
		lib := compileTest(t, d)
		_, err := lib.Pipeline("softmax")
		assert.ErrorIs(t, err, gpu.ErrFunctionNotFound)
	})

	t.Run("threads clamped to device limit", func(t *testing.T) {
		small := New(&Config{MaxThreadsPerGroup: 64})
		lib, err := small.Compile([]byte("kernels:\n  - name: embed\n    max_threads_per_group: 4096\n"))
		require.NoError(t, err)
		pipe, err := lib.Pipeline("embed")
		require.NoError(t, err)
		assert.Equal(t, 64, pipe.MaxThreadsPerGroup())
	})

	errCases := map[string]string{
		"empty":          "",
		"malformed":      "kernels: [",
		"no kernels":     "library: x\n",
		"unknown kernel": "kernels:\n  - name: warp_shuffle\n",
		"duplicate":      "kernels:\n  - name: embed\n  - name: embed\n",
		"unnamed":        "kernels:\n  - max_threads_per_group: 32\n",
	}
	for name, src := range errCases {
		t.Run(name, func(t *testing.T) {
			_, err := d.Compile([]byte(src))
			assert.ErrorIs(t, err, gpu.ErrCompileFailed)
		})
	}
}

func TestAllocate(t *testing.T) {
	d := New(&Config{MaxBufferLength: 1024})

	buf, err := d.Allocate(10, gpu.StorageShared)
	require.NoError(t, err)
	assert.Equal(t, 10, buf.Len())
	assert.Len(t, buf.Contents(), 10)
	assert.Equal(t, gpu.StorageShared, buf.Mode())
	assert.Equal(t, int64(1), d.Stats().LiveBuffers)

	buf.Release()
	buf.Release()
	assert.Nil(t, buf.Contents())
	assert.Equal(t, int64(0), d.Stats().LiveBuffers)

	_, err = d.Allocate(0, gpu.StorageShared)
	assert.ErrorIs(t, err, gpu.ErrInvalidBuffer)

	_, err = d.Allocate(2048, gpu.StorageShared)
	assert.ErrorIs(t, err, gpu.ErrDataTooLarge)
}

func TestSubmit_ForeignPipeline(t *testing.T) {
	a, b := New(nil), New(nil)
	pipe, err := compileTest(t, a).Pipeline("feedforward")
	require.NoError(t, err)

	in, err := gpu.Upload(b, gpu.BytesOf([]float32{1}), gpu.StorageShared)
	require.NoError(t, err)
	out, err := b.Allocate(4, gpu.StorageShared)
	require.NoError(t, err)

	cb := gpu.NewCommandBuffer("foreign")
	enc := cb.Encoder(pipe)
	enc.SetBuffer(0, in, 0)
	enc.SetBuffer(1, out, 0)
	enc.Dispatch(gpu.Size1D(1), gpu.Size1D(1))

	err = b.Submit(cb)
	assert.ErrorIs(t, err, gpu.ErrInvalidDispatch)
	assert.Equal(t, int64(1), b.Stats().FailedDispatches)
}

func TestSubmit_StopsAtFirstFailure(t *testing.T) {
	d := New(nil)
	var ran atomic.Int32
	d.Register(Kernel{Name: "count", Prepare: func(a *Args) (ThreadFunc, error) {
		return func(t *Thread) { ran.Add(1) }, nil
	}})
	d.Register(Kernel{Name: "fail", Prepare: func(a *Args) (ThreadFunc, error) {
		return nil, errors.New("bad bindings")
	}})
	lib, err := d.Compile([]byte("kernels:\n  - name: count\n  - name: fail\n"))
	require.NoError(t, err)
	count, _ := lib.Pipeline("count")
	fail, _ := lib.Pipeline("fail")

	cb := gpu.NewCommandBuffer("chain")
	cb.Encoder(count).Dispatch(gpu.Size1D(2), gpu.Size1D(3))
	cb.Encoder(fail).Dispatch(gpu.Size1D(1), gpu.Size1D(1))
	cb.Encoder(count).Dispatch(gpu.Size1D(1), gpu.Size1D(1))

	err = d.Submit(cb)
	require.ErrorIs(t, err, gpu.ErrKernelFailed)
	assert.Contains(t, err.Error(), "dispatch 1")
	assert.Equal(t, int32(6), ran.Load())
	assert.Equal(t, int64(1), d.Stats().Dispatches)
}

func TestSubmit_KernelPanic(t *testing.T) {
	d := New(nil)
	d.Register(Kernel{Name: "boom", Cooperative: true, Prepare: func(a *Args) (ThreadFunc, error) {
		return func(t *Thread) {
			if t.Index == 1 {
				panic("index out of range")
			}
			t.Barrier()
		}, nil
	}})
	lib, err := d.Compile([]byte("kernels:\n  - name: boom\n"))
	require.NoError(t, err)
	pipe, _ := lib.Pipeline("boom")

	cb := gpu.NewCommandBuffer("")
	cb.Encoder(pipe).Dispatch(gpu.Size1D(1), gpu.Size1D(8))
	assert.ErrorIs(t, d.Submit(cb), gpu.ErrKernelFailed)
}

func TestCooperativeGroup_SharedMemoryAndBarrier(t *testing.T) {
	d := New(nil)
	const threads = 16
	result := make([]uint32, 4)
	d.Register(Kernel{Name: "group_sum", Cooperative: true, Prepare: func(a *Args) (ThreadFunc, error) {
		return func(t *Thread) {
			shared := gpu.View[uint32](t.Shared(threads * 4))
			shared[t.Index] = uint32(t.Position.X)
			t.Barrier()
			if t.Index == 0 {
				var sum uint32
				for _, v := range shared {
					sum += v
				}
				result[t.Group.X] = sum
			}
		}, nil
	}})
	lib, err := d.Compile([]byte("kernels:\n  - name: group_sum\n"))
	require.NoError(t, err)
	pipe, _ := lib.Pipeline("group_sum")

	cb := gpu.NewCommandBuffer("sum")
	cb.Encoder(pipe).Dispatch(gpu.Size1D(4), gpu.Size1D(threads))
	require.NoError(t, d.Submit(cb))

	for g := 0; g < 4; g++ {
		var want uint32
		for i := 0; i < threads; i++ {
			want += uint32(g*threads + i)
		}
		assert.Equal(t, want, result[g], "group %d", g)
	}
}

func TestThreadPositions_2D(t *testing.T) {
	d := New(nil)
	var seen [8][8]atomic.Int32
	d.Register(Kernel{Name: "grid", Prepare: func(a *Args) (ThreadFunc, error) {
		return func(t *Thread) { seen[t.Position.X][t.Position.Y].Add(1) }, nil
	}})
	lib, err := d.Compile([]byte("kernels:\n  - name: grid\n"))
	require.NoError(t, err)
	pipe, _ := lib.Pipeline("grid")

	cb := gpu.NewCommandBuffer("grid")
	cb.Encoder(pipe).Dispatch(gpu.Size2D(2, 2), gpu.Size2D(4, 4))
	require.NoError(t, d.Submit(cb))

	for x := range seen {
		for y := range seen[x] {
			assert.Equal(t, int32(1), seen[x][y].Load(), "thread (%d,%d)", x, y)
		}
	}
}
