package accel

import (
	"bytes"
	"errors"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/cortex/pkg/gpu"
	"github.com/orneryd/cortex/pkg/gpu/cpu"
	"github.com/orneryd/cortex/pkg/gpu/gputest"
	"github.com/orneryd/cortex/pkg/quant"
)

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// newTestAccelerator returns an initialized accelerator on a recording device.
func newTestAccelerator(t *testing.T) (*Accelerator, *gputest.Device) {
	t.Helper()
	dev := gputest.New()
	acc := New(dev, Options{Logger: quietLogger()})
	require.NoError(t, acc.Initialize())
	t.Cleanup(func() { acc.Close() })
	dev.Reset()
	return acc, dev
}

func testTokens(n int) []float32 {
	tokens := make([]float32, n)
	for i := range tokens {
		tokens[i] = float32((i*37)%1000) / 1000
	}
	return tokens
}

func TestInitialize(t *testing.T) {
	acc, dev := newTestAccelerator(t)
	assert.True(t, acc.Ready())
	require.NotNil(t, acc.Pool())
	assert.Equal(t, MaxSeqLength*EmbeddingDim*4, acc.Pool().PositionalEncoding.Len())
	assert.Equal(t, 16, acc.Pool().LayerNormWeight.Len())
	assert.Equal(t, quant.DefaultParams(), acc.Params())
	assert.Equal(t, 3, dev.LiveBuffers())

	// Idempotent after success.
	require.NoError(t, acc.Initialize())
	assert.Equal(t, 3, dev.LiveBuffers())

	require.NoError(t, acc.Close())
	assert.Equal(t, 0, dev.LiveBuffers())
	assert.False(t, acc.Ready())
	_, err := acc.Quantize([]float32{1})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestInitialize_MissingEntryPointPoisons(t *testing.T) {
	dev := gputest.New()
	dev.WithoutFunction(KernelTopK)
	var logs bytes.Buffer
	acc := New(dev, Options{Logger: log.New(&logs, "", 0)})

	err := acc.Initialize()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInitialization)
	assert.ErrorIs(t, err, gpu.ErrFunctionNotFound)
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, KindInitialization, e.Kind)
	assert.Equal(t, "resolve", e.Stage)
	assert.Contains(t, logs.String(), "[GPU]")

	assert.False(t, acc.Ready())
	assert.Nil(t, acc.Pool())
	assert.Equal(t, 0, dev.LiveBuffers(), "no pool buffers retained")

	assert.ErrorIs(t, acc.Initialize(), ErrInitialization)
	_, err = acc.ProcessSequence(testTokens(4))
	assert.ErrorIs(t, err, ErrInitialization)
	_, err = acc.Quantize([]float32{1})
	assert.ErrorIs(t, err, ErrInitialization)
	_, _, err = acc.Search([]uint8{1}, [][]uint8{{1}}, 1)
	assert.ErrorIs(t, err, ErrInitialization)
	assert.Empty(t, dev.Dispatched())
}

func TestInitialize_Failures(t *testing.T) {
	t.Run("compile", func(t *testing.T) {
		dev := gputest.New()
		acc := New(dev, Options{Logger: quietLogger(), KernelSource: []byte("kernels: [")})
		err := acc.Initialize()
		assert.ErrorIs(t, err, ErrInitialization)
		assert.ErrorIs(t, err, gpu.ErrCompileFailed)
	})

	t.Run("pool allocation", func(t *testing.T) {
		dev := gputest.New()
		dev.FailAllocate(gpu.ErrOutOfMemory)
		acc := New(dev, Options{Logger: quietLogger()})
		err := acc.Initialize()
		assert.ErrorIs(t, err, ErrInitialization)
		assert.ErrorIs(t, err, gpu.ErrOutOfMemory)
		assert.Equal(t, 0, dev.LiveBuffers())
	})

	t.Run("device too small for pool", func(t *testing.T) {
		dev := gputest.Wrap(cpu.New(&cpu.Config{MaxBufferLength: 64 << 10}))
		acc := New(dev, Options{Logger: quietLogger()})
		err := acc.Initialize()
		assert.ErrorIs(t, err, gpu.ErrDataTooLarge)
		assert.Equal(t, 0, dev.LiveBuffers())
	})

	t.Run("invalid quantization", func(t *testing.T) {
		acc := New(gputest.New(), Options{Logger: quietLogger(), Quant: quant.Params{Scale: 0, ZeroPoint: 1}})
		assert.ErrorIs(t, acc.Initialize(), quant.ErrInvalidScale)
	})

	t.Run("nil device", func(t *testing.T) {
		acc := New(nil, Options{Logger: quietLogger()})
		assert.ErrorIs(t, acc.Initialize(), gpu.ErrGPUNotAvailable)
	})

	t.Run("kernel path", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "kernels.yaml")
		require.NoError(t, os.WriteFile(path, DefaultKernelSource(), 0o644))
		acc := New(gputest.New(), Options{Logger: quietLogger(), KernelPath: path})
		require.NoError(t, acc.Initialize())
		acc.Close()

		missing := New(gputest.New(), Options{Logger: quietLogger(), KernelPath: path + ".missing"})
		assert.ErrorIs(t, missing.Initialize(), ErrInitialization)
	})
}

func TestNotInitialized(t *testing.T) {
	acc := New(gputest.New(), Options{Logger: quietLogger()})
	_, err := acc.ProcessSequence(testTokens(3))
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Nil(t, acc.Pool())
}

func TestPositionalEncoding_ClosedForm(t *testing.T) {
	pe := PositionalEncoding(MaxSeqLength, EmbeddingDim)
	require.Len(t, pe, MaxSeqLength*EmbeddingDim)
	for _, p := range []int{0, 1, 7, 255, 511} {
		for i := 0; i < EmbeddingDim; i += 2 {
			angle := float64(p) / math.Pow(10000, float64(i)/EmbeddingDim)
			assert.Equal(t, float32(math.Sin(angle)), pe[p*EmbeddingDim+i], "sin p=%d i=%d", p, i)
			assert.Equal(t, float32(math.Cos(angle)), pe[p*EmbeddingDim+i+1], "cos p=%d i=%d", p, i)
		}
	}

	small := PositionalEncoding(2, 4)
	assert.InDeltaSlice(t, []float64{0, 1, 0, 1, math.Sin(1), math.Cos(1), math.Sin(0.01), math.Cos(0.01)},
		toFloat64(small), 1e-7)
}

func TestSharedPool_Contents(t *testing.T) {
	acc, _ := newTestAccelerator(t)
	pool := acc.Pool()
	assert.Equal(t, PositionalEncoding(MaxSeqLength, EmbeddingDim), gpu.ReadFloat32s(pool.PositionalEncoding))
	assert.Equal(t, []float32{1, 1, 1, 1}, gpu.ReadFloat32s(pool.LayerNormWeight))
	assert.Equal(t, []float32{0, 0, 0, 0}, gpu.ReadFloat32s(pool.LayerNormBias))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	dev := gputest.New()
	acc := New(dev, Options{Logger: quietLogger(), Metrics: NewMetrics(reg)})
	require.NoError(t, acc.Initialize())
	defer acc.Close()

	_, err := acc.ProcessSequence(testTokens(8))
	require.NoError(t, err)
	_, err = acc.Quantize(nil)
	require.Error(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	joined := strings.Join(names, ",")
	assert.Contains(t, joined, "cortex_accel_dispatches_total")
	assert.Contains(t, joined, "cortex_accel_failures_total")
	assert.Contains(t, joined, "cortex_accel_stage_duration_seconds")
	assert.Contains(t, joined, "cortex_accel_initialized_total")
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "search", KindSearch.String())
	assert.Equal(t, "Kind(42)", Kind(42).String())
	e := newError(KindQuantization, "quantize", ErrEmptyInput)
	assert.Equal(t, "accel: quantization failure at quantize: accel: empty input", e.Error())
	assert.ErrorIs(t, e, ErrQuantization)
	assert.NotErrorIs(t, e, ErrSearch)
}

func toFloat64(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}
