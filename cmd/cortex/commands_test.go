package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/cortex/pkg/accel"
	"github.com/orneryd/cortex/pkg/config"
	"github.com/orneryd/cortex/pkg/gpu/gputest"
)

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func TestReadFloats(t *testing.T) {
	values, err := readFloats("", []string{"1,2.5", " -3 ", ""})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2.5, -3}, values)

	_, err = readFloats("", []string{"x"})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "v.json")
	require.NoError(t, os.WriteFile(path, []byte("[0.5, 1]"), 0o644))
	values, err = readFloats(path, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 1}, values)
}

func TestLevelWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &levelWriter{w: &buf, markers: []string{"❌"}}
	line := []byte("[GPU] ✅ ready\n")
	n, err := w.Write(line)
	require.NoError(t, err)
	assert.Equal(t, len(line), n, "dropped lines still report success")
	_, _ = w.Write([]byte("[SEARCH] ❌ failed\n"))
	assert.Equal(t, "[SEARCH] ❌ failed\n", buf.String())
}

func TestNewLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cortex.log")
	logger, err := newLogger(config.LoggingConfig{Level: "ERROR", Output: path})
	require.NoError(t, err)
	logger.Print("[GPU] ✅ ready")
	logger.Print("[GPU] ❌ gone")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "ready")
	assert.Contains(t, string(data), "gone")
}

func TestFanOut(t *testing.T) {
	var ran atomic.Int32
	require.NoError(t, fanOut(context.Background(), 3, 10, func(context.Context, int) error {
		ran.Add(1)
		return nil
	}))
	assert.Equal(t, int32(10), ran.Load())

	boom := errors.New("boom")
	err := fanOut(context.Background(), 2, 5, func(_ context.Context, i int) error {
		if i == 3 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestGatherTotals(t *testing.T) {
	reg := prometheus.NewRegistry()
	acc := accel.New(gputest.New(), accel.Options{Logger: quiet(), Metrics: accel.NewMetrics(reg)})
	require.NoError(t, acc.Initialize())
	defer acc.Close()

	_, err := acc.ProcessSequence([]float32{0.1, 0.2, 0.3})
	require.NoError(t, err)

	totals, err := gatherTotals(reg)
	require.NoError(t, err)
	assert.Equal(t, float64(4), totals["cortex_accel_dispatches_total"])
	assert.Equal(t, float64(1), totals["cortex_accel_initialized_total"])
}
