package accel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/cortex/pkg/gpu"
)

func TestProcessSequence(t *testing.T) {
	acc, dev := newTestAccelerator(t)
	tokens := testTokens(40)

	out, err := acc.ProcessSequence(tokens)
	require.NoError(t, err)
	assert.Len(t, out, len(tokens))
	assert.Equal(t, []string{KernelEmbed, KernelAttention, KernelFeedForward, KernelInfer}, dev.Dispatched())
	assert.Equal(t, 4, dev.Submissions(), "one synchronous submission per stage")
	assert.Equal(t, 3, dev.LiveBuffers(), "request buffers released, pool kept")

	again, err := acc.ProcessSequence(tokens)
	require.NoError(t, err)
	assert.Equal(t, out, again)
	assert.Equal(t, int64(2), acc.Stats().Sequences)
}

func TestProcessSequence_LayerNormalized(t *testing.T) {
	acc, _ := newTestAccelerator(t)
	out, err := acc.ProcessSequence(testTokens(64))
	require.NoError(t, err)

	// Each window of four is normalized with unit weight and zero bias.
	for lo := 0; lo < len(out); lo += 4 {
		var sum float64
		for _, v := range out[lo : lo+4] {
			sum += float64(v)
		}
		assert.InDelta(t, 0, sum/4, 1e-4, "window %d", lo/4)
	}
}

func TestProcessSequence_Truncates(t *testing.T) {
	acc, _ := newTestAccelerator(t)
	long := testTokens(MaxSeqLength + 88)

	out, err := acc.ProcessSequence(long)
	require.NoError(t, err)
	require.Len(t, out, MaxSeqLength)

	prefix, err := acc.ProcessSequence(long[:MaxSeqLength])
	require.NoError(t, err)
	assert.Equal(t, prefix, out)
	assert.Equal(t, int64(1), acc.Stats().Truncated)
}

func TestProcessSequence_AttentionFailureStopsPipeline(t *testing.T) {
	acc, dev := newTestAccelerator(t)
	dev.FailOn(KernelAttention)

	out, err := acc.ProcessSequence(testTokens(16))
	require.Error(t, err)
	assert.Nil(t, out)

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, KindStageDispatch, e.Kind)
	assert.Equal(t, KernelAttention, e.Stage)
	assert.ErrorIs(t, err, ErrStageDispatch)
	assert.ErrorIs(t, err, gpu.ErrKernelFailed)

	assert.Equal(t, 1, dev.Count(KernelEmbed))
	assert.Equal(t, 1, dev.Count(KernelAttention))
	assert.Equal(t, 0, dev.Count(KernelFeedForward))
	assert.Equal(t, 0, dev.Count(KernelInfer))
	assert.Equal(t, 3, dev.LiveBuffers())
	assert.Equal(t, int64(1), acc.Stats().Failures)

	// The pool is untouched by the failure.
	assert.Equal(t, []float32{1, 1, 1, 1}, gpu.ReadFloat32s(acc.Pool().LayerNormWeight))
}

func TestProcessSequence_EmptyInput(t *testing.T) {
	acc, dev := newTestAccelerator(t)
	for _, tokens := range [][]float32{nil, {}} {
		_, err := acc.ProcessSequence(tokens)
		assert.ErrorIs(t, err, ErrEmptySequence)
		assert.ErrorIs(t, err, ErrStageDispatch)
		var e *Error
		require.True(t, errors.As(err, &e))
		assert.Equal(t, KernelEmbed, e.Stage)
	}
	assert.Empty(t, dev.Dispatched())
	assert.Zero(t, dev.Submissions())
}

func TestDispatchSizing(t *testing.T) {
	acc, _ := newTestAccelerator(t)
	embed := acc.pipelines[KernelEmbed]
	attention := acc.pipelines[KernelAttention]
	topk := acc.pipelines[KernelTopK]

	groups, threads := linearSize(embed, 3000)
	assert.Equal(t, gpu.Size1D(3), groups)
	assert.Equal(t, gpu.Size1D(1024), threads)

	groups, threads = linearSize(embed, 40)
	assert.Equal(t, gpu.Size1D(1), groups)
	assert.Equal(t, gpu.Size1D(40), threads)

	groups, threads = attentionSize(attention, 40)
	assert.Equal(t, gpu.Size2D(3, 3), groups)
	assert.Equal(t, gpu.Size2D(16, 16), threads)

	groups, threads = topKSize(topk, 1000)
	assert.Equal(t, gpu.Size1D(1), groups)
	assert.Equal(t, gpu.Size1D(256), threads)

	_, threads = topKSize(topk, 10)
	assert.Equal(t, gpu.Size1D(10), threads)
}
