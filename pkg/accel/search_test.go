package accel

import (
	"errors"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/cortex/pkg/gpu"
	"github.com/orneryd/cortex/pkg/gpu/cpu"
	"github.com/orneryd/cortex/pkg/gpu/gputest"
	"github.com/orneryd/cortex/pkg/quant"
)

func TestQuantize(t *testing.T) {
	acc, dev := newTestAccelerator(t)

	codes, err := acc.Quantize([]float32{0, 1, -1, 12.7, -12.8, 50, -50})
	require.NoError(t, err)
	assert.Equal(t, []uint8{128, 138, 118, 255, 0, 255, 0}, codes)
	assert.Equal(t, []string{KernelQuantize}, dev.Dispatched())
}

func TestQuantize_RoundTrip(t *testing.T) {
	acc, _ := newTestAccelerator(t)
	params := acc.Params()

	r := rand.New(rand.NewSource(7))
	values := make([]float32, 2000)
	for i := range values {
		values[i] = r.Float32()*25.4 - 12.7
	}
	codes, err := acc.Quantize(values)
	require.NoError(t, err)
	back := quant.Dequantize(codes, params)
	for i, v := range values {
		assert.LessOrEqual(t, math.Abs(float64(back[i]-v)), float64(params.Scale), "value %d", i)
	}
}

func TestQuantizeWith_Calibrated(t *testing.T) {
	acc, _ := newTestAccelerator(t)
	values := []float32{-40, 0, 80}
	params, err := quant.Calibrate(values)
	require.NoError(t, err)

	codes, err := acc.QuantizeWith(values, params)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), codes[0])
	assert.Equal(t, uint8(255), codes[2])
	for i, v := range quant.Dequantize(codes, params) {
		assert.InDelta(t, values[i], v, float64(params.Scale))
	}
}

func TestQuantize_Failures(t *testing.T) {
	acc, dev := newTestAccelerator(t)

	_, err := acc.Quantize(nil)
	assert.ErrorIs(t, err, ErrQuantization)
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = acc.QuantizeWith([]float32{1}, quant.Params{Scale: 0, ZeroPoint: 128})
	assert.ErrorIs(t, err, ErrQuantization)
	assert.ErrorIs(t, err, quant.ErrInvalidScale)

	dev.FailOn(KernelQuantize)
	_, err = acc.Quantize([]float32{1})
	assert.ErrorIs(t, err, gpu.ErrKernelFailed)
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, KernelQuantize, e.Stage)
}

func TestSearch_AxisAligned(t *testing.T) {
	acc, dev := newTestAccelerator(t)

	var db [][]uint8
	for axis := 0; axis < 4; axis++ {
		v := make([]float32, 4)
		v[axis] = 1
		codes, err := acc.Quantize(v)
		require.NoError(t, err)
		db = append(db, codes)
	}
	dev.Reset()

	ids, scores, err := acc.Search(db[0], db, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0}, ids)
	assert.Equal(t, []float32{138*138 + 3*128*128}, scores)
	assert.Equal(t, []string{KernelSearch, KernelTopK}, dev.Dispatched())
	assert.Equal(t, 1, dev.Submissions(), "score and top-k share one command buffer")
}

func randomDatabase(r *rand.Rand, n, dim int) [][]uint8 {
	db := make([][]uint8, n)
	for i := range db {
		db[i] = make([]uint8, dim)
		for d := range db[i] {
			db[i][d] = uint8(r.Intn(256))
		}
	}
	return db
}

func TestSearch_PermutationAndOrder(t *testing.T) {
	acc, _ := newTestAccelerator(t)
	r := rand.New(rand.NewSource(11))

	for _, n := range []int{1, 7, 256, 613} {
		db := randomDatabase(r, n, 16)
		query := db[r.Intn(n)]

		ids, scores, err := acc.Search(query, db, n)
		require.NoError(t, err)
		require.Len(t, ids, n)
		require.Len(t, scores, n)

		for i := 1; i < n; i++ {
			require.GreaterOrEqual(t, scores[i-1], scores[i], "n=%d position %d", n, i)
			if scores[i-1] == scores[i] {
				require.Less(t, ids[i-1], ids[i], "ties by lower index")
			}
		}

		sorted := append([]uint32(nil), ids...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		for i, id := range sorted {
			require.Equal(t, uint32(i), id, "n=%d permutation", n)
		}

		// Scores are the raw inner products of the returned rows.
		for i, id := range ids {
			var want uint32
			for d, q := range query {
				want += uint32(q) * uint32(db[id][d])
			}
			require.Equal(t, float32(want), scores[i])
		}
	}
}

func TestSearch_TiesAndClamp(t *testing.T) {
	acc, _ := newTestAccelerator(t)
	db := [][]uint8{{1, 1}, {2, 0}, {0, 2}, {1, 1}}

	ids, scores, err := acc.Search([]uint8{1, 1}, db, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 2, 3}, ids)
	assert.Equal(t, []float32{2, 2, 2, 2}, scores)
}

func TestSearch_Failures(t *testing.T) {
	acc, dev := newTestAccelerator(t)
	db := [][]uint8{{1, 2}, {3, 4}}

	_, _, err := acc.Search([]uint8{1, 2}, db, 0)
	assert.ErrorIs(t, err, ErrSearch)
	assert.ErrorIs(t, err, ErrInvalidK)

	_, _, err = acc.Search([]uint8{1, 2}, nil, 1)
	assert.ErrorIs(t, err, ErrEmptyDatabase)

	_, _, err = acc.Search([]uint8{1, 2, 3}, db, 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, _, err = acc.Search([]uint8{1, 2}, [][]uint8{{1, 2}, {3}}, 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, _, err = acc.Search(nil, db, 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Empty(t, dev.Dispatched())

	dev.FailOn(KernelTopK)
	_, _, err = acc.Search([]uint8{1, 2}, db, 1)
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, KindSearch, e.Kind)
	assert.Equal(t, KernelTopK, e.Stage)
	assert.Equal(t, 3, dev.LiveBuffers())
}

func TestSearch_WideRowsKeepOrder(t *testing.T) {
	acc, _ := newTestAccelerator(t)
	const dim = 70000
	query := make([]uint8, dim)
	high := make([]uint8, dim)
	mid := make([]uint8, dim)
	for d := range query {
		query[d], high[d], mid[d] = 255, 255, 128
	}

	ids, scores, err := acc.Search(query, [][]uint8{high, mid}, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1}, ids)
	assert.Equal(t, []float32{4551750000, 2284800000}, scores)
}

func TestSearch_TopKGroupMemoryLimit(t *testing.T) {
	dev := gputest.Wrap(cpu.New(&cpu.Config{MaxBufferLength: 4 << 20, MaxGroupMemory: 64 << 10}))
	acc := New(dev, Options{Logger: quietLogger()})
	require.NoError(t, acc.Initialize())
	defer acc.Close()

	const n = 100000
	db, err := quant.FromFlat(1, acc.Params(), make([]uint8, n))
	require.NoError(t, err)
	rdb, err := acc.Resident(db)
	require.NoError(t, err)
	defer rdb.Release()

	_, _, err = acc.SearchResident([]uint8{1}, rdb, n)
	require.Error(t, err)
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, KindSearch, e.Kind)
	assert.Equal(t, KernelTopK, e.Stage)
	assert.ErrorIs(t, err, gpu.ErrGroupMemory)
	assert.Equal(t, 4, dev.LiveBuffers(), "request buffers released")

	ids, _, err := acc.SearchResident([]uint8{1}, rdb, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, ids)
}

func TestSearch_AllRowsLargeDatabase(t *testing.T) {
	acc, _ := newTestAccelerator(t)
	const n = 50000
	codes := make([]uint8, n)
	for i := range codes {
		codes[i] = uint8(i % 251)
	}
	db, err := quant.FromFlat(1, acc.Params(), codes)
	require.NoError(t, err)
	rdb, err := acc.Resident(db)
	require.NoError(t, err)
	defer rdb.Release()

	ids, scores, err := acc.SearchResident([]uint8{2}, rdb, n)
	require.NoError(t, err)
	require.Len(t, ids, n)
	assert.Equal(t, float32(500), scores[0])
	assert.Equal(t, uint32(250), ids[0])
	assert.Equal(t, float32(0), scores[n-1])
}

func TestSearchResident(t *testing.T) {
	acc, dev := newTestAccelerator(t)
	r := rand.New(rand.NewSource(3))
	rows := randomDatabase(r, 100, 8)
	db, err := quant.NewDatabase(8, acc.Params(), rows...)
	require.NoError(t, err)

	rdb, err := acc.Resident(db)
	require.NoError(t, err)
	assert.Equal(t, 100, rdb.Len())
	assert.Equal(t, 8, rdb.Dim())

	for i := 0; i < 3; i++ {
		query := rows[i*10]
		ids, scores, err := acc.SearchResident(query, rdb, 5)
		require.NoError(t, err)

		wantIDs, wantScores, err := acc.Search(query, rows, 5)
		require.NoError(t, err)
		assert.Equal(t, wantIDs, ids)
		assert.Equal(t, wantScores, scores)
	}
	assert.Equal(t, 4, dev.LiveBuffers())

	rdb.Release()
	rdb.Release()
	assert.Equal(t, 3, dev.LiveBuffers())
	_, _, err = acc.SearchResident(rows[0], rdb, 1)
	assert.ErrorIs(t, err, ErrEmptyDatabase)
}
