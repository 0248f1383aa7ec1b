package quant

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	assert.Equal(t, float32(0.1), p.Scale)
	assert.Equal(t, float32(128), p.ZeroPoint)
	assert.NoError(t, p.Validate())
}

func TestParams_Validate(t *testing.T) {
	assert.ErrorIs(t, Params{Scale: 0, ZeroPoint: 128}.Validate(), ErrInvalidScale)
	assert.ErrorIs(t, Params{Scale: float32(math.Inf(1)), ZeroPoint: 128}.Validate(), ErrInvalidScale)
	assert.Error(t, Params{Scale: 1, ZeroPoint: 300}.Validate())
}

func TestParams_Code(t *testing.T) {
	p := DefaultParams()
	assert.Equal(t, uint8(128), p.Code(0))
	assert.Equal(t, uint8(138), p.Code(1))
	assert.Equal(t, uint8(118), p.Code(-1))
	assert.Equal(t, uint8(255), p.Code(1e6))
	assert.Equal(t, uint8(0), p.Code(-1e6))
	assert.Equal(t, uint8(0), p.Code(float32(math.NaN())))
}

func TestDequantize_RoundTrip(t *testing.T) {
	p := DefaultParams()
	for _, v := range []float32{-12.8, -3.14, 0, 0.05, 2.5, 12.7} {
		got := Dequantize([]uint8{p.Code(v)}, p)[0]
		assert.LessOrEqual(t, math.Abs(float64(got-v)), float64(p.Scale)/2+1e-6, "value %v", v)
	}
}

func TestCalibrate(t *testing.T) {
	values := []float32{-1, 0.5, 3}
	p, err := Calibrate(values)
	require.NoError(t, err)
	assert.InDelta(t, 4.0/255, p.Scale, 1e-7)
	assert.Equal(t, uint8(0), p.Code(-1))
	assert.Equal(t, uint8(255), p.Code(3))

	p, err = Calibrate([]float32{2, 2})
	require.NoError(t, err)
	assert.Equal(t, DefaultScale, p.Scale)
	assert.Equal(t, float32(108), p.ZeroPoint)

	_, err = Calibrate(nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestDatabase(t *testing.T) {
	db, err := NewDatabase(2, DefaultParams(), []uint8{1, 2}, []uint8{3, 4}, []uint8{5, 6})
	require.NoError(t, err)
	assert.Equal(t, 3, db.Len())
	assert.Equal(t, 2, db.Dim())
	assert.Equal(t, []uint8{3, 4}, db.Row(1))
	assert.Equal(t, []uint8{1, 2, 3, 4, 5, 6}, db.Flat())
	assert.Len(t, db.Rows(), 3)

	_, err = NewDatabase(2, DefaultParams(), []uint8{1, 2}, []uint8{3})
	assert.ErrorIs(t, err, ErrRowWidth)

	_, err = NewDatabase(2, DefaultParams())
	assert.ErrorIs(t, err, ErrEmptyDatabase)

	_, err = FromFlat(3, DefaultParams(), []uint8{1, 2, 3, 4})
	assert.ErrorIs(t, err, ErrRowWidth)

	flat, err := FromFlat(2, DefaultParams(), []uint8{9, 9, 8, 8})
	require.NoError(t, err)
	assert.Equal(t, 2, flat.Len())
}
