// Package quant holds the 8-bit affine code format shared by the quantizer and
// the search engine.
//
// A value v maps to code round(v/Scale + ZeroPoint), saturated to [0, 255].
// The device quantizer performs the forward mapping; this package carries the
// parameters, the host-side inverse and the static database layout searched
// by the ANN engine.
package quant

import (
	"errors"
	"fmt"
	"math"

	"github.com/viterin/vek/vek32"
)

// Default parameters. Embeddings are assumed to lie in roughly [-12.8, 12.7].
const (
	DefaultScale     float32 = 0.1
	DefaultZeroPoint float32 = 128
)

var (
	ErrInvalidScale  = errors.New("quant: scale must be finite and non-zero")
	ErrEmptyInput    = errors.New("quant: empty input")
	ErrRowWidth      = errors.New("quant: row width mismatch")
	ErrEmptyDatabase = errors.New("quant: database has no rows")
)

// Params are the affine quantization parameters.
type Params struct {
	Scale     float32 `json:"scale" yaml:"scale"`
	ZeroPoint float32 `json:"zero_point" yaml:"zero_point"`
}

// DefaultParams returns scale 0.1 and zero point 128.
func DefaultParams() Params {
	return Params{Scale: DefaultScale, ZeroPoint: DefaultZeroPoint}
}

// Validate rejects parameters the quantizer kernel cannot use.
func (p Params) Validate() error {
	s := float64(p.Scale)
	if p.Scale == 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidScale, p.Scale)
	}
	if p.ZeroPoint < 0 || p.ZeroPoint > 255 {
		return fmt.Errorf("quant: zero point %v outside [0, 255]", p.ZeroPoint)
	}
	return nil
}

// Code quantizes a single value on the host. It matches the device kernel.
func (p Params) Code(v float32) uint8 {
	c := math.Round(float64(v/p.Scale + p.ZeroPoint))
	switch {
	case !(c >= 0):
		return 0
	case c > 255:
		return 255
	}
	return uint8(c)
}

// Dequantize maps codes back to approximate values.
func Dequantize(codes []uint8, p Params) []float32 {
	out := make([]float32, len(codes))
	for i, c := range codes {
		out[i] = (float32(c) - p.ZeroPoint) * p.Scale
	}
	return out
}

// Calibrate derives parameters that map the min..max range of values onto
// the full code range. A constant input gets DefaultScale centred on its value.
func Calibrate(values []float32) (Params, error) {
	if len(values) == 0 {
		return Params{}, ErrEmptyInput
	}
	lo, hi := vek32.Min(values), vek32.Max(values)
	if math.IsNaN(float64(lo)) || math.IsNaN(float64(hi)) ||
		math.IsInf(float64(lo), 0) || math.IsInf(float64(hi), 0) {
		return Params{}, fmt.Errorf("%w: non-finite input range [%v, %v]", ErrInvalidScale, lo, hi)
	}
	if lo == hi {
		zp := float32(math.Round(float64(DefaultZeroPoint - lo/DefaultScale)))
		return Params{Scale: DefaultScale, ZeroPoint: clampZero(zp)}, nil
	}
	// Keep zero representable.
	lo, hi = min(lo, 0), max(hi, 0)
	scale := (hi - lo) / 255
	zp := float32(math.Round(float64(-lo / scale)))
	return Params{Scale: scale, ZeroPoint: clampZero(zp)}, nil
}

func clampZero(zp float32) float32 {
	return min(max(zp, 0), 255)
}
