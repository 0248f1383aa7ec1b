package gpu

import (
	"encoding/binary"
	"math"
	"unsafe"
)

// Element is a scalar type that can live in a device buffer.
type Element interface {
	~uint8 | ~uint32 | ~int32 | ~float32
}

// BytesOf returns the raw memory of s without copying.
func BytesOf[T Element](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(zero)))
}

// View reinterprets buffer memory as a slice of T without copying.
// Trailing bytes that do not fill a whole element are ignored.
func View[T Element](b []byte) []T {
	var zero T
	n := len(b) / int(unsafe.Sizeof(zero))
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n)
}

// ReadFloat32s copies a float32 buffer into a new slice.
func ReadFloat32s(buf Buffer) []float32 {
	out := make([]float32, buf.Len()/4)
	copy(out, View[float32](buf.Contents()))
	return out
}

// ReadUint32s copies a uint32 buffer into a new slice.
func ReadUint32s(buf Buffer) []uint32 {
	out := make([]uint32, buf.Len()/4)
	copy(out, View[uint32](buf.Contents()))
	return out
}

// ReadBytes copies a byte buffer into a new slice.
func ReadBytes(buf Buffer) []byte {
	out := make([]byte, buf.Len())
	copy(out, buf.Contents())
	return out
}

// Float32Bytes encodes v as a little-endian 4-byte constant.
func Float32Bytes(v float32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return b
}
