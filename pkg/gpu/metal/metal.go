// Package metal probes the system Metal device on Apple platforms.
//
// The probe loads Metal.framework at runtime through purego, so the binary
// needs no cgo toolchain and still starts on machines without Metal. It only
// reads device capabilities; compute work runs on the software device.
package metal

import "errors"

// ErrMetalNotAvailable is returned when no Metal device can be opened.
var ErrMetalNotAvailable = errors.New("metal: Metal is not available on this system")

// Capabilities describes the default Metal device.
type Capabilities struct {
	Name            string
	MaxBufferLength uint64
	LowPower        bool
	UnifiedMemory   bool
}

// IsAvailable reports whether a Metal device can be opened.
func IsAvailable() bool {
	_, err := Probe()
	return err == nil
}
