//go:build darwin

package metal

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/ebitengine/purego/objc"
)

const metalFramework = "/System/Library/Frameworks/Metal.framework/Metal"

var framework struct {
	once sync.Once
	err  error

	createSystemDefaultDevice func() uintptr
}

func loadFramework() error {
	framework.once.Do(func() {
		lib, err := purego.Dlopen(metalFramework, purego.RTLD_LAZY|purego.RTLD_GLOBAL)
		if err != nil {
			framework.err = fmt.Errorf("%w: dlopen: %v", ErrMetalNotAvailable, err)
			return
		}
		purego.RegisterLibFunc(&framework.createSystemDefaultDevice, lib, "MTLCreateSystemDefaultDevice")
	})
	return framework.err
}

var (
	selName             = objc.RegisterName("name")
	selUTF8String       = objc.RegisterName("UTF8String")
	selMaxBufferLength  = objc.RegisterName("maxBufferLength")
	selIsLowPower       = objc.RegisterName("isLowPower")
	selHasUnifiedMemory = objc.RegisterName("hasUnifiedMemory")
	selRelease          = objc.RegisterName("release")
)

// Probe opens the system default Metal device and reads its capabilities.
func Probe() (*Capabilities, error) {
	if err := loadFramework(); err != nil {
		return nil, err
	}
	dev := objc.ID(framework.createSystemDefaultDevice())
	if dev == 0 {
		return nil, fmt.Errorf("%w: no default device", ErrMetalNotAvailable)
	}
	defer dev.Send(selRelease)

	return &Capabilities{
		Name:            goString(dev.Send(selName).Send(selUTF8String)),
		MaxBufferLength: objc.Send[uint64](dev, selMaxBufferLength),
		LowPower:        objc.Send[bool](dev, selIsLowPower),
		UnifiedMemory:   objc.Send[bool](dev, selHasUnifiedMemory),
	}, nil
}

// goString copies a NUL-terminated C string.
func goString(p objc.ID) string {
	if p == 0 {
		return ""
	}
	ptr := unsafe.Pointer(uintptr(p))
	n := 0
	for *(*byte)(unsafe.Add(ptr, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(ptr), n))
}
