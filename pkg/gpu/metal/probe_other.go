//go:build !darwin

package metal

// Probe always fails off Apple platforms.
func Probe() (*Capabilities, error) {
	return nil, ErrMetalNotAvailable
}
