package accel

import (
	"errors"
	"fmt"
)

// Kind classifies an accelerator failure.
type Kind int

const (
	KindInitialization Kind = iota + 1
	KindStageDispatch
	KindQuantization
	KindSearch
)

func (k Kind) String() string {
	switch k {
	case KindInitialization:
		return "initialization"
	case KindStageDispatch:
		return "stage dispatch"
	case KindQuantization:
		return "quantization"
	case KindSearch:
		return "search"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Kind sentinels. errors.Is(err, ErrSearch) holds for every *Error of KindSearch.
var (
	ErrInitialization = errors.New("accel: initialization failure")
	ErrStageDispatch  = errors.New("accel: stage dispatch failure")
	ErrQuantization   = errors.New("accel: quantization failure")
	ErrSearch         = errors.New("accel: search failure")
)

// Cause sentinels.
var (
	ErrNotInitialized    = errors.New("accel: not initialized")
	ErrClosed            = errors.New("accel: closed")
	ErrEmptySequence     = errors.New("accel: empty sequence")
	ErrEmptyInput        = errors.New("accel: empty input")
	ErrInvalidK          = errors.New("accel: k must be positive")
	ErrEmptyDatabase     = errors.New("accel: empty database")
	ErrDimensionMismatch = errors.New("accel: dimension mismatch")
)

// Error is returned by every accelerator operation.
type Error struct {
	Kind Kind
	// Stage names the kernel or step that failed
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("accel: %s failure at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrInitialization:
		return e.Kind == KindInitialization
	case ErrStageDispatch:
		return e.Kind == KindStageDispatch
	case ErrQuantization:
		return e.Kind == KindQuantization
	case ErrSearch:
		return e.Kind == KindSearch
	}
	return false
}

func newError(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}
