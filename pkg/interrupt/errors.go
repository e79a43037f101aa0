package interrupt

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyInitialized is returned by a second Initialize call.
	ErrAlreadyInitialized = errors.New("interrupt supervisor already initialized")
	// ErrNotInitialized is returned when breakpoints are created before
	// Initialize.
	ErrNotInitialized = errors.New("interrupt supervisor not initialized")
	// ErrTargetExpired is returned by callbacks that fire after the
	// supervisor they belong to was torn down.
	ErrTargetExpired = errors.New("interrupt supervisor was torn down")
	// ErrCallbackRegistered is returned by ContextSwitchMonitor.SetCallback
	// when a callback is already installed.
	ErrCallbackRegistered = errors.New("context switch callback already registered")
)

// AlreadyInstrumentedError is returned when the byte at a new breakpoint
// location already is an INT3.
type AlreadyInstrumentedError struct {
	PA uint64
}

func (aie *AlreadyInstrumentedError) Error() string {
	return fmt.Sprintf("pa %#x already contains an int3", aie.PA)
}

// CallbackError wraps a failure or panic of a breakpoint callback.
type CallbackError struct {
	PA  uint64
	Err error
}

func (ce *CallbackError) Error() string {
	return fmt.Sprintf("breakpoint callback at pa %#x failed: %v", ce.PA, ce.Err)
}

func (ce *CallbackError) Unwrap() error {
	return ce.Err
}

var errNoShadow = errors.New("no shadow copy for breakpoint frame")
