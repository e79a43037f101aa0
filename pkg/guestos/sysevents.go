package guestos

import (
	"errors"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/interrupt"
)

// SystemEvents watches the guest kernel for process lifecycle and crash
// events. Implementations live in the OS subpackages.
type SystemEvents interface {
	// Initialize enumerates the running processes and installs the kernel
	// breakpoints. The VM must be paused.
	Initialize() error
	// Teardown removes every kernel breakpoint.
	Teardown() error
}

// Breakpoints creates kernel breakpoints.
type Breakpoints interface {
	Initialize() error
	CreateBreakpoint(targetVA, dtb uint64, cb interrupt.Callback, global bool) (*interrupt.Breakpoint, error)
}

// RunControl is the part of the run loop driven by kernel events.
type RunControl interface {
	// Stop ends the event loop with the given exit code.
	Stop(code int)
	// SkipPostRunAction disables the plugin shutdown action that normally
	// runs after the event loop.
	SkipPostRunAction()
}

// RemoveAll removes every breakpoint in bps, ignoring nil entries, and
// returns the joined errors.
func RemoveAll(bps ...*interrupt.Breakpoint) error {
	var errs []error
	for _, bp := range bps {
		if bp == nil {
			continue
		}
		if err := bp.Remove(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
