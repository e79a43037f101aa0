// Package interrupt multiplexes logical breakpoints onto INT3 patches in
// guest physical memory.
package interrupt

import (
	"sync/atomic"
)

// Response is returned by breakpoint callbacks.
type Response int

const (
	// Continue keeps the breakpoint armed.
	Continue Response = iota
	// Deactivate leaves the location unpatched after this hit.
	Deactivate
)

func (r Response) String() string {
	switch r {
	case Continue:
		return "continue"
	case Deactivate:
		return "deactivate"
	default:
		return "unknown"
	}
}

// Callback is invoked on the event goroutine when a breakpoint is hit.
type Callback func(*Event) (Response, error)

// Breakpoint is one logical breakpoint. Several breakpoints can share a
// physical address, the location stays patched while any of them is alive.
type Breakpoint struct {
	targetPA uint64
	dtb      uint64
	global   bool
	callback Callback

	// remove points back at the owning supervisor.
	remove  func(*Breakpoint) error
	deleted atomic.Bool
}

// TargetPA returns the physical address the breakpoint is set on.
func (bp *Breakpoint) TargetPA() uint64 {
	return bp.targetPA
}

// DTB returns the page table base of the owning process context.
func (bp *Breakpoint) DTB() uint64 {
	return bp.dtb
}

// Global reports whether the breakpoint ignores context switches.
func (bp *Breakpoint) Global() bool {
	return bp.global
}

// Removed reports whether Remove was called.
func (bp *Breakpoint) Removed() bool {
	return bp.deleted.Load()
}

// Remove detaches the breakpoint. Only the first call has an effect.
func (bp *Breakpoint) Remove() error {
	if !bp.deleted.CompareAndSwap(false, true) {
		return nil
	}
	return bp.remove(bp)
}
