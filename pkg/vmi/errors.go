package vmi

import (
	"errors"
	"fmt"
)

var (
	// ErrVMDead is returned when the guest is gone.
	ErrVMDead = errors.New("vm is not alive")
	// ErrNotMapped is returned for addresses without a backing frame.
	ErrNotMapped = errors.New("address not mapped")
	// ErrHandlerRegistered is returned when a singular handler is
	// registered twice.
	ErrHandlerRegistered = errors.New("handler already registered")
)

// Error is returned when a backend call fails.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("vmi: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// TranslationError is returned when a virtual address cannot be
// translated in the address space rooted at DTB.
type TranslationError struct {
	VA  uint64
	DTB uint64
	Err error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("could not translate %#x with dtb %#x: %v", e.VA, e.DTB, e.Err)
}

func (e *TranslationError) Unwrap() error {
	return e.Err
}

// SymbolError is returned when a kernel symbol cannot be resolved.
type SymbolError struct {
	Symbol string
	Err    error
}

func (e *SymbolError) Error() string {
	return fmt.Sprintf("could not resolve kernel symbol %s: %v", e.Symbol, e.Err)
}

func (e *SymbolError) Unwrap() error {
	return e.Err
}
