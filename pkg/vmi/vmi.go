// Package vmi describes the introspection capability vmicore consumes: guest
// memory access, address translation, VM control and the low-level
// hypervisor events. Backends register themselves with RegisterBackend.
package vmi

import "time"

// TrapOpcode is the x86 INT3 instruction.
const TrapOpcode uint8 = 0xCC

// Registers holds the general purpose registers of a vCPU at the time of
// an event.
type Registers struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
	CR3                uint64
}

// InterruptEvent is delivered when a vCPU executes an INT3.
type InterruptEvent struct {
	// Guest linear address of the trapping instruction.
	GLA    uint64
	GFN    uint64
	Offset uint64
	VCPU   uint32
	Regs   Registers
	// Reinject is set by the handler when the trap belongs to the guest
	// and has to be delivered to it.
	Reinject bool
}

// SingleStepEvent is delivered after a vCPU with single-stepping enabled
// executed one instruction.
type SingleStepEvent struct {
	VCPU uint32
	Regs Registers
}

// RegisterEvent is delivered when the guest writes a watched control
// register. Only CR3 writes are requested by vmicore.
type RegisterEvent struct {
	VCPU     uint32
	Value    uint64
	Previous uint64
}

// MemAccess is a set of access kinds for memory watches.
type MemAccess uint8

const (
	AccessR MemAccess = 1 << iota
	AccessW
	AccessX

	AccessRW = AccessR | AccessW
)

// MemAccessEvent is delivered when the guest accesses a watched frame.
type MemAccessEvent struct {
	GFN    uint64
	Offset uint64
	GLA    uint64
	Access MemAccess
	VCPU   uint32
	// EmulatedRead is filled by handlers returning ResponseEmulateRead.
	EmulatedRead []byte
}

// Response tells the backend how to continue after a memory access event.
type Response uint8

const (
	ResponseNone Response = iota
	// ResponseEmulateRead makes the hypervisor serve the access from
	// MemAccessEvent.EmulatedRead instead of guest memory.
	ResponseEmulateRead
)

type (
	InterruptHandler     func(*InterruptEvent) error
	SingleStepHandler    func(*SingleStepEvent) error
	ContextSwitchHandler func(*RegisterEvent) error
	MemAccessHandler     func(*MemAccessEvent) (Response, error)
)

// MemoryReader reads guest memory. VA reads translate with the page table
// rooted at dtb.
type MemoryReader interface {
	ReadPA(pa uint64, buf []byte) error
	Read8PA(pa uint64) (uint8, error)
	Read64PA(pa uint64) (uint64, error)
	ReadVA(va, dtb uint64, buf []byte) error
	Read8VA(va, dtb uint64) (uint8, error)
	Read32VA(va, dtb uint64) (uint32, error)
	Read64VA(va, dtb uint64) (uint64, error)
}

// MemoryWriter patches guest memory.
type MemoryWriter interface {
	Write8PA(pa uint64, value uint8) error
}

// Translator resolves guest addresses and symbols.
type Translator interface {
	TranslateVAToPA(va, dtb uint64) (uint64, error)
	TranslateKernelSymbol(name string) (uint64, error)
	ConvertPidToDTB(pid uint32) (uint64, error)
}

// EventRegistrar installs hypervisor event handlers. Handlers run on the
// goroutine calling EventsListen, one at a time.
type EventRegistrar interface {
	RegisterInterruptHandler(h InterruptHandler) error
	ClearInterruptHandler() error
	StartSingleStep(vcpu uint32, h SingleStepHandler) error
	StopSingleStep(vcpu uint32) error
	RegisterMemAccessWatch(gfn uint64, access MemAccess, h MemAccessHandler) error
	ClearMemAccessWatch(gfn uint64) error
	RegisterContextSwitchHandler(h ContextSwitchHandler) error
	ClearContextSwitchHandler() error
}

// VMControl controls execution of the guest and drives event delivery.
type VMControl interface {
	PauseVM() error
	ResumeVM() error
	IsVMAlive() bool
	AreEventsPending() bool
	// EventsListen waits up to timeout for events and dispatches them.
	EventsListen(timeout time.Duration) error
	FlushTranslationCaches()
	NumberOfVCPUs() uint32
	Close() error
}

// StringExtractor reads guest strings.
type StringExtractor interface {
	// ExtractStringAtVA reads a NUL terminated single byte string.
	ExtractStringAtVA(va, dtb uint64) (string, error)
	// ExtractWStringAtVA reads a NUL terminated UTF-16LE string.
	ExtractWStringAtVA(va, dtb uint64) (string, error)
	// ExtractUnicodeStringAtVA reads a Windows _UNICODE_STRING.
	ExtractUnicodeStringAtVA(va, dtb uint64) (string, error)
}

// Introspection is the complete capability of an introspection backend.
type Introspection interface {
	MemoryReader
	MemoryWriter
	Translator
	EventRegistrar
	VMControl
	StringExtractor
}
