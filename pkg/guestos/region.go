package guestos

import "strings"

// OS identifies the guest operating system family.
type OS int

const (
	Windows OS = iota
	Linux
)

func (os OS) String() string {
	switch os {
	case Windows:
		return "windows"
	case Linux:
		return "linux"
	default:
		return "unknown"
	}
}

// Windows page protection values from WinNT.h.
const (
	pageNoAccess         = 0x01
	pageReadOnly         = 0x02
	pageReadWrite        = 0x04
	pageWriteCopy        = 0x08
	pageExecute          = 0x10
	pageExecuteRead      = 0x20
	pageExecuteReadWrite = 0x40
	pageExecuteWriteCopy = 0x80

	winReadMask      = pageReadOnly | pageReadWrite | pageWriteCopy | pageExecuteRead | pageExecuteReadWrite | pageExecuteWriteCopy
	winWriteMask     = pageReadWrite | pageWriteCopy | pageExecuteReadWrite | pageExecuteWriteCopy
	winExecMask      = pageExecute | pageExecuteRead | pageExecuteReadWrite | pageExecuteWriteCopy
	winWriteCopyMask = pageWriteCopy | pageExecuteWriteCopy
)

// Linux vm_area_struct flags.
const (
	VMRead     = 0x01
	VMWrite    = 0x02
	VMExec     = 0x04
	VMShared   = 0x08
	VMMayRead  = 0x10
	VMMayWrite = 0x20
	VMMayExec  = 0x40
	VMMayShare = 0x80
)

// PageProtection is the decoded protection of a memory region.
type PageProtection struct {
	Raw uint64
	OS  OS

	Readable    bool
	Writable    bool
	Executable  bool
	CopyOnWrite bool
}

// NewPageProtection decodes a raw protection value. Windows values are
// PAGE_* constants, Linux values are vm_flags; only the low byte of the
// latter is relevant.
func NewPageProtection(value uint64, os OS) PageProtection {
	p := PageProtection{Raw: value, OS: os}
	switch os {
	case Windows:
		p.Readable = value&winReadMask != 0
		p.Writable = value&winWriteMask != 0
		p.Executable = value&winExecMask != 0
		p.CopyOnWrite = value&winWriteCopyMask != 0
	case Linux:
		p.Readable = value&VMRead != 0
		p.Writable = value&VMWrite != 0
		p.Executable = value&VMExec != 0
		p.CopyOnWrite = value&(VMShared|VMMayWrite) == VMMayWrite
	}
	return p
}

// String returns the protection in "RWCX" notation, "N" for no access.
func (p PageProtection) String() string {
	var sb strings.Builder
	if p.Readable {
		sb.WriteByte('R')
	}
	if p.Writable {
		sb.WriteByte('W')
	}
	if p.CopyOnWrite {
		sb.WriteByte('C')
	}
	if p.Executable {
		sb.WriteByte('X')
	}
	if sb.Len() == 0 {
		return "N"
	}
	return sb.String()
}

// MemoryRegion is one contiguous mapping of a process.
type MemoryRegion struct {
	Base       uint64
	Size       uint64
	ModuleName string
	Protection PageProtection

	IsSharedMemory     bool
	IsBeingDeleted     bool
	IsProcessBaseImage bool
}
