package interrupt

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi"
)

// maxInstructionLength is the longest legal x86 instruction.
const maxInstructionLength = 15

// Event describes a breakpoint hit as seen by callbacks.
type Event struct {
	PA     uint64
	GLA    uint64
	GFN    uint64
	Offset uint64
	VCPU   uint32
	Regs   vmi.Registers

	guard *Guard
}

// DTB returns the normalized page table base of the trapping context.
func (ev *Event) DTB() uint64 {
	return vmi.NormalizeDTB(ev.Regs.CR3)
}

// Instruction decodes the original instruction at the breakpoint from the
// unpatched copy of the frame.
func (ev *Event) Instruction() (x86asm.Inst, error) {
	if ev.guard == nil {
		return x86asm.Inst{}, errNoShadow
	}
	code := ev.guard.Shadow(vmi.PageOffset(ev.PA), maxInstructionLength)
	return x86asm.Decode(code, 64)
}
