//go:build libvmi && linux

package libvmi

/*
#include "helpers.h"
*/
import "C"

import (
	"runtime/cgo"
	"unsafe"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi"
)

func backendOf(event *C.vmi_event_t) *Backend {
	return cgo.Handle(C.vmicore_event_handle(event)).Value().(*Backend)
}

func registers(event *C.vmi_event_t) vmi.Registers {
	var r [C.VMICORE_NUM_REGS]C.uint64_t
	C.vmicore_event_regs(event, &r[0])
	return vmi.Registers{
		RAX: uint64(r[0]), RBX: uint64(r[1]), RCX: uint64(r[2]), RDX: uint64(r[3]),
		RSI: uint64(r[4]), RDI: uint64(r[5]), RSP: uint64(r[6]), RBP: uint64(r[7]),
		R8: uint64(r[8]), R9: uint64(r[9]), R10: uint64(r[10]), R11: uint64(r[11]),
		R12: uint64(r[12]), R13: uint64(r[13]), R14: uint64(r[14]), R15: uint64(r[15]),
		RIP: uint64(r[16]), RFLAGS: uint64(r[17]), CR3: uint64(r[18]),
	}
}

//export goInterruptCallback
func goInterruptCallback(inst C.vmi_instance_t, event *C.vmi_event_t) C.event_response_t {
	b := backendOf(event)
	b.mu.Lock()
	h := b.interruptHandler
	b.mu.Unlock()

	ev := &vmi.InterruptEvent{
		GLA:      uint64(C.vmicore_intr_gla(event)),
		GFN:      uint64(C.vmicore_intr_gfn(event)),
		Offset:   uint64(C.vmicore_intr_offset(event)),
		VCPU:     uint32(C.vmicore_event_vcpu(event)),
		Regs:     registers(event),
		Reinject: true,
	}
	if h != nil {
		ev.Reinject = false
		if err := h(ev); err != nil {
			b.log.WithError(err).Errorf("interrupt handler failed at gla %#x", ev.GLA)
			b.handlerErr.record(err)
		}
	}
	setInterruptReinject(event, ev.Reinject)
	return C.VMI_EVENT_RESPONSE_NONE
}

//export goSingleStepCallback
func goSingleStepCallback(inst C.vmi_instance_t, event *C.vmi_event_t) C.event_response_t {
	b := backendOf(event)
	vcpu := uint32(C.vmicore_event_vcpu(event))
	b.mu.Lock()
	h, ok := b.stepHandlers[vcpu]
	b.mu.Unlock()
	if !ok {
		return C.VMI_EVENT_RESPONSE_NONE
	}
	if err := h(&vmi.SingleStepEvent{VCPU: vcpu, Regs: registers(event)}); err != nil {
		b.log.WithError(err).Errorf("single step handler failed on vcpu %d", vcpu)
		b.handlerErr.record(err)
	}
	return C.VMI_EVENT_RESPONSE_NONE
}

//export goMemAccessCallback
func goMemAccessCallback(inst C.vmi_instance_t, event *C.vmi_event_t) C.event_response_t {
	b := backendOf(event)
	gfn := uint64(C.vmicore_mem_gfn(event))
	b.mu.Lock()
	w, ok := b.watches[gfn]
	b.mu.Unlock()
	if !ok {
		return C.VMI_EVENT_RESPONSE_NONE
	}
	ev := &vmi.MemAccessEvent{
		GFN:    gfn,
		Offset: uint64(C.vmicore_mem_offset(event)),
		GLA:    uint64(C.vmicore_mem_gla(event)),
		Access: vmi.MemAccess(C.vmicore_mem_access(event)),
		VCPU:   uint32(C.vmicore_event_vcpu(event)),
	}
	rsp, err := w.handler(ev)
	if err != nil {
		b.log.WithError(err).Errorf("memory access handler failed on gfn %#x", gfn)
		b.handlerErr.record(err)
		return C.VMI_EVENT_RESPONSE_NONE
	}
	if rsp == vmi.ResponseEmulateRead && len(ev.EmulatedRead) > 0 {
		C.vmicore_mem_emul_read(event, (*C.uint8_t)(unsafe.Pointer(&ev.EmulatedRead[0])), C.uint32_t(len(ev.EmulatedRead)))
		return C.VMI_EVENT_RESPONSE_SET_EMUL_READ_DATA
	}
	return C.VMI_EVENT_RESPONSE_NONE
}

//export goContextSwitchCallback
func goContextSwitchCallback(inst C.vmi_instance_t, event *C.vmi_event_t) C.event_response_t {
	b := backendOf(event)
	b.mu.Lock()
	h := b.cr3Handler
	b.mu.Unlock()
	if h == nil {
		return C.VMI_EVENT_RESPONSE_NONE
	}
	ev := &vmi.RegisterEvent{
		VCPU:     uint32(C.vmicore_event_vcpu(event)),
		Value:    uint64(C.vmicore_reg_value(event)),
		Previous: uint64(C.vmicore_reg_previous(event)),
	}
	if err := h(ev); err != nil {
		b.log.WithError(err).Errorf("context switch handler failed on vcpu %d", ev.VCPU)
		b.handlerErr.record(err)
	}
	return C.VMI_EVENT_RESPONSE_NONE
}

// newInterruptEvent and interruptInsnLength expose the event constructor to
// tests, which cannot use cgo directly.
func newInterruptEvent() *C.vmi_event_t {
	return C.vmicore_new_interrupt_event(0)
}

func interruptInsnLength(event *C.vmi_event_t) uint32 {
	return uint32(C.vmicore_intr_insn_length(event))
}

func setInterruptReinject(event *C.vmi_event_t, reinject bool) {
	if reinject {
		C.vmicore_intr_reinject(event, 1)
	} else {
		C.vmicore_intr_reinject(event, 0)
	}
}

func freeEvent(event *C.vmi_event_t) {
	C.free(unsafe.Pointer(event))
}
