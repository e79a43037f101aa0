//go:build libvmi && linux

package libvmi

/*
#cgo pkg-config: libvmi
#include "helpers.h"
*/
import "C"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime/cgo"
	"sync"
	"time"
	"unsafe"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/logflags"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi"
)

func init() {
	vmi.RegisterBackend("libvmi", Open)
}

type memWatch struct {
	event   *C.vmi_event_t
	handler vmi.MemAccessHandler
}

// Backend is a libvmi instance attached to one guest.
type Backend struct {
	inst  C.vmi_instance_t
	vcpus uint32
	log   logflags.Logger
	self  cgo.Handle

	// mu serializes libvmi calls, listenMu serializes event delivery.
	// Handlers run under listenMu and take mu for their own calls.
	mu         sync.Mutex
	listenMu   sync.Mutex
	handlerErr handlerError

	interruptEvent   *C.vmi_event_t
	interruptHandler vmi.InterruptHandler
	cr3Event         *C.vmi_event_t
	cr3Handler       vmi.ContextSwitchHandler
	stepEvents       []*C.vmi_event_t
	stepHandlers     map[uint32]vmi.SingleStepHandler
	watches          map[uint64]*memWatch
}

// Open initializes libvmi for the domain opts.Name with events enabled.
func Open(opts vmi.Options) (vmi.Introspection, error) {
	b := &Backend{
		log:          logflags.VMILogger().WithField("domain", opts.Name),
		stepHandlers: map[uint32]vmi.SingleStepHandler{},
		watches:      map[uint64]*memWatch{},
	}
	name := C.CString(opts.Name)
	defer C.free(unsafe.Pointer(name))
	socket := C.CString(opts.Socket)
	defer C.free(unsafe.Pointer(socket))
	config := C.CString(fmt.Sprintf(`{ ostype = "Windows"; volatility_ist = "%s"; }`, opts.ProfilePath))
	defer C.free(unsafe.Pointer(config))

	b.log.Info("initialize libvmi")
	var initErr C.vmi_init_error_t
	if C.vmicore_init(&b.inst, name, socket, config, &initErr) != C.VMI_SUCCESS {
		return nil, &vmi.Error{Op: "init", Err: fmt.Errorf("vmi_init_complete failed with init error %d", int(initErr))}
	}
	b.vcpus = uint32(C.vmi_get_num_vcpus(b.inst))
	b.stepEvents = make([]*C.vmi_event_t, b.vcpus)
	b.self = cgo.NewHandle(b)
	return b, nil
}

func (b *Backend) fail(op string, format string, args ...interface{}) error {
	return &vmi.Error{Op: op, Err: fmt.Errorf(format, args...)}
}

func (b *Backend) ReadPA(pa uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if C.vmicore_read_pa(b.inst, C.addr_t(pa), C.size_t(len(buf)), unsafe.Pointer(&buf[0])) != C.VMI_SUCCESS {
		return b.fail("ReadPA", "unable to read %d bytes from pa %#x", len(buf), pa)
	}
	return nil
}

func (b *Backend) Read8PA(pa uint64) (uint8, error) {
	buf := make([]byte, 1)
	err := b.ReadPA(pa, buf)
	return buf[0], err
}

func (b *Backend) Read64PA(pa uint64) (uint64, error) {
	buf := make([]byte, 8)
	if err := b.ReadPA(pa, buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (b *Backend) ReadVA(va, dtb uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if C.vmicore_read_va(b.inst, C.addr_t(va), C.addr_t(dtb), C.size_t(len(buf)), unsafe.Pointer(&buf[0])) != C.VMI_SUCCESS {
		return &vmi.TranslationError{VA: va, DTB: dtb, Err: fmt.Errorf("unable to read %d bytes", len(buf))}
	}
	return nil
}

func (b *Backend) Read8VA(va, dtb uint64) (uint8, error) {
	buf := make([]byte, 1)
	err := b.ReadVA(va, dtb, buf)
	return buf[0], err
}

func (b *Backend) Read32VA(va, dtb uint64) (uint32, error) {
	buf := make([]byte, 4)
	if err := b.ReadVA(va, dtb, buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

func (b *Backend) Read64VA(va, dtb uint64) (uint64, error) {
	buf := make([]byte, 8)
	if err := b.ReadVA(va, dtb, buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (b *Backend) Write8PA(pa uint64, value uint8) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if C.vmicore_write_8_pa(b.inst, C.addr_t(pa), C.uint8_t(value)) != C.VMI_SUCCESS {
		return b.fail("Write8PA", "unable to write %#x to pa %#x", value, pa)
	}
	return nil
}

func (b *Backend) TranslateVAToPA(va, dtb uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var pa C.addr_t
	if C.vmi_pagetable_lookup(b.inst, C.addr_t(dtb), C.addr_t(va), &pa) != C.VMI_SUCCESS {
		return 0, &vmi.TranslationError{VA: va, DTB: dtb, Err: errors.New("page table lookup failed")}
	}
	return uint64(pa), nil
}

func (b *Backend) TranslateKernelSymbol(name string) (uint64, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	b.mu.Lock()
	defer b.mu.Unlock()
	var va C.addr_t
	if C.vmi_translate_ksym2v(b.inst, cname, &va) != C.VMI_SUCCESS {
		return 0, &vmi.SymbolError{Symbol: name, Err: errors.New("not found in kernel profile")}
	}
	return uint64(va), nil
}

func (b *Backend) ConvertPidToDTB(pid uint32) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var dtb C.addr_t
	if C.vmi_pid_to_dtb(b.inst, C.vmi_pid_t(pid), &dtb) != C.VMI_SUCCESS {
		return 0, b.fail("ConvertPidToDTB", "unable to obtain the dtb for pid %d", pid)
	}
	return uint64(dtb), nil
}

func (b *Backend) RegisterInterruptHandler(h vmi.InterruptHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.interruptEvent != nil {
		return vmi.ErrHandlerRegistered
	}
	ev := C.vmicore_new_interrupt_event(C.uintptr_t(b.self))
	if C.vmi_register_event(b.inst, ev) != C.VMI_SUCCESS {
		C.free(unsafe.Pointer(ev))
		return b.fail("RegisterInterruptHandler", "unable to register int3 event")
	}
	b.interruptEvent, b.interruptHandler = ev, h
	return nil
}

func (b *Backend) ClearInterruptHandler() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.interruptEvent == nil {
		return nil
	}
	ev := b.interruptEvent
	b.interruptEvent, b.interruptHandler = nil, nil
	if C.vmi_clear_event(b.inst, ev, C.vmi_event_free_t(C.vmicore_free_event)) != C.VMI_SUCCESS {
		return b.fail("ClearInterruptHandler", "unable to clear int3 event")
	}
	return nil
}

func (b *Backend) StartSingleStep(vcpu uint32, h vmi.SingleStepHandler) error {
	if vcpu >= b.vcpus {
		return b.fail("StartSingleStep", "no vcpu %d", vcpu)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.stepHandlers[vcpu]; ok {
		return vmi.ErrHandlerRegistered
	}
	ev := b.stepEvents[vcpu]
	if ev == nil {
		ev = C.vmicore_new_singlestep_event(C.uint32_t(vcpu), C.uintptr_t(b.self))
		if C.vmi_register_event(b.inst, ev) != C.VMI_SUCCESS {
			C.free(unsafe.Pointer(ev))
			return b.fail("StartSingleStep", "unable to register single step event for vcpu %d", vcpu)
		}
		b.stepEvents[vcpu] = ev
	} else if C.vmi_toggle_single_step_vcpu(b.inst, ev, C.uint32_t(vcpu), true) != C.VMI_SUCCESS {
		return b.fail("StartSingleStep", "unable to start single stepping on vcpu %d", vcpu)
	}
	b.stepHandlers[vcpu] = h
	return nil
}

func (b *Backend) StopSingleStep(vcpu uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.stepHandlers, vcpu)
	if vcpu >= b.vcpus || b.stepEvents[vcpu] == nil {
		return nil
	}
	if C.vmi_stop_single_step_vcpu(b.inst, b.stepEvents[vcpu], C.uint32_t(vcpu)) != C.VMI_SUCCESS {
		return b.fail("StopSingleStep", "failed to stop single stepping for vcpu %d", vcpu)
	}
	return nil
}

func (b *Backend) RegisterMemAccessWatch(gfn uint64, access vmi.MemAccess, h vmi.MemAccessHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.watches[gfn]; ok {
		return vmi.ErrHandlerRegistered
	}
	ev := C.vmicore_new_mem_event(C.uint64_t(gfn), C.uint32_t(access), C.uintptr_t(b.self))
	if C.vmi_register_event(b.inst, ev) != C.VMI_SUCCESS {
		C.free(unsafe.Pointer(ev))
		return b.fail("RegisterMemAccessWatch", "unable to register memory event on gfn %#x", gfn)
	}
	b.watches[gfn] = &memWatch{event: ev, handler: h}
	if logflags.VMI() {
		b.log.Debugf("watching gfn %#x", gfn)
	}
	return nil
}

func (b *Backend) ClearMemAccessWatch(gfn uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.watches[gfn]
	if !ok {
		return nil
	}
	delete(b.watches, gfn)
	if C.vmi_clear_event(b.inst, w.event, C.vmi_event_free_t(C.vmicore_free_event)) != C.VMI_SUCCESS {
		return b.fail("ClearMemAccessWatch", "unable to clear memory event on gfn %#x", gfn)
	}
	return nil
}

func (b *Backend) RegisterContextSwitchHandler(h vmi.ContextSwitchHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cr3Event != nil {
		return vmi.ErrHandlerRegistered
	}
	ev := C.vmicore_new_cr3_event(C.uintptr_t(b.self))
	if C.vmi_register_event(b.inst, ev) != C.VMI_SUCCESS {
		C.free(unsafe.Pointer(ev))
		return b.fail("RegisterContextSwitchHandler", "unable to register cr3 event")
	}
	b.cr3Event, b.cr3Handler = ev, h
	return nil
}

func (b *Backend) ClearContextSwitchHandler() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cr3Event == nil {
		return nil
	}
	ev := b.cr3Event
	b.cr3Event, b.cr3Handler = nil, nil
	if C.vmi_clear_event(b.inst, ev, C.vmi_event_free_t(C.vmicore_free_event)) != C.VMI_SUCCESS {
		return b.fail("ClearContextSwitchHandler", "unable to clear cr3 event")
	}
	return nil
}

func (b *Backend) PauseVM() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if C.vmi_pause_vm(b.inst) != C.VMI_SUCCESS {
		return b.fail("PauseVM", "unable to pause the vm")
	}
	return nil
}

func (b *Backend) ResumeVM() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if C.vmi_resume_vm(b.inst) != C.VMI_SUCCESS {
		return b.fail("ResumeVM", "unable to resume the vm")
	}
	return nil
}

// IsVMAlive probes the first physical page.
func (b *Backend) IsVMAlive() bool {
	_, err := b.Read8PA(0)
	return err == nil
}

func (b *Backend) AreEventsPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return C.vmi_are_events_pending(b.inst) > 0
}

func (b *Backend) EventsListen(timeout time.Duration) error {
	b.listenMu.Lock()
	defer b.listenMu.Unlock()
	if C.vmi_events_listen(b.inst, C.uint32_t(timeout.Milliseconds())) != C.VMI_SUCCESS {
		return errors.Join(b.fail("EventsListen", "error while waiting for vmi events"), b.handlerErr.take())
	}
	return b.handlerErr.take()
}

func (b *Backend) FlushTranslationCaches() {
	b.mu.Lock()
	defer b.mu.Unlock()
	C.vmi_v2pcache_flush(b.inst, ^C.addr_t(0))
	C.vmi_pagecache_flush(b.inst)
}

func (b *Backend) NumberOfVCPUs() uint32 {
	return b.vcpus
}

// Close resumes the guest and destroys the libvmi instance.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	C.vmi_resume_vm(b.inst)
	C.vmi_destroy(b.inst)
	b.self.Delete()
	return nil
}

func (b *Backend) ExtractStringAtVA(va, dtb uint64) (string, error) {
	return vmi.ReadString(b, va, dtb)
}

func (b *Backend) ExtractWStringAtVA(va, dtb uint64) (string, error) {
	return vmi.ReadWString(b, va, dtb)
}

func (b *Backend) ExtractUnicodeStringAtVA(va, dtb uint64) (string, error) {
	return vmi.ReadUnicodeString(b, va, dtb)
}

var _ vmi.Introspection = (*Backend)(nil)
