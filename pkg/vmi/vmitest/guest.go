// Package vmitest provides a simulated guest implementing
// vmi.Introspection for tests.
package vmitest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi"
)

// Write records one Write8PA call.
type Write struct {
	PA    uint64
	Value uint8
}

type watch struct {
	access  vmi.MemAccess
	handler vmi.MemAccessHandler
}

// Guest is an in-memory guest with sparse physical memory, per-DTB page
// tables and synchronous event delivery. The zero value is not usable,
// use New.
type Guest struct {
	mu sync.Mutex

	frames  map[uint64][]byte
	tables  map[uint64]map[uint64]uint64
	symbols map[string]uint64
	pidDTB  map[uint32]uint64
	vcpus   uint32
	alive   bool
	failOn  map[string]error
	// failWrite fails Write8PA for single addresses.
	failWrite map[uint64]error

	pauseDepth  int
	pauseCount  int
	resumeCount int
	flushes     int
	writes      []Write
	reinjected  []uint64

	interrupt     vmi.InterruptHandler
	contextSwitch vmi.ContextSwitchHandler
	singleStep    map[uint32]vmi.SingleStepHandler
	watches       map[uint64]watch

	queue     []func() error
	listenErr error
	listens   int
}

// New returns a live guest with the given number of vCPUs.
func New(vcpus uint32) *Guest {
	return &Guest{
		frames:     map[uint64][]byte{},
		tables:     map[uint64]map[uint64]uint64{},
		symbols:    map[string]uint64{},
		pidDTB:     map[uint32]uint64{},
		vcpus:      vcpus,
		alive:      true,
		failOn:     map[string]error{},
		failWrite:  map[uint64]error{},
		singleStep: map[uint32]vmi.SingleStepHandler{},
		watches:    map[uint64]watch{},
	}
}

// Map maps the page containing va in the address space dtb to the frame
// containing pa. The frame is allocated if needed.
func (g *Guest) Map(dtb, va, pa uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	dtb = vmi.NormalizeDTB(dtb)
	if g.tables[dtb] == nil {
		g.tables[dtb] = map[uint64]uint64{}
	}
	g.tables[dtb][va>>vmi.PageShift] = vmi.GFN(pa)
	g.frame(vmi.GFN(pa))
}

func (g *Guest) frame(gfn uint64) []byte {
	f, ok := g.frames[gfn]
	if !ok {
		f = make([]byte, vmi.PageSize)
		g.frames[gfn] = f
	}
	return f
}

// WritePhys stores data at pa without recording writes or notifying
// watches. Frames are allocated as needed.
func (g *Guest) WritePhys(pa uint64, data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, b := range data {
		addr := pa + uint64(i)
		g.frame(vmi.GFN(addr))[vmi.PageOffset(addr)] = b
	}
}

// Write64Phys stores a little endian uint64 at pa.
func (g *Guest) Write64Phys(pa, v uint64) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	g.WritePhys(pa, buf)
}

// WriteVirt stores data at va in the address space dtb. The pages must be
// mapped.
func (g *Guest) WriteVirt(va, dtb uint64, data []byte) error {
	for i, b := range data {
		pa, err := g.TranslateVAToPA(va+uint64(i), dtb)
		if err != nil {
			return err
		}
		g.WritePhys(pa, []byte{b})
	}
	return nil
}

// Byte returns the byte at pa, zero for unallocated frames.
func (g *Guest) Byte(pa uint64) uint8 {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.frames[vmi.GFN(pa)]
	if !ok {
		return 0
	}
	return f[vmi.PageOffset(pa)]
}

// SetSymbol defines a kernel symbol.
func (g *Guest) SetSymbol(name string, va uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.symbols[name] = va
}

// SetPidDTB defines the result of ConvertPidToDTB for pid.
func (g *Guest) SetPidDTB(pid uint32, dtb uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pidDTB[pid] = dtb
}

// Kill makes the guest report itself dead.
func (g *Guest) Kill() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.alive = false
}

// FailOn makes every subsequent call of the named method return err. A nil
// err removes the failure.
func (g *Guest) FailOn(method string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.failOn, method)
		return
	}
	g.failOn[method] = err
}

// FailWriteTo makes Write8PA to pa return err. A nil err removes the
// failure.
func (g *Guest) FailWriteTo(pa uint64, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.failWrite, pa)
		return
	}
	g.failWrite[pa] = err
}

func (g *Guest) failure(method string) error {
	if err, ok := g.failOn[method]; ok {
		return &vmi.Error{Op: method, Err: err}
	}
	return nil
}

// Writes returns every Write8PA call so far.
func (g *Guest) Writes() []Write {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Write(nil), g.writes...)
}

// WritesTo returns the values written to pa so far.
func (g *Guest) WritesTo(pa uint64) []uint8 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var r []uint8
	for _, w := range g.writes {
		if w.PA == pa {
			r = append(r, w.Value)
		}
	}
	return r
}

// ResetWrites clears the write log.
func (g *Guest) ResetWrites() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writes = nil
}

// PauseDepth returns the number of PauseVM calls not yet matched by
// ResumeVM.
func (g *Guest) PauseDepth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pauseDepth
}

// PauseCount returns the total number of PauseVM calls.
func (g *Guest) PauseCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pauseCount
}

// Flushes returns the number of FlushTranslationCaches calls.
func (g *Guest) Flushes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.flushes
}

// Reinjected returns the addresses of reinjected traps.
func (g *Guest) Reinjected() []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]uint64(nil), g.reinjected...)
}

// Watched reports whether a memory watch is installed on gfn.
func (g *Guest) Watched(gfn uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.watches[gfn]
	return ok
}

// Watches returns the number of installed memory watches.
func (g *Guest) Watches() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.watches)
}

// SingleStepping reports whether single-stepping is enabled on vcpu.
func (g *Guest) SingleStepping(vcpu uint32) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.singleStep[vcpu]
	return ok
}

// HasInterruptHandler reports whether an interrupt handler is registered.
func (g *Guest) HasInterruptHandler() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interrupt != nil
}

// HasContextSwitchHandler reports whether a CR3 handler is registered.
func (g *Guest) HasContextSwitchHandler() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.contextSwitch != nil
}

// Listens returns the number of EventsListen calls.
func (g *Guest) Listens() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listens
}

// SetListenError makes EventsListen fail with err after draining.
func (g *Guest) SetListenError(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listenErr = err
}

// Queue adds an event that is delivered by the next EventsListen call.
func (g *Guest) Queue(deliver func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queue = append(g.queue, deliver)
}

// QueueInterrupt queues an INT3 at gla executed by vcpu in the address
// space cr3.
func (g *Guest) QueueInterrupt(vcpu uint32, gla, cr3 uint64) {
	g.Queue(func() error {
		_, err := g.Trap(vcpu, gla, cr3)
		return err
	})
}

// Trap delivers an INT3 at gla executed by vcpu in the address space cr3.
func (g *Guest) Trap(vcpu uint32, gla, cr3 uint64) (*vmi.InterruptEvent, error) {
	return g.FireInterrupt(vcpu, vmi.Registers{RIP: gla, CR3: cr3})
}

// FireInterrupt delivers an INT3 with the given registers, RIP and CR3
// select the trapping instruction.
func (g *Guest) FireInterrupt(vcpu uint32, regs vmi.Registers) (*vmi.InterruptEvent, error) {
	g.mu.Lock()
	h := g.interrupt
	g.mu.Unlock()
	if h == nil {
		return nil, errors.New("no interrupt handler registered")
	}
	ev := &vmi.InterruptEvent{GLA: regs.RIP, Offset: vmi.PageOffset(regs.RIP), VCPU: vcpu, Regs: regs}
	if pa, err := g.TranslateVAToPA(regs.RIP, regs.CR3); err == nil {
		ev.GFN = vmi.GFN(pa)
	}
	err := h(ev)
	if ev.Reinject {
		g.mu.Lock()
		g.reinjected = append(g.reinjected, ev.GLA)
		g.mu.Unlock()
	}
	return ev, err
}

// FireSingleStep reports that vcpu executed one instruction.
func (g *Guest) FireSingleStep(vcpu uint32) error {
	g.mu.Lock()
	h, ok := g.singleStep[vcpu]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("single-stepping not enabled on vcpu %d", vcpu)
	}
	return h(&vmi.SingleStepEvent{VCPU: vcpu})
}

// FireContextSwitch reports a CR3 write of cr3 on vcpu.
func (g *Guest) FireContextSwitch(vcpu uint32, cr3 uint64) error {
	g.mu.Lock()
	h := g.contextSwitch
	g.mu.Unlock()
	if h == nil {
		return errors.New("no context switch handler registered")
	}
	return h(&vmi.RegisterEvent{VCPU: vcpu, Value: cr3})
}

// GuestRead simulates the guest reading size bytes at va. Reads on watched
// frames go through the watch handler and may be emulated.
func (g *Guest) GuestRead(va, dtb uint64, size int) ([]byte, error) {
	pa, err := g.TranslateVAToPA(va, dtb)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	w, watched := g.watches[vmi.GFN(pa)]
	g.mu.Unlock()
	if watched && w.access&vmi.AccessR != 0 {
		ev := &vmi.MemAccessEvent{GFN: vmi.GFN(pa), Offset: vmi.PageOffset(pa), GLA: va, Access: vmi.AccessR}
		rsp, err := w.handler(ev)
		if err != nil {
			return nil, err
		}
		if rsp == vmi.ResponseEmulateRead {
			if len(ev.EmulatedRead) < size {
				return nil, fmt.Errorf("emulated read of %d bytes, want %d", len(ev.EmulatedRead), size)
			}
			return ev.EmulatedRead[:size], nil
		}
	}
	buf := make([]byte, size)
	err = g.ReadVA(va, dtb, buf)
	return buf, err
}

// GuestWrite simulates the guest writing one byte at pa.
func (g *Guest) GuestWrite(pa uint64, v uint8) error {
	g.mu.Lock()
	w, watched := g.watches[vmi.GFN(pa)]
	g.mu.Unlock()
	if watched && w.access&vmi.AccessW != 0 {
		ev := &vmi.MemAccessEvent{GFN: vmi.GFN(pa), Offset: vmi.PageOffset(pa), Access: vmi.AccessW}
		if _, err := w.handler(ev); err != nil {
			return err
		}
	}
	g.WritePhys(pa, []byte{v})
	return nil
}

func (g *Guest) ReadPA(pa uint64, buf []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failure("ReadPA"); err != nil {
		return err
	}
	for i := range buf {
		addr := pa + uint64(i)
		f, ok := g.frames[vmi.GFN(addr)]
		if !ok {
			return &vmi.Error{Op: "ReadPA", Err: fmt.Errorf("%#x: %w", addr, vmi.ErrNotMapped)}
		}
		buf[i] = f[vmi.PageOffset(addr)]
	}
	return nil
}

func (g *Guest) Read8PA(pa uint64) (uint8, error) {
	buf := make([]byte, 1)
	err := g.ReadPA(pa, buf)
	return buf[0], err
}

func (g *Guest) Read64PA(pa uint64) (uint64, error) {
	buf := make([]byte, 8)
	if err := g.ReadPA(pa, buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (g *Guest) ReadVA(va, dtb uint64, buf []byte) error {
	for i := 0; i < len(buf); {
		pa, err := g.TranslateVAToPA(va+uint64(i), dtb)
		if err != nil {
			return err
		}
		n := int(vmi.PageSize - vmi.PageOffset(pa))
		if n > len(buf)-i {
			n = len(buf) - i
		}
		if err := g.ReadPA(pa, buf[i:i+n]); err != nil {
			return err
		}
		i += n
	}
	return nil
}

func (g *Guest) Read8VA(va, dtb uint64) (uint8, error) {
	buf := make([]byte, 1)
	err := g.ReadVA(va, dtb, buf)
	return buf[0], err
}

func (g *Guest) Read32VA(va, dtb uint64) (uint32, error) {
	buf := make([]byte, 4)
	if err := g.ReadVA(va, dtb, buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

func (g *Guest) Read64VA(va, dtb uint64) (uint64, error) {
	buf := make([]byte, 8)
	if err := g.ReadVA(va, dtb, buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

func (g *Guest) Write8PA(pa uint64, value uint8) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failure("Write8PA"); err != nil {
		return err
	}
	if err, ok := g.failWrite[pa]; ok {
		return &vmi.Error{Op: "Write8PA", Err: err}
	}
	f, ok := g.frames[vmi.GFN(pa)]
	if !ok {
		return &vmi.Error{Op: "Write8PA", Err: fmt.Errorf("%#x: %w", pa, vmi.ErrNotMapped)}
	}
	f[vmi.PageOffset(pa)] = value
	g.writes = append(g.writes, Write{PA: pa, Value: value})
	return nil
}

func (g *Guest) TranslateVAToPA(va, dtb uint64) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failure("TranslateVAToPA"); err != nil {
		return 0, &vmi.TranslationError{VA: va, DTB: dtb, Err: err}
	}
	gfn, ok := g.tables[vmi.NormalizeDTB(dtb)][va>>vmi.PageShift]
	if !ok {
		return 0, &vmi.TranslationError{VA: va, DTB: dtb, Err: vmi.ErrNotMapped}
	}
	return vmi.PhysicalAddress(gfn, va), nil
}

func (g *Guest) TranslateKernelSymbol(name string) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	va, ok := g.symbols[name]
	if !ok {
		return 0, &vmi.SymbolError{Symbol: name, Err: errors.New("unknown symbol")}
	}
	return va, nil
}

func (g *Guest) ConvertPidToDTB(pid uint32) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	dtb, ok := g.pidDTB[pid]
	if !ok {
		return 0, &vmi.Error{Op: "ConvertPidToDTB", Err: fmt.Errorf("unknown pid %d", pid)}
	}
	return dtb, nil
}

func (g *Guest) RegisterInterruptHandler(h vmi.InterruptHandler) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.interrupt != nil {
		return vmi.ErrHandlerRegistered
	}
	g.interrupt = h
	return nil
}

func (g *Guest) ClearInterruptHandler() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.interrupt = nil
	return nil
}

func (g *Guest) StartSingleStep(vcpu uint32, h vmi.SingleStepHandler) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failure("StartSingleStep"); err != nil {
		return err
	}
	if vcpu >= g.vcpus {
		return &vmi.Error{Op: "StartSingleStep", Err: fmt.Errorf("no vcpu %d", vcpu)}
	}
	if _, ok := g.singleStep[vcpu]; ok {
		return vmi.ErrHandlerRegistered
	}
	g.singleStep[vcpu] = h
	return nil
}

func (g *Guest) StopSingleStep(vcpu uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failure("StopSingleStep"); err != nil {
		return err
	}
	delete(g.singleStep, vcpu)
	return nil
}

func (g *Guest) RegisterMemAccessWatch(gfn uint64, access vmi.MemAccess, h vmi.MemAccessHandler) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failure("RegisterMemAccessWatch"); err != nil {
		return err
	}
	if _, ok := g.watches[gfn]; ok {
		return vmi.ErrHandlerRegistered
	}
	g.watches[gfn] = watch{access: access, handler: h}
	return nil
}

func (g *Guest) ClearMemAccessWatch(gfn uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failure("ClearMemAccessWatch"); err != nil {
		return err
	}
	delete(g.watches, gfn)
	return nil
}

func (g *Guest) RegisterContextSwitchHandler(h vmi.ContextSwitchHandler) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.contextSwitch != nil {
		return vmi.ErrHandlerRegistered
	}
	g.contextSwitch = h
	return nil
}

func (g *Guest) ClearContextSwitchHandler() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.contextSwitch = nil
	return nil
}

func (g *Guest) PauseVM() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failure("PauseVM"); err != nil {
		return err
	}
	g.pauseDepth++
	g.pauseCount++
	return nil
}

func (g *Guest) ResumeVM() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pauseDepth == 0 {
		return &vmi.Error{Op: "ResumeVM", Err: errors.New("vm is not paused")}
	}
	g.pauseDepth--
	g.resumeCount++
	return nil
}

func (g *Guest) IsVMAlive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.alive
}

func (g *Guest) AreEventsPending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue) > 0
}

// EventsListen delivers every queued event in order. The timeout is
// ignored.
func (g *Guest) EventsListen(timeout time.Duration) error {
	g.mu.Lock()
	g.listens++
	if !g.alive {
		g.mu.Unlock()
		return &vmi.Error{Op: "EventsListen", Err: vmi.ErrVMDead}
	}
	g.mu.Unlock()
	for {
		g.mu.Lock()
		if len(g.queue) == 0 {
			err := g.listenErr
			g.mu.Unlock()
			return err
		}
		deliver := g.queue[0]
		g.queue = g.queue[1:]
		g.mu.Unlock()
		if err := deliver(); err != nil {
			return err
		}
	}
}

func (g *Guest) FlushTranslationCaches() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.flushes++
}

func (g *Guest) NumberOfVCPUs() uint32 {
	return g.vcpus
}

func (g *Guest) Close() error {
	return nil
}

func (g *Guest) ExtractStringAtVA(va, dtb uint64) (string, error) {
	return vmi.ReadString(g, va, dtb)
}

func (g *Guest) ExtractWStringAtVA(va, dtb uint64) (string, error) {
	return vmi.ReadWString(g, va, dtb)
}

func (g *Guest) ExtractUnicodeStringAtVA(va, dtb uint64) (string, error) {
	return vmi.ReadUnicodeString(g, va, dtb)
}

var _ vmi.Introspection = (*Guest)(nil)
