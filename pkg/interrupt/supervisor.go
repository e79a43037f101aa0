package interrupt

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/logflags"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/singlestep"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi"
)

// ErrorSink receives error events for the event stream.
type ErrorSink interface {
	SendErrorEvent(message string)
}

// ContextPolicy decides whether a breakpoint owned by the page table base
// owner is armed while active is loaded.
type ContextPolicy interface {
	ShouldEnable(owner, active uint64) bool
}

// DTBEquality arms breakpoints only in the address space that owns them.
type DTBEquality struct{}

func (DTBEquality) ShouldEnable(owner, active uint64) bool {
	return vmi.NormalizeDTB(owner) == vmi.NormalizeDTB(active)
}

// slot is the state of one patched physical address.
type slot struct {
	pa       uint64
	original uint8

	occupants []*Breakpoint

	patched      bool
	pendingRearm bool
	deactivated  bool
}

func (sl *slot) remove(bp *Breakpoint) {
	for i := range sl.occupants {
		if sl.occupants[i] == bp {
			copy(sl.occupants[i:], sl.occupants[i+1:])
			sl.occupants[len(sl.occupants)-1] = nil
			sl.occupants = sl.occupants[:len(sl.occupants)-1]
			return
		}
	}
}

// gated reports whether context switches toggle the slot.
func (sl *slot) gated() bool {
	if len(sl.occupants) == 0 {
		return false
	}
	for _, bp := range sl.occupants {
		if bp.global {
			return false
		}
	}
	return true
}

type guardRef struct {
	guard *Guard
	slots int
}

// tombstone remembers a removed slot. patched is set while the trap opcode
// is still in guest memory.
type tombstone struct {
	original uint8
	patched  bool
}

// Supervisor patches INT3 instructions into guest memory and dispatches
// the resulting traps to breakpoint callbacks. Traps are handled on the
// goroutine driving vmi.VMControl.EventsListen.
type Supervisor struct {
	vmi           vmi.Introspection
	singleStep    *singlestep.Supervisor
	contextSwitch *ContextSwitchMonitor
	sink          ErrorSink
	policy        ContextPolicy
	log           logflags.Logger

	mu          sync.Mutex
	initialized bool
	closed      bool
	slots       map[uint64]*slot
	guards      map[uint64]*guardRef
	// tombstones holds addresses whose slot is gone while traps raised
	// for it may still arrive: the last breakpoint was removed from inside
	// a handler, or restoring the original byte failed.
	tombstones map[uint64]tombstone

	inDispatch atomic.Int32
}

// New returns a supervisor. A nil policy selects DTBEquality.
func New(v vmi.Introspection, ss *singlestep.Supervisor, cs *ContextSwitchMonitor, sink ErrorSink, policy ContextPolicy) *Supervisor {
	if policy == nil {
		policy = DTBEquality{}
	}
	return &Supervisor{
		vmi:           v,
		singleStep:    ss,
		contextSwitch: cs,
		sink:          sink,
		policy:        policy,
		log:           logflags.InterruptLogger(),
		slots:         map[uint64]*slot{},
		guards:        map[uint64]*guardRef{},
		tombstones:    map[uint64]tombstone{},
	}
}

// Initialize installs the trap and context switch handlers.
func (s *Supervisor) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return ErrAlreadyInitialized
	}
	if err := s.vmi.RegisterInterruptHandler(s.handleTrap); err != nil {
		return err
	}
	s.singleStep.Initialize()
	if err := s.contextSwitch.SetCallback(s.handleContextSwitch); err != nil {
		return errors.Join(err, s.vmi.ClearInterruptHandler())
	}
	s.initialized = true
	return nil
}

// CreateBreakpoint sets a breakpoint on targetVA in the address space dtb.
// Global breakpoints stay armed in every context.
func (s *Supervisor) CreateBreakpoint(targetVA, dtb uint64, cb Callback, global bool) (*Breakpoint, error) {
	dtb = vmi.NormalizeDTB(dtb)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	if s.closed {
		return nil, ErrTargetExpired
	}

	pa, err := s.vmi.TranslateVAToPA(targetVA, dtb)
	if err != nil {
		return nil, err
	}
	sl, ok := s.slots[pa]
	if !ok {
		s.vmi.FlushTranslationCaches()
		pa, err = s.vmi.TranslateVAToPA(targetVA, dtb)
		if err != nil {
			return nil, err
		}
		sl, ok = s.slots[pa]
	}

	bp := &Breakpoint{targetPA: pa, dtb: dtb, global: global, callback: cb, remove: s.deleteBreakpoint}
	if ok {
		sl.occupants = append(sl.occupants, bp)
		s.log.Debugf("breakpoint at va %#x dtb %#x joins pa %#x (%d occupants)", targetVA, dtb, pa, len(sl.occupants))
		return bp, nil
	}

	var original uint8
	if t, ok := s.tombstones[pa]; ok && t.patched {
		original = t.original
	} else {
		if original, err = s.vmi.Read8PA(pa); err != nil {
			return nil, err
		}
		if original == vmi.TrapOpcode {
			return nil, &AlreadyInstrumentedError{PA: pa}
		}
	}

	gfn := vmi.GFN(pa)
	ref := s.guards[gfn]
	if ref == nil {
		g := NewGuard(s.vmi, gfn)
		if err := g.Initialize(); err != nil {
			return nil, fmt.Errorf("could not guard frame %#x: %w", gfn, err)
		}
		ref = &guardRef{guard: g}
		s.guards[gfn] = ref
	}
	if err := s.vmi.Write8PA(pa, vmi.TrapOpcode); err != nil {
		if ref.slots == 0 {
			delete(s.guards, gfn)
			err = errors.Join(err, ref.guard.Teardown())
		}
		return nil, err
	}
	ref.slots++
	s.slots[pa] = &slot{pa: pa, original: original, occupants: []*Breakpoint{bp}, patched: true}
	delete(s.tombstones, pa)
	s.log.Debugf("patched pa %#x for va %#x dtb %#x (original %#x)", pa, targetVA, dtb, original)
	return bp, nil
}

func (s *Supervisor) deleteBreakpoint(bp *Breakpoint) (err error) {
	pa := bp.targetPA

	s.mu.Lock()
	sl, ok := s.slots[pa]
	if !ok || s.closed {
		s.mu.Unlock()
		return nil
	}
	sl.remove(bp)
	if len(sl.occupants) > 0 {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.vmi.PauseVM(); err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.slots[pa]; ok && cur == sl && len(sl.occupants) == 0 {
			return errors.Join(err, s.retire(pa, sl, err))
		}
		return err
	}
	defer func() {
		if rerr := s.vmi.ResumeVM(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	// Traps already raised for this address must see the slot before the
	// original byte comes back. From inside a handler the backend cannot
	// deliver them, so the address is remembered instead.
	drained := s.inDispatch.Load() == 0
	if drained {
		for s.vmi.AreEventsPending() {
			if err := s.vmi.EventsListen(0); err != nil {
				return err
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if cur, ok := s.slots[pa]; !ok || cur != sl || len(sl.occupants) > 0 {
		return nil
	}
	var restoreErr error
	if sl.patched {
		if restoreErr = s.vmi.Write8PA(pa, sl.original); restoreErr == nil {
			sl.patched = false
		}
	}
	if drained && !sl.patched {
		delete(s.slots, pa)
		delete(s.tombstones, pa)
		s.log.Debugf("removed last breakpoint at pa %#x", pa)
		return s.releaseGuard(vmi.GFN(pa))
	}
	return errors.Join(restoreErr, s.retire(pa, sl, restoreErr))
}

// retire drops the empty slot sl and leaves a tombstone for traps that may
// still arrive. A slot that is still patched is restored by the next trap
// on it or by Teardown. Callers hold s.mu.
func (s *Supervisor) retire(pa uint64, sl *slot, cause error) error {
	delete(s.slots, pa)
	s.tombstones[pa] = tombstone{original: sl.original, patched: sl.patched}
	if sl.patched {
		s.log.WithError(cause).Errorf("could not restore pa %#x, retrying on the next trap", pa)
	} else {
		s.log.Debugf("removed last breakpoint at pa %#x during dispatch", pa)
	}
	return s.releaseGuard(vmi.GFN(pa))
}

// tombstoneTrap decides a trap at the slotless address pa. Stale traps of
// a removed breakpoint are swallowed and the vCPU executes the original
// instruction again. A trap opcode in guest memory that is not ours is
// reinjected and the address forgotten. Callers hold s.mu.
func (s *Supervisor) tombstoneTrap(pa uint64) (reinject bool, err error) {
	t, ok := s.tombstones[pa]
	if !ok {
		return true, nil
	}
	if t.patched {
		if err := s.vmi.Write8PA(pa, t.original); err != nil {
			return false, fmt.Errorf("could not restore pa %#x: %w", pa, err)
		}
		s.tombstones[pa] = tombstone{original: t.original}
		return false, nil
	}
	b, err := s.vmi.Read8PA(pa)
	if err != nil {
		return false, err
	}
	if b == vmi.TrapOpcode {
		delete(s.tombstones, pa)
		return true, nil
	}
	return false, nil
}

// releaseGuard drops one slot reference of the guard on gfn. Callers hold
// s.mu.
func (s *Supervisor) releaseGuard(gfn uint64) error {
	ref := s.guards[gfn]
	if ref == nil {
		return nil
	}
	ref.slots--
	if ref.slots > 0 {
		return nil
	}
	delete(s.guards, gfn)
	return ref.guard.Teardown()
}

func (s *Supervisor) handleTrap(ev *vmi.InterruptEvent) error {
	s.inDispatch.Add(1)
	defer s.inDispatch.Add(-1)

	pa, err := s.vmi.TranslateVAToPA(ev.GLA, ev.Regs.CR3)
	if err != nil {
		s.log.Debugf("could not translate trap at %#x: %v", ev.GLA, err)
		ev.Reinject = true
		return nil
	}

	s.mu.Lock()
	sl, ok := s.slots[pa]
	if !ok {
		reinject, err := s.tombstoneTrap(pa)
		s.mu.Unlock()
		ev.Reinject = reinject
		return err
	}
	ev.Reinject = false
	occupants := append([]*Breakpoint(nil), sl.occupants...)
	var g *Guard
	if ref := s.guards[vmi.GFN(pa)]; ref != nil {
		g = ref.guard
	}
	s.mu.Unlock()

	s.vmi.FlushTranslationCaches()
	hit := &Event{
		PA:     pa,
		GLA:    ev.GLA,
		GFN:    vmi.GFN(pa),
		Offset: vmi.PageOffset(pa),
		VCPU:   ev.VCPU,
		Regs:   ev.Regs,
		guard:  g,
	}

	deactivate := len(occupants) == 0
	for _, bp := range occupants {
		if bp.Removed() {
			continue
		}
		rsp, err := s.invoke(bp, hit)
		if err != nil {
			cerr := &CallbackError{PA: pa, Err: err}
			s.log.WithError(err).Errorf("breakpoint callback at pa %#x", pa)
			if s.sink != nil {
				s.sink.SendErrorEvent(cerr.Error())
			}
			continue
		}
		if rsp == Deactivate {
			deactivate = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.slots[pa]; !ok || cur != sl {
		return nil
	}
	if len(sl.occupants) == 0 {
		deactivate = true
	}
	if sl.patched {
		if err := s.vmi.Write8PA(pa, sl.original); err != nil {
			return fmt.Errorf("could not restore pa %#x: %w", pa, err)
		}
		sl.patched = false
	}
	if deactivate {
		sl.deactivated = true
		s.log.Debugf("deactivated breakpoint at pa %#x", pa)
		return nil
	}
	if err := s.singleStep.SetCallback(ev.VCPU, s.rearm, pa); err != nil {
		s.log.WithError(err).Errorf("could not re-arm pa %#x on vcpu %d", pa, ev.VCPU)
		if s.sink != nil {
			s.sink.SendErrorEvent(fmt.Sprintf("could not re-arm breakpoint at pa %#x: %v", pa, err))
		}
		return nil
	}
	sl.pendingRearm = true
	return nil
}

func (s *Supervisor) invoke(bp *Breakpoint, ev *Event) (rsp Response, err error) {
	defer func() {
		if ierr := recover(); ierr != nil {
			err = fmt.Errorf("panic: %v", ierr)
		}
	}()
	return bp.callback(ev)
}

func (s *Supervisor) rearm(_ *vmi.SingleStepEvent, pa uint64) error {
	s.inDispatch.Add(1)
	defer s.inDispatch.Add(-1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrTargetExpired
	}
	sl, ok := s.slots[pa]
	if !ok {
		return nil
	}
	sl.pendingRearm = false
	if sl.deactivated || sl.patched || len(sl.occupants) == 0 {
		return nil
	}
	if err := s.vmi.Write8PA(pa, vmi.TrapOpcode); err != nil {
		return fmt.Errorf("could not re-arm pa %#x: %w", pa, err)
	}
	sl.patched = true
	return nil
}

func (s *Supervisor) handleContextSwitch(ev *vmi.RegisterEvent) error {
	s.inDispatch.Add(1)
	defer s.inDispatch.Add(-1)

	active := vmi.NormalizeDTB(ev.Value)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	var errs []error
	for pa, sl := range s.slots {
		if sl.pendingRearm || sl.deactivated || !sl.gated() {
			continue
		}
		enable := false
		for _, bp := range sl.occupants {
			if s.policy.ShouldEnable(bp.dtb, active) {
				enable = true
				break
			}
		}
		switch {
		case enable && !sl.patched:
			if err := s.vmi.Write8PA(pa, vmi.TrapOpcode); err != nil {
				errs = append(errs, err)
				continue
			}
			sl.patched = true
		case !enable && sl.patched:
			if err := s.vmi.Write8PA(pa, sl.original); err != nil {
				errs = append(errs, err)
				continue
			}
			sl.patched = false
		}
	}
	return errors.Join(errs...)
}

// Teardown restores every patched byte and removes all handlers. Calls
// after the first do nothing.
func (s *Supervisor) Teardown() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.initialized {
		s.closed = true
		return nil
	}
	s.closed = true

	var errs []error
	if perr := s.vmi.PauseVM(); perr != nil {
		errs = append(errs, perr)
	} else {
		defer func() {
			if rerr := s.vmi.ResumeVM(); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}()
	}

	for pa, sl := range s.slots {
		if sl.patched {
			if err := s.vmi.Write8PA(pa, sl.original); err != nil {
				errs = append(errs, err)
				continue
			}
			sl.patched = false
		}
	}
	for gfn, ref := range s.guards {
		if err := ref.guard.Teardown(); err != nil {
			errs = append(errs, err)
		}
		delete(s.guards, gfn)
	}
	s.slots = map[uint64]*slot{}
	for pa, t := range s.tombstones {
		if t.patched {
			if err := s.vmi.Write8PA(pa, t.original); err != nil {
				errs = append(errs, err)
			}
		}
	}
	s.tombstones = map[uint64]tombstone{}

	if err := s.vmi.ClearInterruptHandler(); err != nil {
		errs = append(errs, err)
	}
	if err := s.contextSwitch.Teardown(); err != nil {
		errs = append(errs, err)
	}
	if err := s.singleStep.Teardown(); err != nil {
		errs = append(errs, err)
	}
	s.log.Debug("interrupt supervisor torn down")
	return errors.Join(errs...)
}

// Slots returns the number of patched or patchable addresses.
func (s *Supervisor) Slots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Guards returns the number of guarded frames.
func (s *Supervisor) Guards() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.guards)
}

// Occupants returns the number of breakpoints sharing pa.
func (s *Supervisor) Occupants(pa uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[pa]; ok {
		return len(sl.occupants)
	}
	return 0
}

// Patched reports whether the trap opcode is currently written at pa.
func (s *Supervisor) Patched(pa uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[pa]
	return ok && sl.patched
}
