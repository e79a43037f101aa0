package guestos

import (
	"fmt"
	"sort"
	"sync"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/eventstream"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/logflags"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi"
)

// ProcessList locates the kernel's circular list of processes.
type ProcessList struct {
	// Head is the address of the anchoring list entry.
	Head uint64
	// HeadIsMember is set when Head is embedded in a process object
	// itself, like init_task on Linux.
	HeadIsMember bool
	// LinkOffset is the offset of the list entry inside a process object.
	LinkOffset uint64
}

// Extractor reads OS specific process objects.
type Extractor interface {
	ProcessList() (ProcessList, error)
	// NextEntry follows the forward link of a list entry.
	NextEntry(entry uint64) (uint64, error)
	Extract(base uint64) (*ProcessInformation, error)
	// ExitPending reports whether the process has not started to exit.
	ExitPending(base uint64) (bool, error)
	SystemPid() uint32
}

// Listener is notified about process lifecycle changes reported by the
// guest kernel after initialization.
type Listener interface {
	OnProcessStart(p *ProcessInformation)
	OnProcessTermination(p *ProcessInformation)
}

// Listeners fans notifications out to several listeners in order.
type Listeners []Listener

func (ls Listeners) OnProcessStart(p *ProcessInformation) {
	for _, l := range ls {
		l.OnProcessStart(p)
	}
}

func (ls Listeners) OnProcessTermination(p *ProcessInformation) {
	for _, l := range ls {
		l.OnProcessTermination(p)
	}
}

// ProcessEventSink receives process events for the event stream.
type ProcessEventSink interface {
	SendProcessEvent(state eventstream.ProcessState, name string, pid uint32, dtb uint64)
}

// Supervisor is the directory of live guest processes. Processes are
// indexed by pid, by object base and by page table base; the three indices
// always change together.
type Supervisor struct {
	extractor Extractor
	events    ProcessEventSink
	listener  Listener
	log       logflags.Logger

	mu        sync.RWMutex
	byPid     map[uint32]*ProcessInformation
	pidByBase map[uint64]uint32
	byDTB     map[uint64]*ProcessInformation
}

// NewSupervisor returns an empty directory. listener may be nil.
func NewSupervisor(extractor Extractor, events ProcessEventSink, listener Listener) *Supervisor {
	return &Supervisor{
		extractor: extractor,
		events:    events,
		listener:  listener,
		log:       logflags.ProcessLogger(),
		byPid:     map[uint32]*ProcessInformation{},
		pidByBase: map[uint64]uint32{},
		byDTB:     map[uint64]*ProcessInformation{},
	}
}

// Initialize walks the kernel process list and records every process.
// Listeners are not notified for processes found here.
func (s *Supervisor) Initialize() error {
	s.log.Info("--- Initialization ---")
	list, err := s.extractor.ProcessList()
	if err != nil {
		return err
	}
	s.log.Debugf("process list head at %#x", list.Head)

	entry := list.Head
	if !list.HeadIsMember {
		if entry, err = s.extractor.NextEntry(list.Head); err != nil {
			return err
		}
	}
	visited := map[uint64]struct{}{}
	for entry != list.Head || (list.HeadIsMember && len(visited) == 0) {
		if _, ok := visited[entry]; ok {
			return fmt.Errorf("process list loops at entry %#x", entry)
		}
		visited[entry] = struct{}{}
		if _, err := s.add(entry-list.LinkOffset, false); err != nil {
			s.log.WithError(err).Warnf("skipping process at %#x", entry-list.LinkOffset)
		}
		if entry, err = s.extractor.NextEntry(entry); err != nil {
			return err
		}
	}
	s.log.Infof("--- End of Initialization (%d processes) ---", len(visited))
	return nil
}

// AddNewProcess records the process whose kernel object is at base.
func (s *Supervisor) AddNewProcess(base uint64) (*ProcessInformation, error) {
	return s.add(base, true)
}

func (s *Supervisor) add(base uint64, notify bool) (*ProcessInformation, error) {
	p, err := s.extractor.Extract(base)
	if err != nil {
		return nil, err
	}
	p.Base = base

	s.mu.Lock()
	if old, ok := s.byPid[p.Pid]; ok {
		s.unindex(old)
	}
	if oldPid, ok := s.pidByBase[base]; ok {
		if old, ok := s.byPid[oldPid]; ok {
			s.unindex(old)
		}
	}
	parent := s.byPid[p.ParentPid]
	s.byPid[p.Pid] = p
	s.pidByBase[base] = p.Pid
	// Kernel threads without an address space are not indexed by DTB.
	for _, dtb := range []uint64{p.DTB, p.UserDTB} {
		if dtb = vmi.NormalizeDTB(dtb); dtb != 0 {
			s.byDTB[dtb] = p
		}
	}
	s.mu.Unlock()

	s.processLogger(p, parent).Info("Discovered active process")
	if s.events != nil {
		s.events.SendProcessEvent(eventstream.ProcessStarted, p.Name, p.Pid, p.DTB)
	}
	if notify && s.listener != nil {
		s.listener.OnProcessStart(p)
	}
	return p, nil
}

// unindex removes p from every index. Callers hold s.mu.
func (s *Supervisor) unindex(p *ProcessInformation) {
	if s.byPid[p.Pid] == p {
		delete(s.byPid, p.Pid)
	}
	if s.pidByBase[p.Base] == p.Pid {
		delete(s.pidByBase, p.Base)
	}
	for _, dtb := range []uint64{p.DTB, p.UserDTB} {
		if s.byDTB[vmi.NormalizeDTB(dtb)] == p {
			delete(s.byDTB, vmi.NormalizeDTB(dtb))
		}
	}
}

// RemoveActiveProcess forgets the process whose kernel object is at base.
// Unknown processes are logged and ignored.
func (s *Supervisor) RemoveActiveProcess(base uint64) {
	s.mu.Lock()
	pid, ok := s.pidByBase[base]
	if !ok {
		s.mu.Unlock()
		s.log.WithField("base", logflags.Hex(base)).Warn("Process does not seem to be stored as an active process")
		return
	}
	p := s.byPid[pid]
	if p == nil {
		delete(s.pidByBase, base)
		s.mu.Unlock()
		s.log.WithFields(logflags.Fields{"base": logflags.Hex(base), "pid": pid}).Warn("Process information not found for process")
		return
	}
	parent := s.byPid[p.ParentPid]
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.OnProcessTermination(p)
	}

	s.mu.Lock()
	s.unindex(p)
	s.mu.Unlock()

	s.processLogger(p, parent).Info("Remove process from active processes")
	if s.events != nil {
		s.events.SendProcessEvent(eventstream.ProcessTerminated, p.Name, p.Pid, p.DTB)
	}
}

func (s *Supervisor) processLogger(p, parent *ProcessInformation) logflags.Logger {
	fields := logflags.Fields{
		"ProcessName":      p.Name,
		"ProcessId":        p.Pid,
		"ProcessDtb":       logflags.Hex(p.DTB),
		"ProcessUserDtb":   logflags.Hex(p.UserDTB),
		"ParentProcessId":  "unknownParentPid",
		"ParentProcessDtb": "unknownParentDtb",
	}
	if parent != nil {
		fields["ParentProcessName"] = parent.Name
		fields["ParentProcessId"] = parent.Pid
		fields["ParentProcessDtb"] = logflags.Hex(parent.DTB)
	}
	return s.log.WithFields(fields)
}

// ProcessByPid returns the process with the given pid.
func (s *Supervisor) ProcessByPid(pid uint32) (*ProcessInformation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byPid[pid]
	if !ok {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrProcessNotFound)
	}
	return p, nil
}

// ProcessByBase returns the process whose kernel object is at base.
func (s *Supervisor) ProcessByBase(base uint64) (*ProcessInformation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pid, ok := s.pidByBase[base]
	if !ok {
		return nil, fmt.Errorf("object base %#x: %w", base, ErrProcessNotFound)
	}
	p, ok := s.byPid[pid]
	if !ok {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrProcessNotFound)
	}
	return p, nil
}

// ProcessByDTB returns the process using the page table base dtb, either
// as its kernel or its user page table.
func (s *Supervisor) ProcessByDTB(dtb uint64) (*ProcessInformation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byDTB[vmi.NormalizeDTB(dtb)]
	if !ok {
		return nil, fmt.Errorf("dtb %#x: %w", dtb, ErrProcessNotFound)
	}
	return p, nil
}

// SystemProcess returns the kernel's own process.
func (s *Supervisor) SystemProcess() (*ProcessInformation, error) {
	return s.ProcessByPid(s.extractor.SystemPid())
}

// Len returns the number of indexed processes.
func (s *Supervisor) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byPid)
}

// ActiveProcesses returns the indexed processes that have not started to
// exit, ordered by pid.
func (s *Supervisor) ActiveProcesses() []*ProcessInformation {
	s.mu.RLock()
	all := make([]*ProcessInformation, 0, len(s.byPid))
	for _, p := range s.byPid {
		all = append(all, p)
	}
	s.mu.RUnlock()

	active := all[:0]
	for _, p := range all {
		pending, err := s.extractor.ExitPending(p.Base)
		if err != nil {
			s.log.WithError(err).Debugf("could not read exit status of pid %d", p.Pid)
			continue
		}
		if !pending {
			s.log.Debugf("pid %d is exiting", p.Pid)
			continue
		}
		active = append(active, p)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Pid < active[j].Pid })
	return active
}

// ShouldEnable arms a breakpoint owned by the page table base owner when
// owner itself is active, or when active is the user page table of the
// process owning owner.
func (s *Supervisor) ShouldEnable(owner, active uint64) bool {
	owner = vmi.NormalizeDTB(owner)
	active = vmi.NormalizeDTB(active)
	if owner == active {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byDTB[active]
	return ok && vmi.NormalizeDTB(p.DTB) == owner
}
