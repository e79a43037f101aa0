package guestos_test

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/eventstream"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/guestos"
)

type fakeExtractor struct {
	list    guestos.ProcessList
	links   map[uint64]uint64
	procs   map[uint64]guestos.ProcessInformation
	exiting map[uint64]bool
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{
		links:   map[uint64]uint64{},
		procs:   map[uint64]guestos.ProcessInformation{},
		exiting: map[uint64]bool{},
	}
}

func (f *fakeExtractor) ProcessList() (guestos.ProcessList, error) { return f.list, nil }

func (f *fakeExtractor) NextEntry(entry uint64) (uint64, error) {
	next, ok := f.links[entry]
	if !ok {
		return 0, errors.New("unmapped list entry")
	}
	return next, nil
}

func (f *fakeExtractor) Extract(base uint64) (*guestos.ProcessInformation, error) {
	p, ok := f.procs[base]
	if !ok {
		return nil, errors.New("not a process")
	}
	return &p, nil
}

func (f *fakeExtractor) ExitPending(base uint64) (bool, error) { return !f.exiting[base], nil }

func (f *fakeExtractor) SystemPid() uint32 { return 4 }

type processEvent struct {
	state eventstream.ProcessState
	pid   uint32
}

type eventRecorder struct {
	events []processEvent
}

func (r *eventRecorder) SendProcessEvent(state eventstream.ProcessState, name string, pid uint32, dtb uint64) {
	r.events = append(r.events, processEvent{state, pid})
}

type listenerRecorder struct {
	started, terminated []uint32
	lookup              *guestos.Supervisor
	stillIndexed        bool
}

func (l *listenerRecorder) OnProcessStart(p *guestos.ProcessInformation) {
	l.started = append(l.started, p.Pid)
}

func (l *listenerRecorder) OnProcessTermination(p *guestos.ProcessInformation) {
	l.terminated = append(l.terminated, p.Pid)
	if l.lookup != nil {
		_, err := l.lookup.ProcessByBase(p.Base)
		l.stillIndexed = err == nil
	}
}

// windowsLike builds a list anchored outside any process: head 0x100,
// processes at 0x1000 (pid 4), 0x2000 (pid 100), 0x3000 (pid 200).
func windowsLike() *fakeExtractor {
	f := newFakeExtractor()
	f.list = guestos.ProcessList{Head: 0x100, LinkOffset: 0x10}
	f.links[0x100] = 0x1010
	f.links[0x1010] = 0x2010
	f.links[0x2010] = 0x3010
	f.links[0x3010] = 0x100
	f.procs[0x1000] = guestos.ProcessInformation{Pid: 4, Name: "System", DTB: 0x1aa000, UserDTB: 0x1aa000}
	f.procs[0x2000] = guestos.ProcessInformation{Pid: 100, ParentPid: 4, Name: "smss.exe", DTB: 0x2000000, UserDTB: 0x2001000}
	f.procs[0x3000] = guestos.ProcessInformation{Pid: 200, ParentPid: 100, Name: "csrss.exe", DTB: 0x3000000, UserDTB: 0x3000000}
	return f
}

func TestInitializeWalksList(t *testing.T) {
	f := windowsLike()
	events := &eventRecorder{}
	listener := &listenerRecorder{}
	s := guestos.NewSupervisor(f, events, listener)
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 3 {
		t.Fatalf("expected 3 processes; but was <%d>", s.Len())
	}
	for base, pid := range map[uint64]uint32{0x1000: 4, 0x2000: 100, 0x3000: 200} {
		p, err := s.ProcessByBase(base)
		if err != nil {
			t.Fatal(err)
		}
		if p.Pid != pid {
			t.Fatalf("base %#x: expected pid <%d>; but was <%d>", base, pid, p.Pid)
		}
	}
	if len(events.events) != 3 {
		t.Fatalf("expected a start event per process; but was %v", events.events)
	}
	if len(listener.started) != 0 {
		t.Fatalf("listener notified during initialization: %v", listener.started)
	}
	sys, err := s.SystemProcess()
	if err != nil || sys.Name != "System" {
		t.Fatalf("expected System process; but was <%v> <%v>", sys, err)
	}
}

func TestInitializeHeadIsMember(t *testing.T) {
	f := newFakeExtractor()
	f.list = guestos.ProcessList{Head: 0x1010, HeadIsMember: true, LinkOffset: 0x10}
	f.links[0x1010] = 0x2010
	f.links[0x2010] = 0x1010
	f.procs[0x1000] = guestos.ProcessInformation{Pid: 0, Name: "swapper/0"}
	f.procs[0x2000] = guestos.ProcessInformation{Pid: 1, Name: "systemd"}
	s := guestos.NewSupervisor(f, nil, nil)
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 processes; but was <%d>", s.Len())
	}
	if _, err := s.ProcessByPid(0); err != nil {
		t.Fatal(err)
	}
}

func TestInitializeDetectsCycle(t *testing.T) {
	f := windowsLike()
	f.links[0x3010] = 0x2010
	s := guestos.NewSupervisor(f, nil, nil)
	if err := s.Initialize(); err == nil {
		t.Fatal("expected an error for a looping process list")
	}
}

func TestInitializeSkipsBrokenProcess(t *testing.T) {
	f := windowsLike()
	delete(f.procs, 0x2000)
	s := guestos.NewSupervisor(f, nil, nil)
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 processes; but was <%d>", s.Len())
	}
}

func TestAddAndRemove(t *testing.T) {
	f := windowsLike()
	events := &eventRecorder{}
	listener := &listenerRecorder{}
	s := guestos.NewSupervisor(f, events, listener)
	listener.lookup = s
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	events.events = nil

	f.procs[0x4000] = guestos.ProcessInformation{Pid: 300, ParentPid: 200, Name: "cmd.exe", DTB: 0x4000000, UserDTB: 0x4001000}
	p, err := s.AddNewProcess(0x4000)
	if err != nil {
		t.Fatal(err)
	}
	if p.Base != 0x4000 {
		t.Fatalf("expected base <0x4000>; but was <%#x>", p.Base)
	}
	if len(listener.started) != 1 || listener.started[0] != 300 {
		t.Fatalf("expected start notification for 300; but was %v", listener.started)
	}

	s.RemoveActiveProcess(0x4000)
	if len(listener.terminated) != 1 || listener.terminated[0] != 300 {
		t.Fatalf("expected termination notification for 300; but was %v", listener.terminated)
	}
	if !listener.stillIndexed {
		t.Fatal("listener must see the process before it is removed")
	}
	if _, err := s.ProcessByPid(300); !errors.Is(err, guestos.ErrProcessNotFound) {
		t.Fatalf("expected error <%v>; but was <%v>", guestos.ErrProcessNotFound, err)
	}
	if _, err := s.ProcessByDTB(0x4001000); !errors.Is(err, guestos.ErrProcessNotFound) {
		t.Fatalf("expected user dtb unindexed; but was <%v>", err)
	}
	want := []processEvent{{eventstream.ProcessStarted, 300}, {eventstream.ProcessTerminated, 300}}
	if len(events.events) != 2 || events.events[0] != want[0] || events.events[1] != want[1] {
		t.Fatalf("expected events %v; but was %v", want, events.events)
	}

	// Duplicate termination notifications are tolerated.
	s.RemoveActiveProcess(0x4000)
	if len(events.events) != 2 || len(listener.terminated) != 1 {
		t.Fatal("unknown process produced notifications")
	}
}

func TestReusedPidReplacesEntry(t *testing.T) {
	f := windowsLike()
	s := guestos.NewSupervisor(f, nil, nil)
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	f.procs[0x5000] = guestos.ProcessInformation{Pid: 100, Name: "reused.exe", DTB: 0x5000000, UserDTB: 0x5000000}
	if _, err := s.AddNewProcess(0x5000); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ProcessByBase(0x2000); !errors.Is(err, guestos.ErrProcessNotFound) {
		t.Fatalf("stale base still indexed: %v", err)
	}
	if _, err := s.ProcessByDTB(0x2001000); !errors.Is(err, guestos.ErrProcessNotFound) {
		t.Fatalf("stale dtb still indexed: %v", err)
	}
	p, err := s.ProcessByPid(100)
	if err != nil || p.Name != "reused.exe" {
		t.Fatalf("expected reused.exe; but was <%v> <%v>", p, err)
	}
}

func TestIndexConsistency(t *testing.T) {
	f := newFakeExtractor()
	bases := []uint64{0x1000, 0x2000, 0x3000, 0x4000, 0x5000, 0x6000}
	s := guestos.NewSupervisor(f, nil, nil)
	rnd := rand.New(rand.NewSource(1))
	model := map[uint64]uint32{}

	for i := 0; i < 500; i++ {
		base := bases[rnd.Intn(len(bases))]
		if rnd.Intn(2) == 0 {
			pid := uint32(rnd.Intn(4) + 1)
			f.procs[base] = guestos.ProcessInformation{Pid: pid, DTB: base << 12, UserDTB: base << 12}
			if _, err := s.AddNewProcess(base); err != nil {
				t.Fatal(err)
			}
			for b, p := range model {
				if p == pid {
					delete(model, b)
				}
			}
			model[base] = pid
		} else {
			s.RemoveActiveProcess(base)
			delete(model, base)
		}

		for _, b := range bases {
			byBase, errBase := s.ProcessByBase(b)
			pid, inModel := model[b]
			if inModel != (errBase == nil) {
				t.Fatalf("step %d: base %#x membership <%v>, lookup error <%v>", i, b, inModel, errBase)
			}
			if !inModel {
				continue
			}
			byPid, err := s.ProcessByPid(pid)
			if err != nil {
				t.Fatalf("step %d: pid %d missing while base %#x is indexed", i, pid, b)
			}
			if byPid != byBase {
				t.Fatalf("step %d: indices disagree for pid %d", i, pid)
			}
		}
		if s.Len() != len(model) {
			t.Fatalf("step %d: expected <%d> processes; but was <%d>", i, len(model), s.Len())
		}
	}
}

func TestActiveProcessesFiltersExiting(t *testing.T) {
	f := windowsLike()
	s := guestos.NewSupervisor(f, nil, nil)
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	f.exiting[0x2000] = true
	procs := s.ActiveProcesses()
	if len(procs) != 2 || procs[0].Pid != 4 || procs[1].Pid != 200 {
		t.Fatalf("unexpected active processes %v", procs)
	}
	if _, err := s.ProcessByPid(100); err != nil {
		t.Fatal("exiting process must stay indexed until its termination is reported")
	}
}

func TestShouldEnable(t *testing.T) {
	f := windowsLike()
	s := guestos.NewSupervisor(f, nil, nil)
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		owner, active uint64
		want          bool
	}{
		{0x2000000, 0x2000000, true},
		{0x2000000, 0x2000000 | 0x3, true},
		{0x2000000, 0x2001000, true},
		{0x2000000, 0x3000000, false},
		{0x3000000, 0x2001000, false},
		{0x9000000, 0x9001000, false},
	}
	for _, tc := range tests {
		if got := s.ShouldEnable(tc.owner, tc.active); got != tc.want {
			t.Errorf("ShouldEnable(%#x, %#x): expected <%v>; but was <%v>", tc.owner, tc.active, tc.want, got)
		}
	}
}
