package windows_test

import (
	"errors"
	"sort"
	"testing"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/guestos"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/guestos/windows"
)

func newExtractor(t *testing.T, k *kernel) *windows.Extractor {
	t.Helper()
	x, err := windows.NewExtractor(k.g, testProfile(t))
	if err != nil {
		t.Fatal(err)
	}
	return x
}

func TestNewLayout(t *testing.T) {
	p, err := guestos.ParseProfile(profileJSON(t, "_KPROCESS.UserDirectoryTableBase"))
	if err != nil {
		t.Fatal(err)
	}
	l, err := windows.NewLayout(p)
	if err != nil {
		t.Fatal(err)
	}
	if l.KProcess.UserDirectoryTableBase != l.KProcess.DirectoryTableBase {
		t.Fatalf("expected user dtb offset <%#x>; but was <%#x>", l.KProcess.DirectoryTableBase, l.KProcess.UserDirectoryTableBase)
	}

	p, err = guestos.ParseProfile(profileJSON(t, "_EPROCESS.VadRoot"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := windows.NewLayout(p); !errors.Is(err, guestos.ErrUnknownMember) {
		t.Fatalf("expected error <%v>; but was <%v>", guestos.ErrUnknownMember, err)
	}
}

func TestExtract(t *testing.T) {
	k := newKernel(t)
	x := newExtractor(t, k)

	tests := []struct {
		base     uint64
		pid      uint32
		parent   uint32
		name     string
		fullName string
		path     string
		dtb      uint64
		userDTB  uint64
		is32Bit  bool
	}{
		{systemProc, 4, 0, "System", "", "", sysDTB, sysDTB, false},
		{smssProc, 100, 4, "smss.exe", "smss.exe", smssPath, 0x2000000, 0x2001000, false},
		{explorer, 300, 100, "explorer.exe", "", "", 0x3000000, 0x3000000, true},
	}
	for _, tc := range tests {
		p, err := x.Extract(tc.base)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if p.Pid != tc.pid || p.ParentPid != tc.parent || p.Name != tc.name {
			t.Errorf("expected %d/%d/%s; but was %d/%d/%s", tc.pid, tc.parent, tc.name, p.Pid, p.ParentPid, p.Name)
		}
		if p.Path != tc.path || p.FullName != tc.fullName {
			t.Errorf("%s: expected path <%s> (%s); but was <%s> (%s)", tc.name, tc.path, tc.fullName, p.Path, p.FullName)
		}
		if p.DTB != tc.dtb || p.UserDTB != tc.userDTB {
			t.Errorf("%s: expected dtb %#x/%#x; but was %#x/%#x", tc.name, tc.dtb, tc.userDTB, p.DTB, p.UserDTB)
		}
		if p.Is32Bit != tc.is32Bit {
			t.Errorf("%s: expected 32 bit <%v>; but was <%v>", tc.name, tc.is32Bit, p.Is32Bit)
		}
	}

	pending, err := x.ExitPending(smssProc)
	if err != nil || !pending {
		t.Fatalf("expected smss.exe to be running; but was <%v> <%v>", pending, err)
	}
	pending, err = x.ExitPending(explorer)
	if err != nil || pending {
		t.Fatalf("expected explorer.exe to be exiting; but was <%v> <%v>", pending, err)
	}
}

func TestProcessList(t *testing.T) {
	k := newKernel(t)
	s := guestos.NewSupervisor(newExtractor(t, k), nil, nil)
	if err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 3 {
		t.Fatalf("expected 3 processes; but was <%d>", s.Len())
	}
	active := s.ActiveProcesses()
	if len(active) != 2 || active[0].Pid != 4 || active[1].Pid != 100 {
		t.Fatalf("unexpected active processes %v", active)
	}
	p, err := s.ProcessByDTB(0x2001000)
	if err != nil || p.Pid != 100 {
		t.Fatalf("expected smss.exe by user dtb; but was <%v> <%v>", p, err)
	}
}

func TestMemoryRegions(t *testing.T) {
	k := newKernel(t)
	x := newExtractor(t, k)
	p, err := x.Extract(smssProc)
	if err != nil {
		t.Fatal(err)
	}
	regions, err := p.MemoryRegions()
	if err != nil {
		t.Fatal(err)
	}
	if len(regions) != 3 {
		t.Fatalf("expected 3 regions; but was %+v", regions)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Base < regions[j].Base })

	anon := regions[0]
	if anon.Base != 0x200000 || anon.Size != 0x1000 {
		t.Errorf("unexpected shared region %#x+%#x", anon.Base, anon.Size)
	}
	if !anon.IsSharedMemory || !anon.IsBeingDeleted || anon.ModuleName != "" || anon.Protection.String() != "R" {
		t.Errorf("unexpected shared region %+v", anon)
	}

	heap := regions[1]
	if heap.Base != 0x7ff60000 || heap.Size != 0x10000 {
		t.Errorf("unexpected private region %#x+%#x", heap.Base, heap.Size)
	}
	if heap.IsSharedMemory || heap.Protection.String() != "RW" {
		t.Errorf("unexpected private region %+v", heap)
	}

	image := regions[2]
	if image.Base != 0x7_00001000<<12 || image.Size != 0x4000 {
		t.Errorf("unexpected image region %#x+%#x", image.Base, image.Size)
	}
	if image.ModuleName != smssPath || !image.IsProcessBaseImage || image.IsBeingDeleted {
		t.Errorf("unexpected image region %+v", image)
	}
	if image.Protection.String() != "RWCX" {
		t.Errorf("expected protection <RWCX>; but was <%s>", image.Protection)
	}
}

func TestMemoryRegionsNoTree(t *testing.T) {
	k := newKernel(t)
	x := newExtractor(t, k)
	p, err := x.Extract(systemProc)
	if err != nil {
		t.Fatal(err)
	}
	regions, err := p.MemoryRegions()
	if err != nil {
		t.Fatal(err)
	}
	if len(regions) != 0 {
		t.Fatalf("expected no regions; but was %+v", regions)
	}
}
