// Package linux reads x86-64 Linux kernel objects: the task list,
// task_struct fields, dentry paths and vm_area lists. It also watches the
// process connector hooks for fork, exec and exit.
package linux

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/guestos"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/logflags"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi"
)

// SystemPid is the pid of the idle task, init_task.
const SystemPid = 0

const (
	userDTBOffset = 0x1000
	// X86_FEATURE_PTI is 7*32+11.
	ptiCapabilityOffset = 7 * 4
	ptiCapabilityMask   = 1 << 11
	commLen             = 16
)

var bannerVersion = regexp.MustCompile(`Linux version (\d+)\.(\d+)\.(\d+)`)

// Extractor implements guestos.Extractor for Linux guests. Kernel memory
// is read with the kernel page tables of the idle task.
type Extractor struct {
	vmi    vmi.Introspection
	layout *Layout
	log    logflags.Logger

	systemDTB uint64
	pti       bool
}

// NewExtractor prepares reading kernel objects with the offsets from
// profile and detects kernel page table isolation.
func NewExtractor(v vmi.Introspection, profile *guestos.Profile) (*Extractor, error) {
	layout, err := NewLayout(profile)
	if err != nil {
		return nil, err
	}
	dtb, err := v.ConvertPidToDTB(SystemPid)
	if err != nil {
		return nil, fmt.Errorf("unable to find kernel page table: %w", err)
	}
	x := &Extractor{vmi: v, layout: layout, log: logflags.ProcessLogger(), systemDTB: dtb}
	if x.pti, err = x.detectPTI(); err != nil {
		return nil, err
	}
	x.log.Debugf("kernel page table isolation: %v", x.pti)
	return x, nil
}

// KernelVersion parses the version from the kernel banner.
func KernelVersion(banner string) (major, minor, patch int, err error) {
	m := bannerVersion.FindStringSubmatch(banner)
	if m == nil {
		return 0, 0, 0, fmt.Errorf("unexpected content in kernel banner %q", banner)
	}
	major, _ = strconv.Atoi(m[1])
	minor, _ = strconv.Atoi(m[2])
	patch, _ = strconv.Atoi(m[3])
	return major, minor, patch, nil
}

// detectPTI checks X86_FEATURE_PTI in boot_cpu_data on kernels new enough
// to support it. Backports to older LTS kernels are not detected.
func (x *Extractor) detectPTI() (bool, error) {
	bannerVA, err := x.vmi.TranslateKernelSymbol("linux_banner")
	if err != nil {
		return false, err
	}
	banner, err := x.vmi.ExtractStringAtVA(bannerVA, x.systemDTB)
	if err != nil {
		return false, err
	}
	x.log.WithField("Banner", banner).Debug("Banner extracted")
	major, minor, _, err := KernelVersion(banner)
	if err != nil {
		return false, err
	}
	if major < 4 || (major == 4 && minor < 15) {
		return false, nil
	}
	cpu, err := x.vmi.TranslateKernelSymbol("boot_cpu_data")
	if err != nil {
		return false, err
	}
	caps, err := x.vmi.Read32VA(cpu+x.layout.X86Caps+ptiCapabilityOffset, x.systemDTB)
	if err != nil {
		return false, err
	}
	return caps&ptiCapabilityMask != 0, nil
}

func (x *Extractor) SystemPid() uint32 {
	return SystemPid
}

// ProcessList returns init_task.tasks, which belongs to the idle task.
func (x *Extractor) ProcessList() (guestos.ProcessList, error) {
	initTask, err := x.vmi.TranslateKernelSymbol("init_task")
	if err != nil {
		return guestos.ProcessList{}, err
	}
	return guestos.ProcessList{
		Head:         initTask + x.layout.Task.Tasks,
		HeadIsMember: true,
		LinkOffset:   x.layout.Task.Tasks,
	}, nil
}

func (x *Extractor) NextEntry(entry uint64) (uint64, error) {
	return x.vmi.Read64VA(entry, x.systemDTB)
}

// ExitPending reports whether the task has no exit state yet. Without
// exit_state in the profile every task counts as running.
func (x *Extractor) ExitPending(task uint64) (bool, error) {
	if !x.layout.Task.HasExitState {
		return true, nil
	}
	state, err := x.vmi.Read32VA(task+x.layout.Task.ExitState, x.systemDTB)
	if err != nil {
		return false, err
	}
	return state == 0, nil
}

// Extract reads the task_struct at task. Kernel threads have no mm and
// keep zero page table bases, except the idle task which uses the kernel
// page tables.
func (x *Extractor) Extract(task uint64) (*guestos.ProcessInformation, error) {
	l := x.layout
	p := &guestos.ProcessInformation{Base: task}

	pid, err := x.vmi.Read32VA(task+l.Task.Pid, x.systemDTB)
	if err != nil {
		return nil, err
	}
	p.Pid = pid
	parent, err := x.vmi.Read64VA(task+l.Task.RealParent, x.systemDTB)
	if err != nil {
		return nil, err
	}
	if p.ParentPid, err = x.vmi.Read32VA(parent+l.Task.Tgid, x.systemDTB); err != nil {
		return nil, err
	}
	comm := make([]byte, commLen)
	if err := x.vmi.ReadVA(task+l.Task.Comm, x.systemDTB, comm); err != nil {
		return nil, err
	}
	if i := bytes.IndexByte(comm, 0); i >= 0 {
		comm = comm[:i]
	}
	p.Name = string(comm)

	mm, err := x.vmi.Read64VA(task+l.Task.MM, x.systemDTB)
	if err != nil {
		return nil, err
	}
	if mm != 0 {
		if err := x.extractMM(p, mm); err != nil {
			return nil, err
		}
	}
	if p.Pid == SystemPid {
		p.DTB = x.systemDTB
		p.UserDTB = x.systemDTB
	}
	return p, nil
}

func (x *Extractor) extractMM(p *guestos.ProcessInformation, mm uint64) error {
	l := x.layout
	pgd, err := x.vmi.Read64VA(mm+l.MM.Pgd, x.systemDTB)
	if err != nil {
		return err
	}
	if p.DTB, err = x.vmi.TranslateVAToPA(pgd, x.systemDTB); err != nil {
		return err
	}
	p.UserDTB = p.DTB
	if x.pti {
		p.UserDTB = p.DTB + userDTBOffset
	}

	exe, err := x.vmi.Read64VA(mm+l.MM.ExeFile, x.systemDTB)
	if err != nil {
		return err
	}
	if exe != 0 {
		p.Path = x.dPath(exe + l.FilePath)
		if p.Path != "" {
			if p.FullName, err = guestos.SplitFileName(p.Path, '/'); err != nil {
				x.log.WithField("ProcessId", p.Pid).WithError(err).Warn("Unable to extract process file name")
			}
		}
	}
	p.SetRegionExtractor(&vmAreas{x: x, mm: mm, pid: p.Pid, name: p.Name})
	return nil
}
