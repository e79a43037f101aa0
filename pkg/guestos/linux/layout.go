package linux

import (
	"fmt"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/guestos"
)

// Layout holds the kernel structure offsets read by the extractor.
type Layout struct {
	Task struct {
		Tasks      uint64
		MM         uint64
		Pid        uint64
		Tgid       uint64
		RealParent uint64
		Comm       uint64
		ExitState  uint64
		// HasExitState is unset for profiles without task_struct.exit_state.
		HasExitState bool
	}
	MM struct {
		Mmap    uint64
		Pgd     uint64
		ExeFile uint64
	}
	VMArea struct {
		Start uint64
		End   uint64
		Flags uint64
		File  uint64
		Next  uint64
	}
	FilePath     uint64
	Path         struct{ Mnt, Dentry uint64 }
	Dentry       struct{ Name, Parent uint64 }
	QstrName     uint64
	Mount        struct{ Mnt, Mountpoint, Parent uint64 }
	VFSMountRoot uint64
	X86Caps      uint64
}

// NewLayout resolves every offset from p.
func NewLayout(p *guestos.Profile) (*Layout, error) {
	r := guestos.NewResolver(p)
	l := &Layout{}

	l.Task.Tasks = r.Offset("task_struct", "tasks")
	l.Task.MM = r.Offset("task_struct", "mm")
	l.Task.Pid = r.Offset("task_struct", "pid")
	l.Task.Tgid = r.Offset("task_struct", "tgid")
	l.Task.RealParent = r.Offset("task_struct", "real_parent")
	l.Task.Comm = r.Offset("task_struct", "comm")
	if p.Has("task_struct", "exit_state") {
		l.Task.ExitState = r.Offset("task_struct", "exit_state")
		l.Task.HasExitState = true
	}

	// mmap is the first member on kernels that still have the list.
	if p.Has("mm_struct", "mmap") {
		l.MM.Mmap = r.Offset("mm_struct", "mmap")
	}
	l.MM.Pgd = r.Offset("mm_struct", "pgd")
	l.MM.ExeFile = r.Offset("mm_struct", "exe_file")

	l.VMArea.Start = r.Offset("vm_area_struct", "vm_start")
	l.VMArea.End = r.Offset("vm_area_struct", "vm_end")
	l.VMArea.Flags = r.Offset("vm_area_struct", "vm_flags")
	l.VMArea.File = r.Offset("vm_area_struct", "vm_file")
	l.VMArea.Next = r.Offset("vm_area_struct", "vm_next")

	l.FilePath = r.Offset("file", "f_path")
	l.Path.Mnt = r.Offset("path", "mnt")
	l.Path.Dentry = r.Offset("path", "dentry")
	l.Dentry.Name = r.Offset("dentry", "d_name")
	l.Dentry.Parent = r.Offset("dentry", "d_parent")
	l.QstrName = r.Offset("qstr", "name")
	l.Mount.Mnt = r.Offset("mount", "mnt")
	l.Mount.Mountpoint = r.Offset("mount", "mnt_mountpoint")
	l.Mount.Parent = r.Offset("mount", "mnt_parent")
	l.VFSMountRoot = r.Offset("vfsmount", "mnt_root")
	l.X86Caps = r.Offset("cpuinfo_x86", "x86_capability")

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("incomplete linux kernel profile: %w", err)
	}
	return l, nil
}
