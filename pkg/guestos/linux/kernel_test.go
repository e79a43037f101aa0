package linux_test

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/guestos"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi/vmitest"
)

const (
	sysDTB = 0x1000000
	kbase  = 0xffffffff81000000
	kpa    = 0x200000
	kpages = 0x40

	initTask = kbase + 0x1000
	systemd  = kbase + 0x2000
	kthreadd = kbase + 0x3000
	mm1      = kbase + 0x6000
	mm2      = kbase + 0x6100
	exeFile  = kbase + 0x7000
	vma1     = kbase + 0x8000
	vma2     = kbase + 0x8100
	rootMnt  = kbase + 0x9000
	usrMnt   = kbase + 0x9100
	dentries = kbase + 0xa000
	names    = kbase + 0xc000
	bannerVA = kbase + 0xd000
	cpuData  = kbase + 0xe000
	pgd1     = kbase + 0x30000
	pgd2     = kbase + 0x32000
	forkVA   = kbase + 0x20000
	execVA   = kbase + 0x20100
	exitVA   = kbase + 0x20200

	systemdPath = "/usr/lib/systemd/systemd"
)

var offsets = map[string]map[string]uint64{
	"task_struct":    {"tasks": 0x10, "mm": 0x20, "pid": 0x28, "tgid": 0x2c, "real_parent": 0x30, "comm": 0x40, "exit_state": 0x50},
	"mm_struct":      {"mmap": 0, "pgd": 0x8, "exe_file": 0x10},
	"vm_area_struct": {"vm_start": 0, "vm_end": 0x8, "vm_next": 0x10, "vm_flags": 0x18, "vm_file": 0x20},
	"file":           {"f_path": 0x10},
	"path":           {"mnt": 0, "dentry": 0x8},
	"dentry":         {"d_parent": 0x8, "d_name": 0x10},
	"qstr":           {"name": 0x8},
	"mount":          {"mnt": 0x20, "mnt_parent": 0x10, "mnt_mountpoint": 0x18},
	"vfsmount":       {"mnt_root": 0},
	"cpuinfo_x86":    {"x86_capability": 0x20},
}

func profileJSON(t *testing.T, drop string) []byte {
	t.Helper()
	types := map[string]interface{}{}
	for name, members := range offsets {
		fields := map[string]interface{}{}
		for m, off := range members {
			if name+"."+m == drop {
				continue
			}
			fields[m] = map[string]interface{}{"offset": off, "type": map[string]string{"kind": "base"}}
		}
		types[name] = map[string]interface{}{"size": 0x100, "fields": fields}
	}
	data, err := json.Marshal(map[string]interface{}{"user_types": types})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func testProfile(t *testing.T, drop string) *guestos.Profile {
	t.Helper()
	p, err := guestos.ParseProfile(profileJSON(t, drop))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

type kernel struct {
	t         *testing.T
	g         *vmitest.Guest
	nextName  uint64
	nextEntry uint64
}

func (k *kernel) write(va uint64, data []byte) {
	k.t.Helper()
	if err := k.g.WriteVirt(va, sysDTB, data); err != nil {
		k.t.Fatal(err)
	}
}

func (k *kernel) w64(va, v uint64) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	k.write(va, buf)
}

func (k *kernel) w32(va uint64, v uint32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	k.write(va, buf)
}

func (k *kernel) str(s string) uint64 {
	va := names + k.nextName
	k.write(va, append([]byte(s), 0))
	k.nextName += uint64(len(s)+1+7) &^ 7
	return va
}

func (k *kernel) dentry(name string, parent uint64) uint64 {
	va := dentries + k.nextEntry
	k.nextEntry += 0x40
	if parent == 0 {
		parent = va
	}
	k.w64(va+offsets["dentry"]["d_parent"], parent)
	k.w64(va+offsets["dentry"]["d_name"]+offsets["qstr"]["name"], k.str(name))
	return va
}

func (k *kernel) mount(va, root, mountpoint, parent uint64) {
	m := offsets["mount"]
	k.w64(va+m["mnt"]+offsets["vfsmount"]["mnt_root"], root)
	k.w64(va+m["mnt_mountpoint"], mountpoint)
	k.w64(va+m["mnt_parent"], parent)
}

type task struct {
	base, parent uint64
	pid          uint32
	comm         string
	mm           uint64
}

func (k *kernel) task(tk task) {
	ts := offsets["task_struct"]
	k.w32(tk.base+ts["pid"], tk.pid)
	k.w32(tk.base+ts["tgid"], tk.pid)
	k.w64(tk.base+ts["real_parent"], tk.parent)
	comm := make([]byte, 16)
	copy(comm, tk.comm)
	k.write(tk.base+ts["comm"], comm)
	k.w64(tk.base+ts["mm"], tk.mm)
}

type area struct {
	va, start, end, flags, file, next uint64
}

func (k *kernel) area(a area) {
	v := offsets["vm_area_struct"]
	k.w64(a.va+v["vm_start"], a.start)
	k.w64(a.va+v["vm_end"], a.end)
	k.w64(a.va+v["vm_flags"], a.flags)
	k.w64(a.va+v["vm_file"], a.file)
	k.w64(a.va+v["vm_next"], a.next)
}

// newKernel builds a guest running the idle task and systemd, whose
// binary lives on a separate /usr mount.
func newKernel(t *testing.T, banner string, pti bool) *kernel {
	g := vmitest.New(2)
	for i := uint64(0); i < kpages; i++ {
		g.Map(sysDTB, kbase+i*0x1000, kpa+i*0x1000)
	}
	g.SetPidDTB(0, sysDTB)
	k := &kernel{t: t, g: g}

	tasks := offsets["task_struct"]["tasks"]
	k.w64(initTask+tasks, systemd+tasks)
	k.w64(systemd+tasks, initTask+tasks)
	k.task(task{base: initTask, parent: initTask, pid: 0, comm: "swapper/0"})
	k.task(task{base: systemd, parent: initTask, pid: 1, comm: "systemd", mm: mm1})

	mm := offsets["mm_struct"]
	k.w64(mm1+mm["mmap"], vma1)
	k.w64(mm1+mm["pgd"], pgd1)
	k.w64(mm1+mm["exe_file"], exeFile)
	k.w64(mm2+mm["pgd"], pgd2)

	root := k.dentry("/", 0)
	usrMountpoint := k.dentry("usr", root)
	usrRoot := k.dentry("/", 0)
	lib := k.dentry("lib", usrRoot)
	dir := k.dentry("systemd", lib)
	bin := k.dentry("systemd", dir)
	k.mount(rootMnt, root, root, rootMnt)
	k.mount(usrMnt, usrRoot, usrMountpoint, rootMnt)
	fpath := exeFile + offsets["file"]["f_path"]
	k.w64(fpath+offsets["path"]["mnt"], usrMnt+offsets["mount"]["mnt"])
	k.w64(fpath+offsets["path"]["dentry"], bin)

	k.area(area{va: vma1, start: 0x55550000, end: 0x55560000, flags: 0x75, file: exeFile, next: vma2})
	k.area(area{va: vma2, start: 0x7f000000, end: 0x7f002000, flags: 0x2b, next: vma1})

	k.write(bannerVA, append([]byte(banner), 0))
	var caps uint32
	if pti {
		caps = 1 << 11
	}
	k.w32(cpuData+offsets["cpuinfo_x86"]["x86_capability"]+7*4, caps)

	for _, va := range []uint64{forkVA, execVA, exitVA} {
		k.write(va, []byte{0x0f, 0x1f, 0x44, 0x00, 0x00})
	}
	g.SetSymbol("init_task", initTask)
	g.SetSymbol("linux_banner", bannerVA)
	g.SetSymbol("boot_cpu_data", cpuData)
	g.SetSymbol("proc_fork_connector", forkVA)
	g.SetSymbol("proc_exec_connector", execVA)
	g.SetSymbol("proc_exit_connector", exitVA)
	return k
}

const banner515 = "Linux version 5.15.0-91-generic (buildd@lcy02-amd64-045) (gcc 11.4.0) #101-Ubuntu SMP"
