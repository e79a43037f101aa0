package windows_test

import (
	"encoding/binary"
	"encoding/json"
	"testing"
	"unicode/utf16"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/guestos"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi/vmitest"
)

const (
	sysDTB = 0x1aa000
	kbase  = 0xfffff80000000000
	kpa    = 0x100000
	kpages = 0x40

	listHead    = kbase
	protectVA   = kbase + 0x800
	systemProc  = kbase + 0x1000
	smssProc    = kbase + 0x2000
	explorer    = kbase + 0x3000
	newProc     = kbase + 0x3800
	vadRoot     = kbase + 0x4000
	vadLeft     = kbase + 0x4100
	vadRight    = kbase + 0x4200
	subsection  = kbase + 0x5000
	subsection2 = kbase + 0x5100
	section     = kbase + 0x10000
	controlArea = kbase + 0x11000
	anonArea    = kbase + 0x11100
	fileObject  = kbase + 0x12000
	notifyVA    = kbase + 0x20000
	bugCheckVA  = kbase + 0x20100

	smssPath = `\Windows\System32\smss.exe`
)

var offsets = map[string]map[string]uint64{
	"_KPROCESS": {"DirectoryTableBase": 0x28, "UserDirectoryTableBase": 0x30},
	"_EPROCESS": {
		"UniqueProcessId": 0x40, "ActiveProcessLinks": 0x48, "VadRoot": 0x60, "SectionObject": 0x68,
		"InheritedFromUniqueProcessId": 0x70, "ExitStatus": 0x78, "ImageFilePointer": 0x80,
		"ImageFileName": 0x88, "WoW64Process": 0x98,
	},
	"_CONTROL_AREA":      {"u": 0x38, "FilePointer": 0x40},
	"_MMVAD":             {"Core": 0, "Subsection": 0x48},
	"_MMVAD_SHORT":       {"VadNode": 0, "StartingVpn": 0x18, "EndingVpn": 0x1c, "StartingVpnHigh": 0x20, "EndingVpnHigh": 0x21, "u": 0x30},
	"_RTL_BALANCED_NODE": {"Left": 0, "Right": 8},
	"_FILE_OBJECT":       {"FileName": 0x58},
	"_SECTION":           {"u1": 0x28},
	"_SUBSECTION":        {"ControlArea": 0},
	"_EX_FAST_REF":       {"Object": 0},
}

var bitfields = map[string]map[string][2]uint{
	"_MMVAD_FLAGS":     {"Protection": {7, 5}, "PrivateMemory": {20, 1}},
	"_MMSECTION_FLAGS": {"BeingDeleted": {0, 1}, "Image": {5, 1}, "File": {7, 1}},
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
	for name, members := range bitfields {
		fields := map[string]interface{}{}
		for m, bits := range members {
			fields[m] = map[string]interface{}{
				"offset": 0,
				"type":   map[string]interface{}{"kind": "bitfield", "bit_position": bits[0], "bit_length": bits[1]},
			}
		}
		types[name] = map[string]interface{}{"size": 4, "fields": fields}
	}
	data, err := json.Marshal(map[string]interface{}{"user_types": types})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func testProfile(t *testing.T) *guestos.Profile {
	t.Helper()
	p, err := guestos.ParseProfile(profileJSON(t, ""))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

type kernel struct {
	t *testing.T
	g *vmitest.Guest
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

func (k *kernel) unicode(va uint64, s string) {
	units := utf16.Encode([]rune(s))
	data := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(data[2*i:], u)
	}
	hdr := make([]byte, 16)
	binary.LittleEndian.PutUint16(hdr[0:], uint16(len(data)))
	binary.LittleEndian.PutUint16(hdr[2:], uint16(len(data)))
	binary.LittleEndian.PutUint64(hdr[8:], va+0x10)
	k.write(va, hdr)
	k.write(va+0x10, data)
}

type process struct {
	base, dtb, userDTB uint64
	pid, parent        uint64
	name               string
	exiting            bool
	wow64              uint64
	section, vadRoot   uint64
	imageFile          uint64
}

func (k *kernel) process(p process) {
	ep := offsets["_EPROCESS"]
	kp := offsets["_KPROCESS"]
	k.w64(p.base+kp["DirectoryTableBase"], p.dtb)
	k.w64(p.base+kp["UserDirectoryTableBase"], p.userDTB)
	k.w64(p.base+ep["UniqueProcessId"], p.pid)
	k.w64(p.base+ep["InheritedFromUniqueProcessId"], p.parent)
	status := uint32(0x103)
	if p.exiting {
		status = 0
	}
	k.w32(p.base+ep["ExitStatus"], status)
	k.write(p.base+ep["ImageFileName"], append([]byte(p.name), 0))
	k.w64(p.base+ep["WoW64Process"], p.wow64)
	k.w64(p.base+ep["SectionObject"], p.section)
	k.w64(p.base+ep["VadRoot"], p.vadRoot)
	k.w64(p.base+ep["ImageFilePointer"], p.imageFile)
}

type vadEntry struct {
	va          uint64
	left, right uint64
	start, end  uint64
	protection  uint32
	private     bool
	subsection  uint64
}

func (k *kernel) vad(v vadEntry) {
	vs := offsets["_MMVAD_SHORT"]
	k.w64(v.va+offsets["_RTL_BALANCED_NODE"]["Left"], v.left)
	k.w64(v.va+offsets["_RTL_BALANCED_NODE"]["Right"], v.right)
	k.w32(v.va+vs["StartingVpn"], uint32(v.start))
	k.write(v.va+vs["StartingVpnHigh"], []byte{byte(v.start >> 32)})
	k.w32(v.va+vs["EndingVpn"], uint32(v.end))
	k.write(v.va+vs["EndingVpnHigh"], []byte{byte(v.end >> 32)})
	flags := v.protection << 7
	if v.private {
		flags |= 1 << 20
	}
	k.w32(v.va+vs["u"], flags)
	k.w64(v.va+offsets["_MMVAD"]["Subsection"], v.subsection)
}

// newKernel builds a guest with three processes on PsActiveProcessHead:
// System (4), smss.exe (100, KVA shadowed, with a VAD tree) and
// explorer.exe (300, WoW64, exiting).
func newKernel(t *testing.T) *kernel {
	g := vmitest.New(2)
	for i := uint64(0); i < kpages; i++ {
		g.Map(sysDTB, kbase+i*0x1000, kpa+i*0x1000)
	}
	g.SetPidDTB(4, sysDTB)
	k := &kernel{t: t, g: g}

	link := offsets["_EPROCESS"]["ActiveProcessLinks"]
	k.w64(listHead, systemProc+link)
	k.w64(systemProc+link, smssProc+link)
	k.w64(smssProc+link, explorer+link)
	k.w64(explorer+link, listHead)

	k.process(process{base: systemProc, dtb: sysDTB, pid: 4, name: "System"})
	k.process(process{base: smssProc, dtb: 0x2000000, userDTB: 0x2001000, pid: 100, parent: 4, name: "smss.exe",
		section: section, vadRoot: vadRoot, imageFile: fileObject})
	k.process(process{base: explorer, dtb: 0x3000000, userDTB: 1, pid: 300, parent: 100, name: "explorer.exe",
		exiting: true, wow64: 0xfffff80000123000})

	ca := offsets["_CONTROL_AREA"]
	k.w64(section+offsets["_SECTION"]["u1"], controlArea)
	k.w32(controlArea+ca["u"], 1<<7|1<<5)
	k.w64(controlArea+ca["FilePointer"], fileObject|0x3)
	k.unicode(fileObject+offsets["_FILE_OBJECT"]["FileName"], smssPath)
	k.w32(anonArea+ca["u"], 1)

	k.w64(subsection, controlArea)
	k.w64(subsection2, anonArea)
	k.vad(vadEntry{va: vadRoot, left: vadLeft, right: vadRight, start: 0x7ff60, end: 0x7ff6f, protection: 4, private: true})
	k.vad(vadEntry{va: vadLeft, start: 0x7_00001000, end: 0x7_00001003, protection: 7, subsection: subsection})
	k.vad(vadEntry{va: vadRight, left: vadRoot, start: 0x200, end: 0x200, protection: 1, subsection: subsection2})

	for i := uint64(0); i < 32; i++ {
		k.w32(protectVA+4*i, 0x01)
	}
	k.w32(protectVA+4*1, 0x02)
	k.w32(protectVA+4*4, 0x04)
	k.w32(protectVA+4*7, 0x80)

	k.write(notifyVA, []byte{0x48, 0x89, 0xe5})
	k.write(bugCheckVA, []byte{0x48, 0x89, 0xe5})
	g.SetSymbol("PsActiveProcessHead", listHead)
	g.SetSymbol("MmProtectToValue", protectVA)
	g.SetSymbol("PspCallProcessNotifyRoutines", notifyVA)
	g.SetSymbol("KeBugCheck2", bugCheckVA)
	return k
}
