package windows

import (
	"fmt"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/guestos"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/logflags"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi"
)

// vadTree enumerates the VAD tree of one process.
type vadTree struct {
	x        *Extractor
	eprocess uint64
	pid      uint32
	name     string
}

type vad struct {
	startVPN, endVPN   uint64
	protection         uint64
	fileName           string
	isShared           bool
	isBeingDeleted     bool
	isProcessBaseImage bool
}

// MemoryRegions walks the tree depth first. Nodes that were already
// visited are skipped and nodes that cannot be read are logged and
// skipped together with their subtrees.
func (t *vadTree) MemoryRegions() ([]guestos.MemoryRegion, error) {
	x := t.x
	l := x.layout
	log := x.log.WithFields(logflags.Fields{"ProcessName": t.name, "ProcessId": t.pid})

	protect, err := x.protectionValues()
	if err != nil {
		return nil, err
	}
	root, err := x.vmi.Read64VA(t.eprocess+l.EProcess.VadRoot, x.systemDTB)
	if err != nil {
		return nil, err
	}

	var regions []guestos.MemoryRegion
	visited := map[uint64]struct{}{}
	next := []uint64{root}
	for len(next) > 0 {
		node := next[len(next)-1]
		next = next[:len(next)-1]
		if node == 0 {
			continue
		}
		if _, ok := visited[node]; ok {
			log.WithField("VadEntryBaseVA", logflags.Hex(node)).Warn("Cycle detected! Vad entry already visited")
			continue
		}
		visited[node] = struct{}{}

		left, right, err := t.children(node)
		if err != nil {
			log.WithField("_MMVAD_SHORT", logflags.Hex(node)).WithError(err).Warn("Unable to extract vad children")
			continue
		}
		next = append(next, left, right)

		v, err := t.read(node)
		if err != nil {
			log.WithError(err).Warn("Unable to read vad entry")
			continue
		}
		start := v.startVPN << vmi.PageShift
		end := ((v.endVPN + 1) << vmi.PageShift) - 1
		log.Debugf("vad %#x: start %#x end %#x", node, start, end)

		regions = append(regions, guestos.MemoryRegion{
			Base:               start,
			Size:               end - start + 1,
			ModuleName:         v.fileName,
			Protection:         guestos.NewPageProtection(uint64(protect[v.protection]), guestos.Windows),
			IsSharedMemory:     v.isShared,
			IsBeingDeleted:     v.isBeingDeleted,
			IsProcessBaseImage: v.isProcessBaseImage,
		})
	}
	return regions, nil
}

func (t *vadTree) children(node uint64) (left, right uint64, err error) {
	x := t.x
	l := x.layout
	if err := expectKernelAddress(node, "vad entry"); err != nil {
		return 0, 0, err
	}
	balanced := node + l.MMVad.Core + l.MMVadShort.VadNode
	if left, err = x.vmi.Read64VA(balanced+l.BalancedNode.Left, x.systemDTB); err != nil {
		return 0, 0, err
	}
	if right, err = x.vmi.Read64VA(balanced+l.BalancedNode.Right, x.systemDTB); err != nil {
		return 0, 0, err
	}
	return left, right, nil
}

func (t *vadTree) read(node uint64) (*vad, error) {
	x := t.x
	l := x.layout
	short := node + l.MMVad.Core

	vpn := func(low, high uint64) (uint64, error) {
		lo, err := x.vmi.Read32VA(short+low, x.systemDTB)
		if err != nil {
			return 0, err
		}
		hi, err := x.vmi.Read8VA(short+high, x.systemDTB)
		if err != nil {
			return 0, err
		}
		return uint64(hi)<<32 + uint64(lo), nil
	}

	v := &vad{}
	var err error
	if v.startVPN, err = vpn(l.MMVadShort.StartingVpn, l.MMVadShort.StartingVpnHigh); err != nil {
		return nil, err
	}
	if v.endVPN, err = vpn(l.MMVadShort.EndingVpn, l.MMVadShort.EndingVpnHigh); err != nil {
		return nil, err
	}
	if v.protection, err = l.VadProtection.Read(x.vmi, short+l.MMVadShort.Flags, x.systemDTB); err != nil {
		return nil, err
	}
	private, err := l.VadPrivateMemory.Read(x.vmi, short+l.MMVadShort.Flags, x.systemDTB)
	if err != nil {
		return nil, err
	}
	v.isShared = private == 0
	if !v.isShared {
		return v, nil
	}

	subsection, err := x.vmi.Read64VA(node+l.MMVad.Subsection, x.systemDTB)
	if err != nil {
		return nil, err
	}
	controlArea, err := x.vmi.Read64VA(subsection+l.SubsectionControl, x.systemDTB)
	if err != nil {
		return nil, err
	}
	if err := expectKernelAddress(controlArea, "control area"); err != nil {
		return nil, err
	}
	flags := controlArea + l.ControlArea.Flags
	image, err := l.SectionImage.Read(x.vmi, flags, x.systemDTB)
	if err != nil {
		return nil, err
	}
	file, err := l.SectionFile.Read(x.vmi, flags, x.systemDTB)
	if err != nil {
		return nil, err
	}
	if image != 0 || file != 0 {
		if err := t.readFile(v, controlArea); err != nil {
			x.log.WithFields(logflags.Fields{"ProcessName": t.name, "ProcessId": t.pid, "vadEntryBaseVA": logflags.Hex(node)}).
				WithError(err).Warn("Unable to extract file name for VAD")
		}
	}
	deleted, err := l.SectionDeleted.Read(x.vmi, flags, x.systemDTB)
	if err != nil {
		return nil, err
	}
	v.isBeingDeleted = deleted != 0
	return v, nil
}

func (t *vadTree) readFile(v *vad, controlArea uint64) error {
	x := t.x
	fileObject, err := x.filePointer(controlArea)
	if err != nil {
		return err
	}
	name, err := x.fileName(fileObject)
	if err != nil {
		return fmt.Errorf("unable to extract file name at %#x: %w", fileObject, err)
	}
	v.fileName = name
	image, err := x.vmi.Read64VA(t.eprocess+x.layout.EProcess.ImageFilePointer, x.systemDTB)
	if err != nil {
		return err
	}
	v.isProcessBaseImage = image == fileObject
	return nil
}
