package linux

import (
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/guestos"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/logflags"
)

// vmAreas enumerates the vm_area_struct list of one mm_struct.
type vmAreas struct {
	x    *Extractor
	mm   uint64
	pid  uint32
	name string
}

func (a *vmAreas) MemoryRegions() ([]guestos.MemoryRegion, error) {
	x := a.x
	l := x.layout
	log := x.log.WithFields(logflags.Fields{"ProcessName": a.name, "ProcessId": a.pid})

	area, err := x.vmi.Read64VA(a.mm+l.MM.Mmap, x.systemDTB)
	if err != nil {
		return nil, err
	}
	var regions []guestos.MemoryRegion
	visited := map[uint64]struct{}{}
	for area != 0 {
		if _, ok := visited[area]; ok {
			log.WithField("vm_area_struct", logflags.Hex(area)).Warn("Cycle detected! Memory area already visited")
			break
		}
		visited[area] = struct{}{}

		var vals [4]uint64
		for i, off := range []uint64{l.VMArea.Start, l.VMArea.End, l.VMArea.Flags, l.VMArea.File} {
			if vals[i], err = x.vmi.Read64VA(area+off, x.systemDTB); err != nil {
				return regions, err
			}
		}
		start, end, flags, file := vals[0], vals[1], vals[2], vals[3]
		var fileName string
		if file != 0 {
			fileName = x.dPath(file + l.FilePath)
		}
		protection := guestos.NewPageProtection(flags, guestos.Linux)
		log.WithFields(logflags.Fields{
			"start":       logflags.Hex(start),
			"end":         logflags.Hex(end),
			"permissions": protection.String(),
			"filename":    fileName,
		}).Debug("Memory Region")

		regions = append(regions, guestos.MemoryRegion{
			Base:           start,
			Size:           end - start,
			ModuleName:     fileName,
			Protection:     protection,
			IsSharedMemory: flags&guestos.VMShared != 0,
		})

		if area, err = x.vmi.Read64VA(area+l.VMArea.Next, x.systemDTB); err != nil {
			return regions, err
		}
	}
	return regions, nil
}
