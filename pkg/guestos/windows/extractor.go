// Package windows reads Windows 10 x64 kernel objects: the process list,
// EPROCESS fields and VAD trees. It also watches the kernel for process
// lifecycle events and bug checks.
package windows

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/guestos"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/logflags"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi"
)

// SystemPid is the pid of the System process.
const SystemPid = 4

const (
	statusPending      = 0x103
	exFastRefBits      = 0xF
	kernelSpaceLower   = 0xffff800000000000
	imageFileNameLen   = 15
	mmProtectToValueN  = 32
	mmProtectToValueID = "MmProtectToValue"
)

// Extractor implements guestos.Extractor for Windows 10 guests. All
// kernel structures are read in the address space of the System process.
type Extractor struct {
	vmi    vmi.Introspection
	layout *Layout
	log    logflags.Logger

	systemDTB uint64

	protMu           sync.Mutex
	mmProtectToValue []uint32
}

// NewExtractor prepares reading kernel objects with the offsets from
// profile.
func NewExtractor(v vmi.Introspection, profile *guestos.Profile) (*Extractor, error) {
	layout, err := NewLayout(profile)
	if err != nil {
		return nil, err
	}
	dtb, err := v.ConvertPidToDTB(SystemPid)
	if err != nil {
		return nil, fmt.Errorf("unable to find system process page table: %w", err)
	}
	return &Extractor{vmi: v, layout: layout, log: logflags.ProcessLogger(), systemDTB: dtb}, nil
}

func (x *Extractor) SystemPid() uint32 {
	return SystemPid
}

// ProcessList returns PsActiveProcessHead. The head is not part of any
// EPROCESS.
func (x *Extractor) ProcessList() (guestos.ProcessList, error) {
	head, err := x.vmi.TranslateKernelSymbol("PsActiveProcessHead")
	if err != nil {
		return guestos.ProcessList{}, err
	}
	return guestos.ProcessList{Head: head, LinkOffset: x.layout.EProcess.ActiveProcessLinks}, nil
}

// NextEntry reads the Flink of a LIST_ENTRY.
func (x *Extractor) NextEntry(entry uint64) (uint64, error) {
	return x.vmi.Read64VA(entry, x.systemDTB)
}

// ExitPending reports whether the exit status is still STATUS_PENDING.
func (x *Extractor) ExitPending(eprocess uint64) (bool, error) {
	status, err := x.vmi.Read32VA(eprocess+x.layout.EProcess.ExitStatus, x.systemDTB)
	if err != nil {
		return false, err
	}
	return status == statusPending, nil
}

// Extract reads the EPROCESS at eprocess. A missing image path is logged
// and leaves Path and FullName empty.
func (x *Extractor) Extract(eprocess uint64) (*guestos.ProcessInformation, error) {
	l := x.layout
	p := &guestos.ProcessInformation{Base: eprocess}

	dtb, err := x.vmi.Read64VA(eprocess+l.KProcess.DirectoryTableBase, x.systemDTB)
	if err != nil {
		return nil, err
	}
	p.DTB = dtb
	userDTB, err := x.vmi.Read64VA(eprocess+l.KProcess.UserDirectoryTableBase, x.systemDTB)
	if err != nil {
		return nil, err
	}
	// Without KVA shadowing the field holds 0 or 1.
	if vmi.NormalizeDTB(userDTB) == 0 {
		userDTB = dtb
	}
	p.UserDTB = userDTB

	pid, err := x.vmi.Read32VA(eprocess+l.EProcess.UniqueProcessID, x.systemDTB)
	if err != nil {
		return nil, err
	}
	p.Pid = pid
	parent, err := x.vmi.Read64VA(eprocess+l.EProcess.InheritedFromUniqueProcessID, x.systemDTB)
	if err != nil {
		return nil, err
	}
	p.ParentPid = uint32(parent)

	name := make([]byte, imageFileNameLen)
	if err := x.vmi.ReadVA(eprocess+l.EProcess.ImageFileName, x.systemDTB, name); err != nil {
		return nil, err
	}
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	p.Name = string(name)

	wow64, err := x.vmi.Read64VA(eprocess+l.EProcess.WoW64Process, x.systemDTB)
	if err != nil {
		return nil, err
	}
	p.Is32Bit = wow64 != 0

	if path, err := x.processPath(eprocess); err != nil {
		x.log.WithFields(logflags.Fields{"ProcessName": p.Name, "ProcessId": p.Pid}).WithError(err).Warn("Unable to extract process path")
	} else {
		p.Path = path
		if p.FullName, err = guestos.SplitFileName(path, '\\'); err != nil {
			x.log.WithField("ProcessId", p.Pid).WithError(err).Warn("Unable to extract process file name")
		}
	}

	p.SetRegionExtractor(&vadTree{x: x, eprocess: eprocess, pid: p.Pid, name: p.Name})
	return p, nil
}

// processPath follows SectionObject to the control area of the image
// section and reads the file name of its file object.
func (x *Extractor) processPath(eprocess uint64) (string, error) {
	l := x.layout
	section, err := x.vmi.Read64VA(eprocess+l.EProcess.SectionObject, x.systemDTB)
	if err != nil {
		return "", err
	}
	if err := expectKernelAddress(section, "section"); err != nil {
		return "", err
	}
	controlArea, err := x.vmi.Read64VA(section+l.SectionControlArea, x.systemDTB)
	if err != nil {
		return "", err
	}
	if err := expectKernelAddress(controlArea, "control area"); err != nil {
		return "", err
	}
	file, err := l.SectionFile.Read(x.vmi, controlArea+l.ControlArea.Flags, x.systemDTB)
	if err != nil {
		return "", err
	}
	if file == 0 {
		return "", fmt.Errorf("file flag not set in control area %#x", controlArea)
	}
	fileObject, err := x.filePointer(controlArea)
	if err != nil {
		return "", err
	}
	return x.fileName(fileObject)
}

// filePointer reads the EX_FAST_REF FilePointer of a control area.
func (x *Extractor) filePointer(controlArea uint64) (uint64, error) {
	ref, err := x.vmi.Read64VA(controlArea+x.layout.ControlArea.FilePointer+x.layout.ExFastRefObject, x.systemDTB)
	if err != nil {
		return 0, err
	}
	return ref &^ exFastRefBits, nil
}

func (x *Extractor) fileName(fileObject uint64) (string, error) {
	if err := expectKernelAddress(fileObject, "file object"); err != nil {
		return "", err
	}
	return x.vmi.ExtractUnicodeStringAtVA(fileObject+x.layout.FileObjectFileName, x.systemDTB)
}

// protectionValues returns MmProtectToValue, read once.
func (x *Extractor) protectionValues() ([]uint32, error) {
	x.protMu.Lock()
	defer x.protMu.Unlock()
	if x.mmProtectToValue != nil {
		return x.mmProtectToValue, nil
	}
	va, err := x.vmi.TranslateKernelSymbol(mmProtectToValueID)
	if err != nil {
		return nil, err
	}
	values := make([]uint32, mmProtectToValueN)
	for i := range values {
		if values[i], err = x.vmi.Read32VA(va+uint64(i)*4, x.systemDTB); err != nil {
			return nil, err
		}
	}
	x.mmProtectToValue = values
	return values, nil
}

func expectKernelAddress(va uint64, what string) error {
	if va < kernelSpaceLower {
		return fmt.Errorf("%s %#x is not a kernel space address", what, va)
	}
	return nil
}
