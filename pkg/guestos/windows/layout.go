package windows

import (
	"fmt"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/guestos"
)

// Layout holds the offsets of the Windows 10 kernel structures read by
// the extractor.
type Layout struct {
	EProcess struct {
		ActiveProcessLinks           uint64
		UniqueProcessID              uint64
		VadRoot                      uint64
		SectionObject                uint64
		InheritedFromUniqueProcessID uint64
		ExitStatus                   uint64
		ImageFilePointer             uint64
		ImageFileName                uint64
		WoW64Process                 uint64
	}
	KProcess struct {
		DirectoryTableBase     uint64
		UserDirectoryTableBase uint64
	}
	ControlArea struct {
		Flags       uint64
		FilePointer uint64
	}
	MMVad struct {
		Core       uint64
		Subsection uint64
	}
	MMVadShort struct {
		VadNode         uint64
		StartingVpn     uint64
		StartingVpnHigh uint64
		EndingVpn       uint64
		EndingVpnHigh   uint64
		Flags           uint64
	}
	BalancedNode struct {
		Left  uint64
		Right uint64
	}
	FileObjectFileName uint64
	SectionControlArea uint64
	SubsectionControl  uint64
	ExFastRefObject    uint64

	VadProtection    guestos.Bitfield
	VadPrivateMemory guestos.Bitfield
	SectionDeleted   guestos.Bitfield
	SectionImage     guestos.Bitfield
	SectionFile      guestos.Bitfield
}

// NewLayout resolves every offset from p. UserDirectoryTableBase falls
// back to DirectoryTableBase on builds without KVA shadowing.
func NewLayout(p *guestos.Profile) (*Layout, error) {
	r := guestos.NewResolver(p)
	l := &Layout{}

	l.EProcess.ActiveProcessLinks = r.Offset("_EPROCESS", "ActiveProcessLinks")
	l.EProcess.UniqueProcessID = r.Offset("_EPROCESS", "UniqueProcessId")
	l.EProcess.VadRoot = r.Offset("_EPROCESS", "VadRoot")
	l.EProcess.SectionObject = r.Offset("_EPROCESS", "SectionObject")
	l.EProcess.InheritedFromUniqueProcessID = r.Offset("_EPROCESS", "InheritedFromUniqueProcessId")
	l.EProcess.ExitStatus = r.Offset("_EPROCESS", "ExitStatus")
	l.EProcess.ImageFilePointer = r.Offset("_EPROCESS", "ImageFilePointer")
	l.EProcess.ImageFileName = r.Offset("_EPROCESS", "ImageFileName")
	l.EProcess.WoW64Process = r.Offset("_EPROCESS", "WoW64Process")

	l.KProcess.DirectoryTableBase = r.Offset("_KPROCESS", "DirectoryTableBase")
	if p.Has("_KPROCESS", "UserDirectoryTableBase") {
		l.KProcess.UserDirectoryTableBase = r.Offset("_KPROCESS", "UserDirectoryTableBase")
	} else {
		l.KProcess.UserDirectoryTableBase = l.KProcess.DirectoryTableBase
	}

	l.ControlArea.Flags = r.Offset("_CONTROL_AREA", "u")
	l.ControlArea.FilePointer = r.Offset("_CONTROL_AREA", "FilePointer")
	l.MMVad.Core = r.Offset("_MMVAD", "Core")
	l.MMVad.Subsection = r.Offset("_MMVAD", "Subsection")
	l.MMVadShort.VadNode = r.Offset("_MMVAD_SHORT", "VadNode")
	l.MMVadShort.StartingVpn = r.Offset("_MMVAD_SHORT", "StartingVpn")
	l.MMVadShort.StartingVpnHigh = r.Offset("_MMVAD_SHORT", "StartingVpnHigh")
	l.MMVadShort.EndingVpn = r.Offset("_MMVAD_SHORT", "EndingVpn")
	l.MMVadShort.EndingVpnHigh = r.Offset("_MMVAD_SHORT", "EndingVpnHigh")
	l.MMVadShort.Flags = r.Offset("_MMVAD_SHORT", "u")
	l.BalancedNode.Left = r.Offset("_RTL_BALANCED_NODE", "Left")
	l.BalancedNode.Right = r.Offset("_RTL_BALANCED_NODE", "Right")
	l.FileObjectFileName = r.Offset("_FILE_OBJECT", "FileName")
	l.SectionControlArea = r.Offset("_SECTION", "u1")
	l.SubsectionControl = r.Offset("_SUBSECTION", "ControlArea")
	l.ExFastRefObject = r.Offset("_EX_FAST_REF", "Object")

	l.VadProtection = r.Bitfield("_MMVAD_FLAGS", "Protection")
	l.VadPrivateMemory = r.Bitfield("_MMVAD_FLAGS", "PrivateMemory")
	l.SectionDeleted = r.Bitfield("_MMSECTION_FLAGS", "BeingDeleted")
	l.SectionImage = r.Bitfield("_MMSECTION_FLAGS", "Image")
	l.SectionFile = r.Bitfield("_MMSECTION_FLAGS", "File")

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("incomplete windows kernel profile: %w", err)
	}
	// MmProtectToValue has 32 entries.
	if l.VadProtection.Width() > 5 {
		return nil, fmt.Errorf("_MMVAD_FLAGS.Protection is %d bits wide", l.VadProtection.Width())
	}
	return l, nil
}
