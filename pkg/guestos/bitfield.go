package guestos

import (
	"fmt"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi"
)

// Bitfield locates a bit range inside a flags structure that is itself
// embedded at Offset in some parent object.
type Bitfield struct {
	// Offset of the flags structure member.
	Offset uint64
	// Size of the flags structure, 4 or 8 bytes.
	Size uint64
	// StartBit is inclusive, EndBit exclusive.
	StartBit uint
	EndBit   uint

	container string
}

// Width returns the number of bits.
func (bf Bitfield) Width() uint {
	return bf.EndBit - bf.StartBit
}

// Extract returns the bits of value selected by bf.
func (bf Bitfield) Extract(value uint64) uint64 {
	width := bf.Width()
	if width >= 64 {
		return value >> bf.StartBit
	}
	return (value >> bf.StartBit) & (1<<width - 1)
}

// Read reads the flags structure at flagsVA and extracts the field.
func (bf Bitfield) Read(r vmi.MemoryReader, flagsVA, dtb uint64) (uint64, error) {
	var raw uint64
	switch bf.Size {
	case 4:
		v, err := r.Read32VA(flagsVA, dtb)
		if err != nil {
			return 0, err
		}
		raw = uint64(v)
	case 8:
		v, err := r.Read64VA(flagsVA, dtb)
		if err != nil {
			return 0, err
		}
		raw = v
	default:
		return 0, fmt.Errorf("%s: %d is not a supported flags size", bf.container, bf.Size)
	}
	return bf.Extract(raw), nil
}
