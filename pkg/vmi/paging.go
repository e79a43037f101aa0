package vmi

const (
	PageShift = 12
	PageSize  = 1 << PageShift

	// dtbMask keeps bits 12..51 of CR3, dropping the PCID and the
	// no-flush bit.
	dtbMask = 0x000F_FFFF_FFFF_F000
)

// NormalizeDTB strips PCID and flag bits from a CR3 value so that page
// table bases can be compared.
func NormalizeDTB(cr3 uint64) uint64 {
	return cr3 & dtbMask
}

// GFN returns the guest frame number of a physical address.
func GFN(pa uint64) uint64 {
	return pa >> PageShift
}

// PageOffset returns the offset of addr within its page.
func PageOffset(addr uint64) uint64 {
	return addr & (PageSize - 1)
}

// PhysicalAddress builds a physical address from a frame number and an
// offset.
func PhysicalAddress(gfn, offset uint64) uint64 {
	return gfn<<PageShift | PageOffset(offset)
}
