// Package guestos keeps track of the processes running inside the guest
// and describes their memory layout. OS specific object layouts live in
// the windows and linux subpackages.
package guestos

import (
	"errors"
	"fmt"
	"strings"
)

// ErrProcessNotFound is returned by lookups for unknown processes.
var ErrProcessNotFound = errors.New("process not found")

// RegionExtractor enumerates the memory regions of one process.
type RegionExtractor interface {
	MemoryRegions() ([]MemoryRegion, error)
}

// ProcessInformation describes one live guest process.
type ProcessInformation struct {
	// Base is the address of the kernel process object (EPROCESS or
	// task_struct).
	Base      uint64
	Pid       uint32
	ParentPid uint32
	// DTB is the kernel page table base of the process.
	DTB uint64
	// UserDTB is the page table base loaded while the process runs in user
	// mode. Equal to DTB unless page table isolation is active.
	UserDTB  uint64
	Name     string
	FullName string
	Path     string
	Is32Bit  bool

	regions RegionExtractor
}

// SetRegionExtractor sets the enumerator used by MemoryRegions.
func (p *ProcessInformation) SetRegionExtractor(r RegionExtractor) {
	p.regions = r
}

// MemoryRegions walks the memory regions of the process. The guest
// structures are read on every call.
func (p *ProcessInformation) MemoryRegions() ([]MemoryRegion, error) {
	if p.regions == nil {
		return nil, nil
	}
	return p.regions.MemoryRegions()
}

func (p *ProcessInformation) String() string {
	return fmt.Sprintf("%s (pid %d, dtb %#x)", p.Name, p.Pid, p.DTB)
}

// SplitFileName returns the last element of path, using sep as separator.
func SplitFileName(path string, sep byte) (string, error) {
	i := strings.LastIndexByte(path, sep)
	if i < 0 {
		return "", fmt.Errorf("no path separator in %q", path)
	}
	return path[i+1:], nil
}
