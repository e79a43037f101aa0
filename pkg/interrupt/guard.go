package interrupt

import (
	"sync"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/logflags"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi"
)

// shadowOverlap is the number of bytes of the following page kept in the
// shadow copy. Emulated reads at the end of a page may reach into it.
const shadowOverlap = 16

// emulatedReadSize is the number of bytes served per emulated read.
const emulatedReadSize = 16

// GuardBackend is the part of vmi.Introspection a Guard needs.
type GuardBackend interface {
	ReadPA(pa uint64, buf []byte) error
	RegisterMemAccessWatch(gfn uint64, access vmi.MemAccess, h vmi.MemAccessHandler) error
	ClearMemAccessWatch(gfn uint64) error
}

// Guard hides the INT3 patches on one guest frame from the guest. Reads of
// the frame are served from a copy taken before the first patch.
type Guard struct {
	backend GuardBackend
	gfn     uint64
	log     logflags.Logger

	shadow      []byte
	initialized bool
	hitOnce     sync.Once
}

// NewGuard returns an uninitialized guard for gfn.
func NewGuard(backend GuardBackend, gfn uint64) *Guard {
	return &Guard{
		backend: backend,
		gfn:     gfn,
		log:     logflags.GuardLogger().WithField("gfn", gfn),
	}
}

// Initialize snapshots the frame and installs the memory watch. The
// overlap into the next frame is zero when that frame cannot be read.
func (g *Guard) Initialize() error {
	shadow := make([]byte, vmi.PageSize+shadowOverlap)
	base := vmi.PhysicalAddress(g.gfn, 0)
	if err := g.backend.ReadPA(base, shadow[:vmi.PageSize]); err != nil {
		return err
	}
	if err := g.backend.ReadPA(base+vmi.PageSize, shadow[vmi.PageSize:]); err != nil {
		g.log.Debugf("next frame not readable, shadow overlap left empty: %v", err)
		for i := vmi.PageSize; i < len(shadow); i++ {
			shadow[i] = 0
		}
	}
	if err := g.backend.RegisterMemAccessWatch(g.gfn, vmi.AccessRW, g.handle); err != nil {
		return err
	}
	g.shadow = shadow
	g.initialized = true
	return nil
}

// Shadow returns n bytes of the pristine copy starting at offset, clipped
// to the shadow size.
func (g *Guard) Shadow(offset uint64, n int) []byte {
	if offset >= uint64(len(g.shadow)) {
		return nil
	}
	end := offset + uint64(n)
	if end > uint64(len(g.shadow)) {
		end = uint64(len(g.shadow))
	}
	return g.shadow[offset:end]
}

func (g *Guard) handle(ev *vmi.MemAccessEvent) (vmi.Response, error) {
	g.hitOnce.Do(func() {
		g.log.Warn("interrupt guard hit, check if patch guard is active")
	})
	if ev.Access&vmi.AccessR == 0 {
		g.log.Debugf("guest write at offset %#x", ev.Offset)
		return vmi.ResponseNone, nil
	}
	ev.EmulatedRead = append([]byte(nil), g.Shadow(vmi.PageOffset(ev.Offset), emulatedReadSize)...)
	return vmi.ResponseEmulateRead, nil
}

// Teardown removes the memory watch. It does nothing for guards that were
// never initialized.
func (g *Guard) Teardown() error {
	if !g.initialized {
		return nil
	}
	g.initialized = false
	return g.backend.ClearMemAccessWatch(g.gfn)
}
