package interrupt

import (
	"sync"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/logflags"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi"
)

// ContextSwitchRegistrar is the part of vmi.Introspection a
// ContextSwitchMonitor needs.
type ContextSwitchRegistrar interface {
	RegisterContextSwitchHandler(h vmi.ContextSwitchHandler) error
	ClearContextSwitchHandler() error
}

// ContextSwitchMonitor forwards CR3 writes to a single callback.
type ContextSwitchMonitor struct {
	registrar ContextSwitchRegistrar
	log       logflags.Logger

	mu       sync.Mutex
	callback vmi.ContextSwitchHandler
}

// NewContextSwitchMonitor returns a monitor without a callback.
func NewContextSwitchMonitor(registrar ContextSwitchRegistrar) *ContextSwitchMonitor {
	return &ContextSwitchMonitor{registrar: registrar, log: logflags.InterruptLogger()}
}

// SetCallback installs cb and starts watching CR3. Only one callback can
// be installed.
func (m *ContextSwitchMonitor) SetCallback(cb vmi.ContextSwitchHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.callback != nil {
		return ErrCallbackRegistered
	}
	if err := m.registrar.RegisterContextSwitchHandler(m.handle); err != nil {
		return err
	}
	m.callback = cb
	return nil
}

func (m *ContextSwitchMonitor) handle(ev *vmi.RegisterEvent) error {
	m.mu.Lock()
	cb := m.callback
	m.mu.Unlock()
	if cb == nil {
		return nil
	}
	if err := cb(ev); err != nil {
		m.log.WithError(err).Warnf("context switch to %#x on vcpu %d", ev.Value, ev.VCPU)
	}
	return nil
}

// Teardown stops watching CR3.
func (m *ContextSwitchMonitor) Teardown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.callback == nil {
		return nil
	}
	m.callback = nil
	return m.registrar.ClearContextSwitchHandler()
}
