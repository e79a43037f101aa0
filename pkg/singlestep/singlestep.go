// Package singlestep schedules one-shot callbacks that run after a vCPU
// executed exactly one more instruction.
package singlestep

import (
	"errors"
	"fmt"
	"sync"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/logflags"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi"
)

var (
	// ErrCallbackPending is returned by SetCallback when the vCPU already
	// has a callback waiting to fire.
	ErrCallbackPending = errors.New("single step callback already pending")
	// ErrInvalidVCPU is returned for vCPU indices the guest does not have.
	ErrInvalidVCPU = errors.New("invalid vcpu")
	// ErrNotInitialized is returned by SetCallback before Initialize.
	ErrNotInitialized = errors.New("single step supervisor not initialized")
)

// Callback runs once after the vCPU stepped. Payload is the value passed
// to SetCallback.
type Callback func(ev *vmi.SingleStepEvent, payload uint64) error

// Stepper is the part of vmi.Introspection the supervisor needs.
type Stepper interface {
	StartSingleStep(vcpu uint32, h vmi.SingleStepHandler) error
	StopSingleStep(vcpu uint32) error
	NumberOfVCPUs() uint32
}

type slot struct {
	callback Callback
	payload  uint64
}

// Supervisor owns one callback slot per vCPU.
type Supervisor struct {
	stepper Stepper
	log     logflags.Logger

	mu    sync.Mutex
	slots []*slot
}

// New returns a supervisor for the vCPUs of stepper.
func New(stepper Stepper) *Supervisor {
	return &Supervisor{stepper: stepper, log: logflags.SingleStepLogger()}
}

// Initialize allocates one slot per vCPU.
func (s *Supervisor) Initialize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = make([]*slot, s.stepper.NumberOfVCPUs())
	s.log.Debugf("initialized single step slots for %d vcpus", len(s.slots))
}

// SetCallback arms single-stepping on vcpu. At most one callback may be
// pending per vCPU.
func (s *Supervisor) SetCallback(vcpu uint32, cb Callback, payload uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slots == nil {
		return ErrNotInitialized
	}
	if int(vcpu) >= len(s.slots) {
		return fmt.Errorf("%w: %d", ErrInvalidVCPU, vcpu)
	}
	if s.slots[vcpu] != nil {
		return fmt.Errorf("vcpu %d: %w", vcpu, ErrCallbackPending)
	}
	if err := s.stepper.StartSingleStep(vcpu, s.handle); err != nil {
		return err
	}
	s.slots[vcpu] = &slot{callback: cb, payload: payload}
	return nil
}

// Pending reports whether vcpu has a callback waiting to fire.
func (s *Supervisor) Pending(vcpu uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(vcpu) < len(s.slots) && s.slots[vcpu] != nil
}

func (s *Supervisor) handle(ev *vmi.SingleStepEvent) error {
	s.mu.Lock()
	var sl *slot
	if int(ev.VCPU) < len(s.slots) {
		sl = s.slots[ev.VCPU]
	}
	s.mu.Unlock()
	if sl == nil {
		s.log.Warnf("single step on vcpu %d without a pending callback", ev.VCPU)
		return s.stepper.StopSingleStep(ev.VCPU)
	}

	cbErr := sl.callback(ev, sl.payload)

	s.mu.Lock()
	s.slots[ev.VCPU] = nil
	s.mu.Unlock()
	return errors.Join(cbErr, s.stepper.StopSingleStep(ev.VCPU))
}

// Teardown drops every pending callback and stops single-stepping on its
// vCPU. Failures are logged and do not stop the remaining vCPUs.
func (s *Supervisor) Teardown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for vcpu, sl := range s.slots {
		if sl == nil {
			continue
		}
		s.slots[vcpu] = nil
		if err := s.stepper.StopSingleStep(uint32(vcpu)); err != nil {
			s.log.WithError(err).Errorf("failed to stop single stepping on vcpu %d", vcpu)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
