package eventstream

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/logflags"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/version"
)

// Stream is the telemetry surface used by the rest of vmicore.
type Stream interface {
	SendProcessEvent(state ProcessState, name string, pid uint32, dtb uint64)
	SendBSODEvent(code uint64)
	SendReadyEvent()
	SendErrorEvent(message string)
	SendInMemDetectionEvent(message string)
	Close() error
}

// Sink stores or forwards events.
type Sink interface {
	Publish(ev Event) error
	Close() error
}

// Publisher implements Stream on top of a list of sinks. A Publisher
// without sinks drops every event.
type Publisher struct {
	sessionID string
	log       logflags.Logger

	mu     sync.Mutex
	sinks  []Sink
	closed bool
}

var _ Stream = (*Publisher)(nil)

// NewPublisher returns a publisher with a fresh session id.
func NewPublisher(sinks ...Sink) *Publisher {
	return &Publisher{
		sessionID: uuid.New().String(),
		log:       logflags.EventStreamLogger(),
		sinks:     sinks,
	}
}

// SessionID identifies all events of this run.
func (p *Publisher) SessionID() string {
	return p.sessionID
}

// AddSink appends s to the sinks.
func (p *Publisher) AddSink(s Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks = append(p.sinks, s)
}

func (p *Publisher) publish(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for _, s := range p.sinks {
		if err := s.Publish(ev); err != nil {
			p.log.WithError(err).Warnf("could not publish %s event %s", ev.Type, ev.ID)
		}
	}
}

func (p *Publisher) SendProcessEvent(state ProcessState, name string, pid uint32, dtb uint64) {
	ev := newEvent(p.sessionID, EventProcess)
	ev.Process = &ProcessEvent{State: state, Name: name, Pid: pid, DTB: fmt.Sprintf("%#x", dtb)}
	p.publish(ev)
}

func (p *Publisher) SendBSODEvent(code uint64) {
	ev := newEvent(p.sessionID, EventBSOD)
	ev.BugCheckCode = code
	p.publish(ev)
}

// SendReadyEvent announces that introspection is running. The message
// carries the vmicore version.
func (p *Publisher) SendReadyEvent() {
	ev := newEvent(p.sessionID, EventReady)
	ev.Message = "vmicore " + version.VmiCoreVersion.Short()
	p.publish(ev)
}

func (p *Publisher) SendErrorEvent(message string) {
	ev := newEvent(p.sessionID, EventError)
	ev.Message = message
	p.publish(ev)
}

func (p *Publisher) SendInMemDetectionEvent(message string) {
	ev := newEvent(p.sessionID, EventInMemDetection)
	ev.Message = message
	p.publish(ev)
}

// Close closes every sink. Events sent afterwards are dropped.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var errs []error
	for _, s := range p.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
