// Package eventstream publishes run telemetry (process lifecycle, crashes,
// errors, detections) to a set of sinks.
package eventstream

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProcessState tells whether a process event reports a start or an exit.
type ProcessState int

const (
	ProcessStarted ProcessState = iota
	ProcessTerminated
)

func (s ProcessState) String() string {
	switch s {
	case ProcessStarted:
		return "started"
	case ProcessTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("ProcessState(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ProcessState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ProcessState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "started":
		*s = ProcessStarted
	case "terminated":
		*s = ProcessTerminated
	default:
		return fmt.Errorf("unknown process state %q", text)
	}
	return nil
}

// EventType classifies events.
type EventType string

const (
	EventReady          EventType = "ready"
	EventProcess        EventType = "process"
	EventBSOD           EventType = "bsod"
	EventError          EventType = "error"
	EventInMemDetection EventType = "inmem_detection"
)

// ProcessEvent is the payload of EventProcess.
type ProcessEvent struct {
	State ProcessState `json:"state"`
	Name  string       `json:"name"`
	Pid   uint32       `json:"pid"`
	DTB   string       `json:"dtb"`
}

// Event is one telemetry record.
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Process      *ProcessEvent `json:"process,omitempty"`
	BugCheckCode uint64        `json:"bug_check_code,omitempty"`
	Message      string        `json:"message,omitempty"`
}

func newEvent(session string, typ EventType) Event {
	return Event{
		ID:        uuid.New().String(),
		SessionID: session,
		Type:      typ,
		Timestamp: time.Now().UTC(),
	}
}
