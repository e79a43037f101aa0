package eventstream

import (
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/logflags"
)

// LogSink writes events to a logger.
type LogSink struct {
	log logflags.Logger
}

// NewLogSink returns a sink logging to the event stream logger.
func NewLogSink() *LogSink {
	return &LogSink{log: logflags.EventStreamLogger()}
}

func (l *LogSink) Publish(ev Event) error {
	entry := l.log.WithFields(logflags.Fields{"event": ev.Type, "id": ev.ID})
	switch ev.Type {
	case EventProcess:
		entry.WithFields(logflags.Fields{
			"state": ev.Process.State.String(),
			"name":  ev.Process.Name,
			"pid":   ev.Process.Pid,
			"dtb":   ev.Process.DTB,
		}).Info("process event")
	case EventBSOD:
		entry.Warnf("bsod, bug check code %#x", ev.BugCheckCode)
	case EventError:
		entry.Error(ev.Message)
	case EventInMemDetection:
		entry.Warn(ev.Message)
	default:
		entry.Info("event")
	}
	return nil
}

func (l *LogSink) Close() error {
	return nil
}
