package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var interrupt = false
var singleStep = false
var guard = false
var process = false
var sysEvent = false
var plugins = false
var vmiLayer = false
var eventStream = false
var hub = false
var detection = false

var baseLevel = logrus.InfoLevel

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	if logOut != nil {
		logger.Logger.Out = logOut
		logger.Logger.Formatter = &logrus.TextFormatter{DisableColors: true, FullTimestamp: true}
	} else {
		out, colors := stderr()
		logger.Logger.Out = out
		logger.Logger.Formatter = &logrus.TextFormatter{DisableColors: !colors, FullTimestamp: true}
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

// makeFlaggableLogger returns a logger that logs at debug level when flag is
// set and at the configured base level otherwise.
func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(baseLevel, fields)
}

func stderr() (io.Writer, bool) {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return colorable.NewColorableStderr(), true
	}
	return os.Stderr, false
}

// Interrupt returns true if the interrupt supervisor should log breakpoint
// patching and trap dispatch.
func Interrupt() bool {
	return interrupt
}

// InterruptLogger returns a logger for the interrupt supervisor.
func InterruptLogger() Logger {
	return makeFlaggableLogger(interrupt, Fields{"layer": "interrupt"})
}

// SingleStepLogger returns a logger for the single step supervisor.
func SingleStepLogger() Logger {
	return makeFlaggableLogger(singleStep, Fields{"layer": "singlestep"})
}

// GuardLogger returns a logger for interrupt guards.
func GuardLogger() Logger {
	return makeFlaggableLogger(guard, Fields{"layer": "guard"})
}

// ProcessLogger returns a logger for the active process supervisor and the
// guest kernel object extractors.
func ProcessLogger() Logger {
	return makeFlaggableLogger(process, Fields{"layer": "process"})
}

// SysEventLogger returns a logger for the system event supervisors.
func SysEventLogger() Logger {
	return makeFlaggableLogger(sysEvent, Fields{"layer": "sysevent"})
}

// PluginsLogger returns a logger for the plugin system.
func PluginsLogger() Logger {
	return makeFlaggableLogger(plugins, Fields{"layer": "plugins"})
}

// PluginLogger returns a logger handed out to the plugin called name.
func PluginLogger(name string) Logger {
	return makeFlaggableLogger(plugins, Fields{"layer": "plugins", "plugin": name})
}

// VMI returns true if introspection backends should log every call.
func VMI() bool {
	return vmiLayer
}

// VMILogger returns a logger for introspection backends.
func VMILogger() Logger {
	return makeFlaggableLogger(vmiLayer, Fields{"layer": "vmi"})
}

// EventStreamLogger returns a logger for event stream sinks.
func EventStreamLogger() Logger {
	return makeFlaggableLogger(eventStream, Fields{"layer": "eventstream"})
}

// DetectionLogger returns a logger for Sigma rule matching.
func DetectionLogger() Logger {
	return makeFlaggableLogger(detection, Fields{"layer": "detection"})
}

// HubLogger returns a logger for the run loop.
func HubLogger() Logger {
	return makeFlaggableLogger(hub, Fields{"layer": "hub"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the layer flags based on the contents of logstr and opens
// logDest. If logDest is an integer it is interpreted as a file descriptor,
// otherwise as a file path.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "vmicore-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %w", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if logOut != nil {
		log.SetOutput(logOut)
	}
	if !logFlag {
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "interrupt,hub"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch strings.TrimSpace(logcmd) {
		case "interrupt":
			interrupt = true
		case "singlestep":
			singleStep = true
		case "guard":
			guard = true
		case "process":
			process = true
		case "sysevent":
			sysEvent = true
		case "plugins":
			plugins = true
		case "vmi":
			vmiLayer = true
		case "eventstream":
			eventStream = true
		case "hub":
			hub = true
		case "detection":
			detection = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'vmicore help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// SetLevel sets the level used by loggers whose layer was not enabled with
// --log-output.
func SetLevel(level string) error {
	if level == "" {
		return nil
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	baseLevel = lvl
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}
