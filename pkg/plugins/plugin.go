// Package plugins loads vmicore plugins and routes process and shutdown
// notifications to them.
//
// A plugin is a Module together with its Details. Plugins are either
// compiled into the binary with Register or built as Go plugins
// (go build -buildmode=plugin) exporting two symbols:
//
//	var VmiPluginDetails = plugins.Details{APIVersion: plugins.APIVersion, Name: "...", Version: "..."}
//	func VmiPluginModule() plugins.Module
package plugins

import (
	"fmt"
	"sort"
	"sync"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/config"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/guestos"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/interrupt"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/logflags"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi"
)

// APIVersion is the version of the Host interface. Plugins built against
// a different version are rejected.
const APIVersion uint8 = 1

// Details identify a plugin build.
type Details struct {
	APIVersion uint8
	Name       string
	Version    string
}

func (d Details) String() string {
	return fmt.Sprintf("%s %s (api %d)", d.Name, d.Version, d.APIVersion)
}

// Module is the entry point of a plugin.
type Module interface {
	// Init is called once, with the VM paused, after the system breakpoints
	// are in place. args[0] is the plugin name unless arguments were given
	// on the command line.
	Init(host Host, conf config.PluginConfig, args []string) error
}

// Unloader is implemented by modules that release resources on shutdown.
type Unloader interface {
	Unload() error
}

// IntrospectionAPI is the subset of the introspection backend plugins may
// use. It cannot patch memory or register events.
type IntrospectionAPI interface {
	vmi.MemoryReader
	vmi.Translator
	vmi.StringExtractor
}

// Host is everything vmicore exposes to a plugin.
type Host interface {
	// CreateBreakpoint places a breakpoint at targetVA in the address space
	// of p. The breakpoint is hidden from guest reads.
	CreateBreakpoint(targetVA uint64, p *guestos.ProcessInformation, cb interrupt.Callback) (*interrupt.Breakpoint, error)
	// RunningProcesses returns a snapshot of the live processes.
	RunningProcesses() []*guestos.ProcessInformation
	// ReadProcessMemoryRegion reads size bytes at the page aligned va of
	// process pid. Runs of unreadable pages are replaced by a single zero
	// page.
	ReadProcessMemoryRegion(pid uint32, va, size uint64) ([]byte, error)
	Introspection() IntrospectionAPI

	OnProcessStart(cb func(*guestos.ProcessInformation))
	OnProcessTermination(cb func(*guestos.ProcessInformation))
	OnShutdown(cb func())

	// TracingTargets parses the tracing configuration named by the
	// config_path key of the plugin's configuration. Each call reads the
	// file again.
	TracingTargets() (*config.TracingTargets, error)

	ResultsDir() string
	// WriteToFile stores data as name inside the results directory,
	// replacing an existing file. Failures are logged and reported as
	// error events.
	WriteToFile(name string, data []byte)
	SendErrorEvent(message string)
	SendInMemDetectionEvent(message string)
	// Logger returns a logger tagged with the plugin name.
	Logger() logflags.Logger
}

type registration struct {
	details   Details
	newModule func() Module
}

var (
	registryMu sync.Mutex
	registry   = map[string]registration{}
)

// Register makes a compiled-in plugin available under name. It panics if
// name is registered twice.
func Register(name string, details Details, newModule func() Module) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("plugins: Register called twice for " + name)
	}
	registry[name] = registration{details, newModule}
}

// Registered returns the names of the compiled-in plugins.
func Registered() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	r := make([]string, 0, len(registry))
	for name := range registry {
		r = append(r, name)
	}
	sort.Strings(r)
	return r
}

func lookupRegistered(name string) (registration, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	r, ok := registry[name]
	return r, ok
}
