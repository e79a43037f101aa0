package plugins

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/config"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/guestos"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/interrupt"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/logflags"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi"
)

// Processes is the process directory as seen by plugins.
type Processes interface {
	ActiveProcesses() []*guestos.ProcessInformation
	ProcessByPid(pid uint32) (*guestos.ProcessInformation, error)
}

// Breakpoints creates breakpoints on behalf of plugins.
type Breakpoints interface {
	CreateBreakpoint(targetVA, dtb uint64, cb interrupt.Callback, global bool) (*interrupt.Breakpoint, error)
}

// Events receives the events plugins may send.
type Events interface {
	SendErrorEvent(message string)
	SendInMemDetectionEvent(message string)
}

type loaded struct {
	name    string
	details Details
	module  Module
}

// System owns the loaded plugins and the callbacks they registered. It
// implements guestos.Listener.
type System struct {
	conf          *config.Config
	introspection vmi.Introspection
	processes     Processes
	breakpoints   Breakpoints
	events        Events
	log           logflags.Logger
	open          openFunc

	mu          sync.Mutex
	loaded      []loaded
	start       []func(*guestos.ProcessInformation)
	termination []func(*guestos.ProcessInformation)
	shutdown    []func()
	unloaded    bool
}

// NewSystem returns a plugin system without any plugins loaded.
func NewSystem(conf *config.Config, v vmi.Introspection, processes Processes, breakpoints Breakpoints, events Events) *System {
	return &System{
		conf:          conf,
		introspection: v,
		processes:     processes,
		breakpoints:   breakpoints,
		events:        events,
		log:           logflags.PluginsLogger(),
		open:          openPlugin,
	}
}

// InitializePlugins loads every plugin named in the configuration, in name
// order. args holds command line arguments per plugin; plugins without
// any receive their name as the only argument.
func (s *System) InitializePlugins(args map[string][]string) error {
	names := make([]string, 0, len(s.conf.PluginSystem.Plugins))
	for name := range s.conf.PluginSystem.Plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pargs, ok := args[name]
		if !ok {
			pargs = []string{name}
		}
		if err := s.InitializePlugin(name, s.conf.PluginSystem.Plugins[name], pargs); err != nil {
			return err
		}
	}
	return nil
}

// InitializePlugin loads and initializes a single plugin.
func (s *System) InitializePlugin(name string, conf config.PluginConfig, args []string) error {
	s.log.WithField("dirName", s.conf.PluginSystem.Directory).Debugf("loading plugin %s", name)
	details, module, err := resolve(s.open, s.conf.PluginSystem.Directory, name)
	if err != nil {
		return &PluginError{name, err}
	}
	if details.APIVersion != APIVersion {
		return &PluginError{name, fmt.Errorf("plugin API version %d is incompatible with vmicore API version %d", details.APIVersion, APIVersion)}
	}
	if err := module.Init(&host{s, name}, conf, args); err != nil {
		return &PluginError{name, fmt.Errorf("initialization failed: %w", err)}
	}

	s.mu.Lock()
	s.loaded = append(s.loaded, loaded{name, details, module})
	s.mu.Unlock()
	s.log.WithField("plugin", name).Infof("loaded %v", details)
	return nil
}

// Loaded returns the details of the initialized plugins in load order.
func (s *System) Loaded() []Details {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := make([]Details, len(s.loaded))
	for i := range s.loaded {
		r[i] = s.loaded[i].details
	}
	return r
}

func (s *System) OnProcessStart(p *guestos.ProcessInformation) {
	s.mu.Lock()
	cbs := s.start
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(p)
	}
}

func (s *System) OnProcessTermination(p *guestos.ProcessInformation) {
	s.mu.Lock()
	cbs := s.termination
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(p)
	}
}

// UnloadPlugins runs the shutdown callbacks and unloads every plugin.
// Only the first call has an effect.
func (s *System) UnloadPlugins() {
	s.mu.Lock()
	if s.unloaded {
		s.mu.Unlock()
		return
	}
	s.unloaded = true
	shutdown := s.shutdown
	plugins := s.loaded
	s.start, s.termination, s.shutdown, s.loaded = nil, nil, nil, nil
	s.mu.Unlock()

	if s.introspection != nil {
		s.introspection.FlushTranslationCaches()
	}
	for _, cb := range shutdown {
		cb()
	}
	for _, p := range plugins {
		u, ok := p.module.(Unloader)
		if !ok {
			continue
		}
		if err := u.Unload(); err != nil {
			s.log.WithError(err).WithField("plugin", p.name).Error("error occurred while unloading plugin")
			s.sendErrorEvent(err.Error())
		}
	}
}

func (s *System) sendErrorEvent(message string) {
	if s.events != nil {
		s.events.SendErrorEvent(message)
	}
}

// host is the Host handed to one plugin.
type host struct {
	sys  *System
	name string
}

func (h *host) CreateBreakpoint(targetVA uint64, p *guestos.ProcessInformation, cb interrupt.Callback) (*interrupt.Breakpoint, error) {
	if p == nil {
		return nil, errors.New("no target process")
	}
	return h.sys.breakpoints.CreateBreakpoint(targetVA, p.DTB, cb, false)
}

func (h *host) RunningProcesses() []*guestos.ProcessInformation {
	return h.sys.processes.ActiveProcesses()
}

func (h *host) ReadProcessMemoryRegion(pid uint32, va, size uint64) ([]byte, error) {
	if vmi.PageOffset(va) != 0 {
		return nil, fmt.Errorf("starting address %#x is not aligned to page boundary", va)
	}
	if vmi.PageOffset(size) != 0 {
		return nil, fmt.Errorf("size %#x of memory region is not page aligned", size)
	}
	p, err := h.sys.processes.ProcessByPid(pid)
	if err != nil {
		return nil, err
	}

	region := make([]byte, 0, size)
	page := make([]byte, vmi.PageSize)
	padding := false
	for end := va + size; va < end; va += vmi.PageSize {
		if err := h.sys.introspection.ReadVA(va, p.DTB, page); err != nil {
			if !padding {
				h.Logger().WithField("pageAlignedVA", logflags.Hex(va)).Debug("start of padding")
				region = append(region, make([]byte, vmi.PageSize)...)
				padding = true
			}
			continue
		}
		if padding {
			h.Logger().WithField("pageAlignedVA", logflags.Hex(va)).Debug("first successful page extraction after padding")
			padding = false
		}
		region = append(region, page...)
	}
	return region, nil
}

func (h *host) Introspection() IntrospectionAPI {
	return h.sys.introspection
}

func (h *host) OnProcessStart(cb func(*guestos.ProcessInformation)) {
	h.sys.mu.Lock()
	defer h.sys.mu.Unlock()
	h.sys.start = append(h.sys.start, cb)
}

func (h *host) OnProcessTermination(cb func(*guestos.ProcessInformation)) {
	h.sys.mu.Lock()
	defer h.sys.mu.Unlock()
	h.sys.termination = append(h.sys.termination, cb)
}

func (h *host) OnShutdown(cb func()) {
	h.sys.mu.Lock()
	defer h.sys.mu.Unlock()
	h.sys.shutdown = append(h.sys.shutdown, cb)
}

func (h *host) TracingTargets() (*config.TracingTargets, error) {
	path, ok := h.sys.conf.PluginSystem.Plugins[h.name].String("config_path")
	if !ok || path == "" {
		return nil, fmt.Errorf("plugin %s: no config_path configured", h.name)
	}
	return config.LoadTracingTargets(path)
}

func (h *host) ResultsDir() string {
	return h.sys.conf.ResultsDirectory
}

func (h *host) WriteToFile(name string, data []byte) {
	if err := h.writeToFile(name, data); err != nil {
		h.sys.log.WithError(err).WithFields(logflags.Fields{"plugin": h.name, "filename": name}).Error("failed to write to file")
		h.sys.sendErrorEvent(err.Error())
	}
}

func (h *host) writeToFile(name string, data []byte) error {
	if !filepath.IsLocal(name) {
		return fmt.Errorf("%s is not inside the results directory", name)
	}
	path := h.sys.conf.ResultsPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (h *host) SendErrorEvent(message string) {
	h.sys.sendErrorEvent(message)
}

func (h *host) SendInMemDetectionEvent(message string) {
	if h.sys.events != nil {
		h.sys.events.SendInMemDetectionEvent(message)
	}
}

func (h *host) Logger() logflags.Logger {
	return logflags.PluginLogger(h.name)
}

var _ guestos.Listener = (*System)(nil)
