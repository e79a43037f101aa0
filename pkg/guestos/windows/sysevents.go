package windows

import (
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/guestos"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/interrupt"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/logflags"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi"
)

// BugCheckSink receives guest crash reports.
type BugCheckSink interface {
	SendBSODEvent(code uint64)
}

// PluginUnloader shuts the plugins down.
type PluginUnloader interface {
	UnloadPlugins()
}

// SystemEventSupervisor follows process creation and termination through
// PspCallProcessNotifyRoutines and guest crashes through KeBugCheck2.
type SystemEventSupervisor struct {
	symbols     vmi.Translator
	processes   *guestos.Supervisor
	breakpoints guestos.Breakpoints
	events      BugCheckSink
	run         guestos.RunControl
	plugins     PluginUnloader
	log         logflags.Logger

	notifyRoutines *interrupt.Breakpoint
	bugCheck       *interrupt.Breakpoint
}

// NewSystemEventSupervisor returns a supervisor feeding processes.
func NewSystemEventSupervisor(symbols vmi.Translator, processes *guestos.Supervisor, breakpoints guestos.Breakpoints,
	events BugCheckSink, run guestos.RunControl, plugins PluginUnloader) *SystemEventSupervisor {
	return &SystemEventSupervisor{
		symbols:     symbols,
		processes:   processes,
		breakpoints: breakpoints,
		events:      events,
		run:         run,
		plugins:     plugins,
		log:         logflags.SysEventLogger(),
	}
}

// Initialize enumerates processes, initializes the interrupt supervisor
// and installs both kernel breakpoints in the System process context.
func (s *SystemEventSupervisor) Initialize() error {
	if err := s.processes.Initialize(); err != nil {
		return err
	}
	system, err := s.processes.ProcessByPid(SystemPid)
	if err != nil {
		return err
	}
	if err := s.breakpoints.Initialize(); err != nil {
		return err
	}
	if s.notifyRoutines, err = s.monitor("PspCallProcessNotifyRoutines", system.DTB, s.onProcessNotify); err != nil {
		return err
	}
	if s.bugCheck, err = s.monitor("KeBugCheck2", system.DTB, s.onBugCheck); err != nil {
		return err
	}
	return nil
}

func (s *SystemEventSupervisor) monitor(symbol string, dtb uint64, cb interrupt.Callback) (*interrupt.Breakpoint, error) {
	va, err := s.symbols.TranslateKernelSymbol(symbol)
	if err != nil {
		return nil, err
	}
	s.log.WithField("VA", logflags.Hex(va)).Debugf("Obtained starting address of %s", symbol)
	return s.breakpoints.CreateBreakpoint(va, dtb, cb, true)
}

// onProcessNotify handles PspCallProcessNotifyRoutines(EPROCESS, ..., Create).
func (s *SystemEventSupervisor) onProcessNotify(ev *interrupt.Event) (interrupt.Response, error) {
	eprocess := ev.Regs.RCX
	terminating := ev.Regs.R8 == 0
	s.log.WithFields(logflags.Fields{
		"_EPROCESS_base":  logflags.Hex(eprocess),
		"terminationFlag": terminating,
	}).Debug("PspCallProcessNotifyRoutines called")

	if terminating {
		s.processes.RemoveActiveProcess(eprocess)
		return interrupt.Continue, nil
	}
	if _, err := s.processes.AddNewProcess(eprocess); err != nil {
		s.log.WithError(err).Warnf("unable to add process at %#x", eprocess)
	}
	return interrupt.Continue, nil
}

// onBugCheck handles KeBugCheck2(BugCheckCode, ...). The VMI session
// ends immediately, so the breakpoint is not re-armed.
func (s *SystemEventSupervisor) onBugCheck(ev *interrupt.Event) (interrupt.Response, error) {
	code := ev.Regs.RCX
	s.events.SendBSODEvent(code)
	s.log.WithField("BugCheckCode", logflags.Hex(code)).Warn("BSOD detected!")
	s.run.SkipPostRunAction()
	s.run.Stop(0)
	s.plugins.UnloadPlugins()
	return interrupt.Deactivate, nil
}

// Teardown removes both breakpoints.
func (s *SystemEventSupervisor) Teardown() error {
	return guestos.RemoveAll(s.notifyRoutines, s.bugCheck)
}

var _ guestos.SystemEvents = (*SystemEventSupervisor)(nil)
