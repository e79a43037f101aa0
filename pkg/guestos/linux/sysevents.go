package linux

import (
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/guestos"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/interrupt"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/logflags"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi"
)

// SystemEventSupervisor follows processes through the process connector
// hooks proc_fork_connector, proc_exec_connector and proc_exit_connector,
// which all take the task_struct in RDI.
type SystemEventSupervisor struct {
	symbols     vmi.Translator
	processes   *guestos.Supervisor
	breakpoints guestos.Breakpoints
	log         logflags.Logger

	fork, exec, exit *interrupt.Breakpoint
}

func NewSystemEventSupervisor(symbols vmi.Translator, processes *guestos.Supervisor, breakpoints guestos.Breakpoints) *SystemEventSupervisor {
	return &SystemEventSupervisor{
		symbols:     symbols,
		processes:   processes,
		breakpoints: breakpoints,
		log:         logflags.SysEventLogger(),
	}
}

// Initialize enumerates tasks, initializes the interrupt supervisor and
// hooks the connectors in the kernel context. The hooks are global: they
// fire in whichever task forks, execs or exits.
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
	if s.fork, err = s.monitor("proc_fork_connector", system.DTB, s.onFork); err != nil {
		return err
	}
	if s.exec, err = s.monitor("proc_exec_connector", system.DTB, s.onExec); err != nil {
		return err
	}
	if s.exit, err = s.monitor("proc_exit_connector", system.DTB, s.onExit); err != nil {
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

func (s *SystemEventSupervisor) add(task uint64) {
	if _, err := s.processes.AddNewProcess(task); err != nil {
		s.log.WithError(err).Warnf("unable to add task at %#x", task)
	}
}

func (s *SystemEventSupervisor) onFork(ev *interrupt.Event) (interrupt.Response, error) {
	s.add(ev.Regs.RDI)
	return interrupt.Continue, nil
}

// onExec replaces the process, its image and address space changed.
func (s *SystemEventSupervisor) onExec(ev *interrupt.Event) (interrupt.Response, error) {
	s.processes.RemoveActiveProcess(ev.Regs.RDI)
	s.add(ev.Regs.RDI)
	return interrupt.Continue, nil
}

func (s *SystemEventSupervisor) onExit(ev *interrupt.Event) (interrupt.Response, error) {
	s.processes.RemoveActiveProcess(ev.Regs.RDI)
	return interrupt.Continue, nil
}

// Teardown removes the connector breakpoints.
func (s *SystemEventSupervisor) Teardown() error {
	return guestos.RemoveAll(s.fork, s.exec, s.exit)
}

var _ guestos.SystemEvents = (*SystemEventSupervisor)(nil)
