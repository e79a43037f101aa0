// Package hub wires the supervisors, plugins and event stream together and
// runs the event loop of one introspection session.
package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/config"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/detection"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/eventstream"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/guestos"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/interrupt"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/logflags"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/plugins"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/singlestep"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi"
)

// DefaultListenTimeout bounds a single wait for hypervisor events.
const DefaultListenTimeout = 500 * time.Millisecond

// Hub runs one introspection session. It implements guestos.RunControl.
type Hub struct {
	conf   *config.Config
	vmi    vmi.Introspection
	events eventstream.Stream
	log    logflags.Logger

	// ListenTimeout is passed to every EventsListen call.
	ListenTimeout time.Duration

	openKernel kernelFactory

	stopOnce    sync.Once
	stopped     atomic.Bool
	exitCode    atomic.Int32
	skipPostRun atomic.Bool
}

// New returns a hub for the guest behind v. events receives the telemetry
// of the session; the caller closes both.
func New(conf *config.Config, v vmi.Introspection, events eventstream.Stream) *Hub {
	return &Hub{
		conf:          conf,
		vmi:           v,
		events:        events,
		log:           logflags.HubLogger(),
		ListenTimeout: DefaultListenTimeout,
		openKernel:    openKernel,
	}
}

// Stop ends the event loop after the current iteration. The first call
// decides the exit code.
func (h *Hub) Stop(code int) {
	h.stopOnce.Do(func() {
		h.exitCode.Store(int32(code))
		h.stopped.Store(true)
		h.log.Debugf("stop requested, exit code %d", code)
	})
}

// Stopped reports whether Stop was called.
func (h *Hub) Stopped() bool {
	return h.stopped.Load()
}

// SkipPostRunAction disables the plugin shutdown at the end of the run.
func (h *Hub) SkipPostRunAction() {
	h.skipPostRun.Store(true)
}

// listeners fans process notifications out to components created after
// the process supervisor.
type listeners struct {
	guestos.Listeners
}

// Run sets up the session with the VM paused, listens for events until
// Stop is called, ctx is done or the VM dies, and tears everything down
// again. pluginArgs holds command line arguments per plugin. The returned
// code is the process exit code of the run.
func (h *Hub) Run(ctx context.Context, pluginArgs map[string][]string) (int, error) {
	k, err := h.openKernel(h.conf, h.vmi)
	if err != nil {
		return 1, err
	}

	fanout := &listeners{}
	processes := guestos.NewSupervisor(k.extractor, h.events, fanout)
	singleStep := singlestep.New(h.vmi)
	contextSwitch := interrupt.NewContextSwitchMonitor(h.vmi)
	interrupts := interrupt.New(h.vmi, singleStep, contextSwitch, h.events, processes)
	pluginSystem := plugins.NewSystem(h.conf, h.vmi, processes, interrupts, h.events)
	fanout.Listeners = append(fanout.Listeners, pluginSystem)
	systemEvents := k.systemEvents(processes, interrupts, h, h.events, pluginSystem)

	var detector *detection.Detector
	if dir := h.conf.Detection.RulesDirectory; dir != "" {
		if detector, err = detection.NewDetector(dir, h.events, processes); err != nil {
			return 1, err
		}
		defer detector.Close()
		fanout.Listeners = append(fanout.Listeners, detector)
	}

	if err := h.setup(ctx, systemEvents, pluginSystem, processes, detector, pluginArgs); err != nil {
		h.events.SendErrorEvent(err.Error())
		return 1, errors.Join(err, h.teardown(systemEvents, interrupts))
	}
	h.events.SendReadyEvent()

	if detector != nil {
		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := detector.Watch(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
				h.log.WithError(err).Warn("rule watcher stopped")
			}
		}()
	}

	h.waitForEvents(ctx)

	if err := h.shutdown(pluginSystem); err != nil {
		h.log.WithError(err).Error("error during plugin shutdown")
	}
	err = h.teardown(systemEvents, interrupts)
	return int(h.exitCode.Load()), err
}

// setup installs the system hooks and loads the plugins while the VM is
// paused.
func (h *Hub) setup(ctx context.Context, systemEvents guestos.SystemEvents, pluginSystem *plugins.System,
	processes *guestos.Supervisor, detector *detection.Detector, pluginArgs map[string][]string) (err error) {
	if err := h.vmi.PauseVM(); err != nil {
		return err
	}
	defer func() {
		if rerr := h.vmi.ResumeVM(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	if err := systemEvents.Initialize(); err != nil {
		return err
	}
	if err := pluginSystem.InitializePlugins(pluginArgs); err != nil {
		return err
	}
	if detector != nil {
		detector.Scan(ctx, processes.ActiveProcesses())
	}
	return nil
}

func (h *Hub) waitForEvents(ctx context.Context) {
	for !h.Stopped() {
		select {
		case <-ctx.Done():
			h.log.Info("run cancelled")
			h.Stop(0)
			return
		default:
		}
		if err := h.vmi.EventsListen(h.ListenTimeout); err != nil {
			h.log.WithError(err).Error("error while waiting for events")
			h.events.SendErrorEvent(err.Error())
			h.log.Info("trying to get the VM state")
			if !h.vmi.IsVMAlive() {
				h.log.Error("VM is unresponsive")
			}
			h.Stop(1)
			return
		}
		if !h.vmi.AreEventsPending() && !h.vmi.IsVMAlive() {
			h.log.Error("VM is unresponsive")
			h.events.SendErrorEvent("VM is unresponsive")
			h.Stop(1)
			return
		}
	}
}

// shutdown runs the post-run plugin action with the VM paused.
func (h *Hub) shutdown(pluginSystem *plugins.System) (err error) {
	if h.skipPostRun.Load() {
		h.log.Debug("post run plugin action skipped")
		return nil
	}
	if !h.vmi.IsVMAlive() {
		pluginSystem.UnloadPlugins()
		return nil
	}
	if err := h.vmi.PauseVM(); err != nil {
		return err
	}
	defer func() {
		if rerr := h.vmi.ResumeVM(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	pluginSystem.UnloadPlugins()
	return nil
}

// teardown removes the system hooks, then every remaining breakpoint.
func (h *Hub) teardown(systemEvents guestos.SystemEvents, interrupts *interrupt.Supervisor) error {
	return errors.Join(systemEvents.Teardown(), interrupts.Teardown())
}

var _ guestos.RunControl = (*Hub)(nil)
