package hub

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/config"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/eventstream"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/guestos"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/interrupt"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/plugins"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi/vmitest"
)

const (
	sysDTB   = 0x1aa000
	listHead = 0xfffff80000001000
	hookVA   = 0xfffff80000040000
	hookPA   = 0x240000
	origByte = 0x48
)

type fakeExtractor struct{}

var guestProcesses = map[uint64]guestos.ProcessInformation{
	0xfffff80000002000: {Pid: 4, Name: "System", DTB: sysDTB, UserDTB: sysDTB},
	0xfffff80000003000: {Pid: 50, ParentPid: 4, Name: "nc", FullName: "nc", Path: "/usr/bin/nc", DTB: 0x2000000, UserDTB: 0x2000000},
}

var guestLinks = map[uint64]uint64{
	listHead:           0xfffff80000002000,
	0xfffff80000002000: 0xfffff80000003000,
	0xfffff80000003000: listHead,
}

func (fakeExtractor) ProcessList() (guestos.ProcessList, error) {
	return guestos.ProcessList{Head: listHead}, nil
}

func (fakeExtractor) NextEntry(entry uint64) (uint64, error) {
	next, ok := guestLinks[entry]
	if !ok {
		return 0, errors.New("unmapped list entry")
	}
	return next, nil
}

func (fakeExtractor) Extract(base uint64) (*guestos.ProcessInformation, error) {
	p, ok := guestProcesses[base]
	if !ok {
		return nil, errors.New("not a process")
	}
	return &p, nil
}

func (fakeExtractor) ExitPending(base uint64) (bool, error) { return true, nil }

func (fakeExtractor) SystemPid() uint32 { return 4 }

// hookEvents installs a single global breakpoint on hookVA.
type hookEvents struct {
	processes   *guestos.Supervisor
	breakpoints guestos.Breakpoints
	onHook      interrupt.Callback
	bp          *interrupt.Breakpoint
	teardowns   int
}

func (e *hookEvents) Initialize() error {
	if err := e.processes.Initialize(); err != nil {
		return err
	}
	if err := e.breakpoints.Initialize(); err != nil {
		return err
	}
	var err error
	e.bp, err = e.breakpoints.CreateBreakpoint(hookVA, sysDTB, e.onHook, true)
	return err
}

func (e *hookEvents) Teardown() error {
	e.teardowns++
	return guestos.RemoveAll(e.bp)
}

type recordingSink struct {
	types []eventstream.EventType
}

func (r *recordingSink) Publish(ev eventstream.Event) error {
	r.types = append(r.types, ev.Type)
	return nil
}

func (r *recordingSink) Close() error { return nil }

func (r *recordingSink) count(typ eventstream.EventType) int {
	n := 0
	for _, t := range r.types {
		if t == typ {
			n++
		}
	}
	return n
}

type shutdownCounter struct {
	shutdowns int
}

func (m *shutdownCounter) Init(host plugins.Host, conf config.PluginConfig, args []string) error {
	host.OnShutdown(func() { m.shutdowns++ })
	return nil
}

var hubPlugin = &shutdownCounter{}

func init() {
	plugins.Register("hub-test", plugins.Details{APIVersion: plugins.APIVersion, Name: "hub-test", Version: "1"},
		func() plugins.Module { return hubPlugin })
}

type fixture struct {
	guest  *vmitest.Guest
	hub    *Hub
	hooks  *hookEvents
	events *recordingSink
}

func newFixture(t *testing.T, rules string, onHook func(h *Hub) interrupt.Callback) *fixture {
	hubPlugin.shutdowns = 0
	g := vmitest.New(1)
	g.Map(sysDTB, hookVA, hookPA)
	g.WritePhys(hookPA, []byte{origByte})

	conf := &config.Config{ResultsDirectory: t.TempDir()}
	conf.VM.OS = config.OSWindows
	conf.PluginSystem.Plugins = map[string]config.PluginConfig{"hub-test": {}}
	conf.Detection.RulesDirectory = rules

	rec := &recordingSink{}
	h := New(conf, g, eventstream.NewPublisher(rec))
	f := &fixture{guest: g, hub: h, events: rec}
	h.openKernel = func(*config.Config, vmi.Introspection) (*kernel, error) {
		return &kernel{
			extractor: fakeExtractor{},
			systemEvents: func(processes *guestos.Supervisor, breakpoints guestos.Breakpoints, _ guestos.RunControl,
				_ eventstream.Stream, _ *plugins.System) guestos.SystemEvents {
				f.hooks = &hookEvents{processes: processes, breakpoints: breakpoints, onHook: onHook(h)}
				return f.hooks
			},
		}, nil
	}
	return f
}

func stopWith(code int, skip bool) func(h *Hub) interrupt.Callback {
	return func(h *Hub) interrupt.Callback {
		return func(*interrupt.Event) (interrupt.Response, error) {
			if skip {
				h.SkipPostRunAction()
			}
			h.Stop(code)
			return interrupt.Continue, nil
		}
	}
}

func (f *fixture) checkTornDown(t *testing.T) {
	t.Helper()
	if f.hooks.teardowns != 1 {
		t.Fatalf("expected system events to be torn down once; but was <%d>", f.hooks.teardowns)
	}
	if b := f.guest.Byte(hookPA); b != origByte {
		t.Fatalf("expected original byte <%#x> at hook; but was <%#x>", origByte, b)
	}
	if f.guest.HasInterruptHandler() || f.guest.HasContextSwitchHandler() {
		t.Fatalf("expected hypervisor handlers to be cleared")
	}
	if f.guest.PauseDepth() != 0 {
		t.Fatalf("expected the VM to be running; but pause depth was <%d>", f.guest.PauseDepth())
	}
}

func TestRunStoppedFromBreakpoint(t *testing.T) {
	f := newFixture(t, "", stopWith(130, false))
	f.guest.QueueInterrupt(0, hookVA, sysDTB)

	code, err := f.hub.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 130 {
		t.Fatalf("expected exit code <130>; but was <%d>", code)
	}
	if hubPlugin.shutdowns != 1 {
		t.Fatalf("expected plugins to be shut down once; but was <%d>", hubPlugin.shutdowns)
	}
	if f.events.count(eventstream.EventReady) != 1 {
		t.Fatalf("expected a ready event; but events were <%v>", f.events.types)
	}
	f.checkTornDown(t)
}

func TestRunSkipPostRunAction(t *testing.T) {
	f := newFixture(t, "", stopWith(0, true))
	f.guest.QueueInterrupt(0, hookVA, sysDTB)

	code, err := f.hub.Run(context.Background(), nil)
	if err != nil || code != 0 {
		t.Fatalf("expected exit code <0> without error; but was <%d> (%v)", code, err)
	}
	if hubPlugin.shutdowns != 0 {
		t.Fatalf("expected the post run action to be skipped; but plugins were shut down <%d> times", hubPlugin.shutdowns)
	}
	f.checkTornDown(t)
}

func TestRunListenError(t *testing.T) {
	f := newFixture(t, "", stopWith(0, false))
	f.guest.SetListenError(errors.New("introspection socket closed"))

	code, err := f.hub.Run(context.Background(), nil)
	if err != nil || code != 1 {
		t.Fatalf("expected exit code <1> without error; but was <%d> (%v)", code, err)
	}
	if f.events.count(eventstream.EventError) != 1 {
		t.Fatalf("expected one error event; but events were <%v>", f.events.types)
	}
	if hubPlugin.shutdowns != 1 {
		t.Fatalf("expected plugins to be shut down once; but was <%d>", hubPlugin.shutdowns)
	}
	f.checkTornDown(t)
}

func TestRunVMUnresponsive(t *testing.T) {
	f := newFixture(t, "", stopWith(0, false))
	f.guest.Queue(func() error {
		f.guest.Kill()
		return nil
	})

	code, _ := f.hub.Run(context.Background(), nil)
	if code != 1 {
		t.Fatalf("expected exit code <1>; but was <%d>", code)
	}
	if f.events.count(eventstream.EventError) != 1 {
		t.Fatalf("expected one error event; but events were <%v>", f.events.types)
	}
	if hubPlugin.shutdowns != 1 {
		t.Fatalf("expected plugins to be shut down once; but was <%d>", hubPlugin.shutdowns)
	}
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t, "", stopWith(0, false))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code, err := f.hub.Run(ctx, nil)
	if err != nil || code != 0 {
		t.Fatalf("expected exit code <0> without error; but was <%d> (%v)", code, err)
	}
	f.checkTornDown(t)
}

func TestRunSetupFailure(t *testing.T) {
	f := newFixture(t, "", stopWith(0, false))
	f.hub.conf.PluginSystem.Plugins["missing-plugin"] = config.PluginConfig{}

	code, err := f.hub.Run(context.Background(), nil)
	var pe *plugins.PluginError
	if !errors.As(err, &pe) || pe.Plugin != "missing-plugin" {
		t.Fatalf("expected a PluginError for missing-plugin; but was <%v>", err)
	}
	if code != 1 {
		t.Fatalf("expected exit code <1>; but was <%d>", code)
	}
	if f.events.count(eventstream.EventReady) != 0 {
		t.Fatalf("expected no ready event; but events were <%v>", f.events.types)
	}
	f.checkTornDown(t)
}

func TestRunDetection(t *testing.T) {
	rules := t.TempDir()
	rule := `title: Netcat Execution
id: 0d8a1b6e-5c3f-4f6b-9d7e-3a1c2b4d5e60
level: high
logsource:
  category: process_creation
detection:
  selection:
    Image|endswith: '/nc'
  condition: selection
`
	if err := os.WriteFile(filepath.Join(rules, "netcat.yml"), []byte(rule), 0o644); err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, rules, stopWith(0, false))
	f.guest.QueueInterrupt(0, hookVA, sysDTB)

	if _, err := f.hub.Run(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.events.count(eventstream.EventInMemDetection) != 1 {
		t.Fatalf("expected one detection event; but events were <%v>", f.events.types)
	}
}

func TestStopKeepsFirstExitCode(t *testing.T) {
	h := New(&config.Config{}, nil, eventstream.NewPublisher())
	h.Stop(143)
	h.Stop(1)
	if !h.Stopped() || h.exitCode.Load() != 143 {
		t.Fatalf("expected exit code <143>; but was <%d>", h.exitCode.Load())
	}
}

func TestOpenKernelUnknownOS(t *testing.T) {
	conf := &config.Config{}
	conf.VM.OS = "plan9"
	conf.VM.OffsetsFile = filepath.Join(t.TempDir(), "missing.json")
	if _, err := openKernel(conf, nil); err == nil {
		t.Fatalf("expected an error")
	}
}
