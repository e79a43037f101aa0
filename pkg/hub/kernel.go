package hub

import (
	"fmt"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/config"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/eventstream"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/guestos"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/guestos/linux"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/guestos/windows"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/plugins"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi"
)

// kernel bundles the guest OS specific parts of a run.
type kernel struct {
	extractor guestos.Extractor
	// systemEvents builds the hooks keeping processes up to date.
	systemEvents func(processes *guestos.Supervisor, breakpoints guestos.Breakpoints, run guestos.RunControl,
		events eventstream.Stream, ps *plugins.System) guestos.SystemEvents
}

type kernelFactory func(conf *config.Config, v vmi.Introspection) (*kernel, error)

// openKernel loads the kernel profile and selects the extractor and system
// event hooks for the configured guest OS.
func openKernel(conf *config.Config, v vmi.Introspection) (*kernel, error) {
	profile, err := guestos.LoadProfile(conf.VM.OffsetsFile)
	if err != nil {
		return nil, err
	}
	switch conf.VM.OS {
	case config.OSWindows:
		x, err := windows.NewExtractor(v, profile)
		if err != nil {
			return nil, err
		}
		return &kernel{
			extractor: x,
			systemEvents: func(processes *guestos.Supervisor, breakpoints guestos.Breakpoints, run guestos.RunControl,
				events eventstream.Stream, ps *plugins.System) guestos.SystemEvents {
				return windows.NewSystemEventSupervisor(v, processes, breakpoints, events, run, ps)
			},
		}, nil
	case config.OSLinux:
		x, err := linux.NewExtractor(v, profile)
		if err != nil {
			return nil, err
		}
		return &kernel{
			extractor: x,
			systemEvents: func(processes *guestos.Supervisor, breakpoints guestos.Breakpoints, _ guestos.RunControl,
				_ eventstream.Stream, _ *plugins.System) guestos.SystemEvents {
				return linux.NewSystemEventSupervisor(v, processes, breakpoints)
			},
		}, nil
	default:
		return nil, fmt.Errorf("unknown operating system %q", conf.VM.OS)
	}
}
