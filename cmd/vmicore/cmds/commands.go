package cmds

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	sys "golang.org/x/sys/unix"

	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/config"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/eventstream"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/guestos"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/hub"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/logflags"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/version"
	"github.com/GDATASoftwareAG/smartvmi-sub000/pkg/vmi"
)

const translationCacheSize = 4096

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configPath is the vmicore configuration file.
	configPath string
	// resultsDir overrides results_directory from the configuration.
	resultsDir string
	// vmName overrides vm.name from the configuration.
	vmName string
	// socket overrides vm.socket from the configuration.
	socket string
	// pluginArgs holds "name: arguments" values handed to plugins.
	pluginArgs []string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command
)

const vmicoreCommandLongDesc = `vmicore is a virtual machine introspection engine.

It attaches to a running guest through a hypervisor introspection backend,
keeps track of the guest's processes and hands breakpoints, memory access
and process notifications to plugins. Telemetry is published as events.`

const logCommandLongDesc = `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:

	interrupt	Log breakpoint patching and trap dispatch
	singlestep	Log single step re-arming
	guard		Log page guards
	process		Log process creation and termination
	sysevent	Log the guest OS hooks
	plugins		Log plugin loading and callbacks
	vmi		Log calls into the introspection backend
	eventstream	Log published events
	hub		Log the event loop (default)
	detection	Log rule loading and matching

Components not selected log at the level set by log_level in the
configuration file.

Additionally --log-dest can be used to specify where the logs should be
written. If the argument is a number it will be interpreted as a file
descriptor, otherwise as a file path.`

// New returns an initialized command tree.
func New() *cobra.Command {
	rootCommand = &cobra.Command{
		Use:          "vmicore",
		Short:        "vmicore is a virtual machine introspection engine.",
		Long:         vmicoreCommandLongDesc,
		SilenceUsage: true,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debug logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'vmicore help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'vmicore help log').")
	rootCommand.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/vmicore/vmicore.yaml", "Path of the configuration file.")

	// 'run' subcommand.
	runCommand := &cobra.Command{
		Use:   "run",
		Short: "Attach to the configured guest and start introspecting.",
		Long: `Attach to the configured guest and start introspecting.

The run ends when the guest dies, crashes or vmicore receives SIGINT or
SIGTERM. In the last case the exit code is 128 plus the signal number.

Plugin arguments are passed as "name: arguments" and split like a shell
would, for example:

	vmicore run --plugin-args "apitracing: -c '/etc/my tracing.yaml'"

Plugins without arguments receive their name as the only argument.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(execute(cmd.Flags()))
		},
	}
	runCommand.Flags().StringVarP(&vmName, "vm-name", "n", "", "Name of the guest, overrides vm.name.")
	runCommand.Flags().StringVarP(&socket, "socket", "s", "", "Introspection socket, overrides vm.socket.")
	runCommand.Flags().StringVarP(&resultsDir, "results-dir", "r", "", "Results directory, overrides results_directory.")
	runCommand.Flags().StringArrayVarP(&pluginArgs, "plugin-args", "p", nil, `Arguments for a plugin as "name: arguments", may be repeated.`)
	rootCommand.AddCommand(runCommand)

	// 'check' subcommand.
	checkCommand := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and the kernel profile.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return check(cmd)
		},
	}
	checkCommand.Flags().StringVarP(&vmName, "vm-name", "n", "", "Name of the guest, overrides vm.name.")
	rootCommand.AddCommand(checkCommand)

	// 'config' subcommand.
	configCommand := &cobra.Command{
		Use:   "config [path]",
		Short: "Write a default configuration file.",
		Long: `Write a commented default configuration to path, or to stdout when no
path is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return config.WriteDefaultConfig(cmd.OutOrStdout())
			}
			f, err := os.OpenFile(args[0], os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
			if err != nil {
				return err
			}
			defer f.Close()
			return config.WriteDefaultConfig(f)
		},
	}
	rootCommand.AddCommand(configCommand)

	// 'version' subcommand.
	var versionVerbose = false
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vmicore\n%s\n", version.VmiCoreVersion)
			if versionVerbose {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&versionVerbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long:  logCommandLongDesc,
	})

	return rootCommand
}

// loadConfig reads the configuration file and applies the overrides set on
// the command line.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	overrides := []struct {
		flag  string
		value string
		field *string
	}{
		{"vm-name", vmName, &conf.VM.Name},
		{"socket", socket, &conf.VM.Socket},
		{"results-dir", resultsDir, &conf.ResultsDirectory},
	}
	for _, o := range overrides {
		if flags.Lookup(o.flag) != nil && flags.Changed(o.flag) {
			*o.field = o.value
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// pluginArgv parses the --plugin-args values into an argument vector per
// plugin. Like an argv, the vector starts with the plugin name.
func pluginArgv(values []string) (map[string][]string, error) {
	args, err := config.ParsePluginArgs(values)
	if err != nil {
		return nil, err
	}
	for name, a := range args {
		args[name] = append([]string{name}, a...)
	}
	return args, nil
}

func check(cmd *cobra.Command) error {
	conf, err := loadConfig(cmd.Flags())
	if err != nil {
		if errors.Is(err, config.ErrNoVMName) {
			return fmt.Errorf("%w, set vm.name or pass --vm-name", err)
		}
		return err
	}
	if _, err := guestos.LoadProfile(conf.VM.OffsetsFile); err != nil {
		return err
	}
	available := vmi.Backends()
	found := false
	for _, name := range available {
		if name == conf.VM.Backend {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("backend %q is not compiled in (available: %v)", conf.VM.Backend, available)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "configuration of %s (%s, %s backend) is valid\n", conf.VM.Name, conf.VM.OS, conf.VM.Backend)
	return nil
}

// openEventStream builds the publisher for the configured sinks. Events are
// always logged.
func openEventStream(ctx context.Context, conf *config.Config) (*eventstream.Publisher, error) {
	publisher := eventstream.NewPublisher(eventstream.NewLogSink())
	if url := conf.EventStream.WebsocketURL; url != "" {
		ws := eventstream.NewWebsocketSink(url)
		ws.Start(ctx)
		publisher.AddSink(ws)
	}
	if conf.EventStream.SQLite {
		rec, err := eventstream.OpenSQLiteRecorder(conf.ResultsPath("events.db"))
		if err != nil {
			publisher.Close()
			return nil, err
		}
		publisher.AddSink(rec)
	}
	return publisher, nil
}

// stopOnSignal stops h when SIGINT or SIGTERM is received.
func stopOnSignal(ctx context.Context, h *hub.Hub) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sys.SIGINT, sys.SIGTERM)
	go func() {
		defer signal.Stop(ch)
		select {
		case <-ctx.Done():
		case s := <-ch:
			signo := 0
			if ss, ok := s.(sys.Signal); ok {
				signo = int(ss)
			}
			logflags.HubLogger().Infof("received %v, stopping", s)
			h.Stop(128 + signo)
		}
	}()
}

func execute(flags *pflag.FlagSet) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	conf, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if err := logflags.SetLevel(conf.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	args, err := pluginArgv(pluginArgs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if err := os.MkdirAll(conf.ResultsDirectory, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "could not create results directory: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher, err := openEventStream(ctx, conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer publisher.Close()

	backend, err := vmi.Open(conf.VM.Backend, vmi.Options{
		Name:        conf.VM.Name,
		Socket:      conf.VM.Socket,
		ProfilePath: conf.VM.OffsetsFile,
	})
	if err != nil {
		publisher.SendErrorEvent(err.Error())
		fmt.Fprintf(os.Stderr, "could not attach to %s: %v\n", conf.VM.Name, err)
		return 1
	}
	defer backend.Close()
	v, err := vmi.NewCachingIntrospection(backend, translationCacheSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	h := hub.New(conf, v, publisher)
	stopOnSignal(ctx, h)
	code, err := h.Run(ctx, args)
	if err != nil {
		logflags.HubLogger().WithError(err).Error("run failed")
	}
	return code
}
