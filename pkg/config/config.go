package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

const (
	defaultResultsDirectory = "results"
	defaultLogLevel         = "info"
	defaultBackend          = "libvmi"
	defaultPluginDirectory  = "/usr/local/lib/vmicore/plugins"
)

// Supported guest operating systems.
const (
	OSWindows = "windows"
	OSLinux   = "linux"
)

// ErrNoVMName is returned by Validate when no VM was named either in the
// config file or on the command line.
var ErrNoVMName = errors.New("no vm name configured")

// Config defines all configuration options available to be set through the
// config file.
type Config struct {
	// Directory that receives plugin output files and the event database.
	ResultsDirectory string `yaml:"results_directory"`
	// Level used by loggers whose layer was not enabled with --log-output.
	LogLevel string `yaml:"log_level"`

	VM           VMConfig           `yaml:"vm"`
	PluginSystem PluginSystemConfig `yaml:"plugin_system"`
	EventStream  EventStreamConfig  `yaml:"event_stream"`
	Detection    DetectionConfig    `yaml:"detection"`
}

// VMConfig describes the introspected guest.
type VMConfig struct {
	Name string `yaml:"name"`
	// Socket of the KVMi introspection channel. Unused for Xen.
	Socket string `yaml:"socket,omitempty"`
	// Kernel profile (JSON, ISF layout) providing struct offsets and symbols.
	OffsetsFile string `yaml:"offsets_file"`
	// Introspection backend name, as registered with vmi.RegisterBackend.
	Backend string `yaml:"backend,omitempty"`
	// Guest operating system, either "windows" or "linux".
	OS string `yaml:"os,omitempty"`
}

// PluginSystemConfig lists the plugins to load and where to find them.
type PluginSystemConfig struct {
	Directory string                  `yaml:"directory"`
	Plugins   map[string]PluginConfig `yaml:"plugins"`
}

// EventStreamConfig selects the sinks telemetry events are sent to. Events
// are always logged.
type EventStreamConfig struct {
	WebsocketURL string `yaml:"websocket_url,omitempty"`
	// Record events into <results_directory>/events.db.
	SQLite bool `yaml:"sqlite"`
}

// DetectionConfig enables Sigma rule matching on guest processes.
type DetectionConfig struct {
	// Directory of Sigma rule files (*.yml, *.yaml). Detection is disabled
	// when empty. Changes are picked up while running.
	RulesDirectory string `yaml:"rules_directory,omitempty"`
}

// LoadConfig reads and parses the config file at path.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML configuration and fills in defaults for every
// optional field.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unable to decode config file: %w", err)
	}
	c.setDefaults()
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.ResultsDirectory == "" {
		c.ResultsDirectory = defaultResultsDirectory
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.VM.Backend == "" {
		c.VM.Backend = defaultBackend
	}
	if c.VM.OS == "" {
		c.VM.OS = OSWindows
	}
	if c.PluginSystem.Directory == "" {
		c.PluginSystem.Directory = defaultPluginDirectory
	}
	if c.PluginSystem.Plugins == nil {
		c.PluginSystem.Plugins = map[string]PluginConfig{}
	}
}

// Validate checks the fields a run cannot do without. It is called after
// command line overrides have been applied.
func (c *Config) Validate() error {
	if c.VM.Name == "" {
		return ErrNoVMName
	}
	if c.VM.OffsetsFile == "" {
		return errors.New("no kernel offsets file configured")
	}
	switch c.VM.OS {
	case OSWindows, OSLinux:
	default:
		return fmt.Errorf("unsupported guest operating system %q", c.VM.OS)
	}
	return nil
}

// ResultsPath returns the path of file inside the results directory.
func (c *Config) ResultsPath(file string) string {
	return filepath.Join(c.ResultsDirectory, file)
}

// SaveConfig will marshal and save the config struct to path.
func SaveConfig(conf *Config, path string) error {
	out, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

// WriteDefaultConfig writes a commented configuration template to w.
func WriteDefaultConfig(w io.Writer) error {
	_, err := io.WriteString(w,
		`# Configuration file for vmicore.

# Plugin output files and the event database are written here.
results_directory: results

# One of trace, debug, info, warning, error.
log_level: info

vm:
  name: win10
  # KVMi socket, only needed by the kvm flavour of libvmi.
  # socket: /tmp/introspector
  offsets_file: /etc/vmicore/win10.json
  # backend: libvmi
  # os: windows

plugin_system:
  directory: /usr/local/lib/vmicore/plugins
  plugins:
    # apitracing:
    #   config_path: /etc/vmicore/tracing.yaml

event_stream:
  # websocket_url: ws://localhost:8080/events
  sqlite: false

detection:
  # Sigma rules matched against every guest process.
  # rules_directory: /etc/vmicore/rules
`)
	return err
}
