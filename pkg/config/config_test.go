package config

import (
	"bytes"
	"errors"
	"io/fs"
	"path/filepath"
	"reflect"
	"testing"
)

const testConfig = `
results_directory: /tmp/results
log_level: debug
vm:
  name: win10-analysis
  socket: /tmp/introspector
  offsets_file: /etc/vmicore/win10.json
plugin_system:
  directory: /opt/plugins
  plugins:
    apitracing:
      config_path: /etc/vmicore/tracing.yaml
      trace_children: true
      modules: [ntdll.dll, kernel32.dll]
    inmemoryscanning:
event_stream:
  websocket_url: ws://localhost:9000/events
  sqlite: true
detection:
  rules_directory: /etc/vmicore/rules
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(testConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ResultsDirectory != "/tmp/results" || c.LogLevel != "debug" {
		t.Fatalf("unexpected top level fields: %#v", c)
	}
	if c.VM.Name != "win10-analysis" || c.VM.Socket != "/tmp/introspector" || c.VM.OffsetsFile != "/etc/vmicore/win10.json" {
		t.Fatalf("unexpected vm section: %#v", c.VM)
	}
	if c.VM.Backend != defaultBackend || c.VM.OS != OSWindows {
		t.Fatalf("expected defaults for backend and os; got %#v", c.VM)
	}
	if !c.EventStream.SQLite || c.EventStream.WebsocketURL != "ws://localhost:9000/events" {
		t.Fatalf("unexpected event_stream section: %#v", c.EventStream)
	}
	if c.Detection.RulesDirectory != "/etc/vmicore/rules" {
		t.Fatalf("unexpected detection section: %#v", c.Detection)
	}
	if len(c.PluginSystem.Plugins) != 2 {
		t.Fatalf("expected 2 plugins; got %d", len(c.PluginSystem.Plugins))
	}

	pc := c.PluginSystem.Plugins["apitracing"]
	if path, ok := pc.String("config_path"); !ok || path != "/etc/vmicore/tracing.yaml" {
		t.Fatalf("expected config_path; got %q %v", path, ok)
	}
	if tc, ok := pc.Bool("trace_children"); !ok || !tc {
		t.Fatalf("expected trace_children to be true")
	}
	if mods, ok := pc.Strings("modules"); !ok || !reflect.DeepEqual(mods, []string{"ntdll.dll", "kernel32.dll"}) {
		t.Fatalf("unexpected modules %v", mods)
	}
	if _, ok := pc.String("missing"); ok {
		t.Fatalf("expected missing key to be absent")
	}
	if !c.PluginSystem.Plugins["inmemoryscanning"].Empty() {
		t.Fatalf("expected inmemoryscanning config to be empty")
	}

	var decoded struct {
		ConfigPath string   `yaml:"config_path"`
		Modules    []string `yaml:"modules"`
	}
	if err := pc.Decode(&decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded.ConfigPath != "/etc/vmicore/tracing.yaml" || len(decoded.Modules) != 2 {
		t.Fatalf("unexpected decoded plugin config %#v", decoded)
	}
}

func TestParseDefaults(t *testing.T) {
	c, err := Parse([]byte("vm:\n  name: vm1\n  offsets_file: offsets.json\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ResultsDirectory != defaultResultsDirectory || c.LogLevel != defaultLogLevel || c.PluginSystem.Directory != defaultPluginDirectory {
		t.Fatalf("defaults not applied: %#v", c)
	}
	if c.PluginSystem.Plugins == nil {
		t.Fatalf("expected an empty plugin map")
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := c.ResultsPath("events.db"); got != filepath.Join("results", "events.db") {
		t.Fatalf("unexpected results path %q", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		vm      VMConfig
		wantErr bool
	}{
		{"valid windows", VMConfig{Name: "a", OffsetsFile: "o", OS: OSWindows}, false},
		{"valid linux", VMConfig{Name: "a", OffsetsFile: "o", OS: OSLinux}, false},
		{"no name", VMConfig{OffsetsFile: "o", OS: OSWindows}, true},
		{"no offsets", VMConfig{Name: "a", OS: OSWindows}, true},
		{"unknown os", VMConfig{Name: "a", OffsetsFile: "o", OS: "plan9"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{VM: tt.vm}
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error %v; got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefaultConfigRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteDefaultConfig(&buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("default config does not parse: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("default config does not validate: %v", err)
	}

	path := filepath.Join(t.TempDir(), "vmicore.yml")
	if err := SaveConfig(c, path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.VM != c.VM || loaded.ResultsDirectory != c.ResultsDirectory {
		t.Fatalf("expected <%#v>; but was <%#v>", c, loaded)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected a not-exist error; got %v", err)
	}
}
