package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/derekparker/trie"
	"gopkg.in/yaml.v2"
)

// DefaultProfile is used for traced processes that do not name a profile.
const DefaultProfile = "default"

// imageNameLength is the length Windows truncates EPROCESS.ImageFileName to.
const imageNameLength = 15

// ModuleInformation names the functions to hook inside one module.
type ModuleInformation struct {
	Name      string
	Functions []string
}

// TracingProfile is a named set of modules and functions to hook.
type TracingProfile struct {
	Name          string
	TraceChildren bool
	Modules       []ModuleInformation
}

// ProcessTracingConfig binds a process image name to a profile.
type ProcessTracingConfig struct {
	Name    string
	Profile TracingProfile
}

// TracingTargets is the parsed content of a tracing configuration file:
//
//	profiles:
//	  default:
//	    trace_children: true
//	    traced_modules:
//	      ntdll.dll: [NtCreateFile]
//	traced_processes:
//	  calc.exe:
//	    profile: calc
//	  notepad.exe:
//
// It is immutable after parsing except for AddTarget.
type TracingTargets struct {
	profiles map[string]TracingProfile
	targets  []ProcessTracingConfig
	names    *trie.Trie
}

type rawProfile struct {
	TraceChildren bool          `yaml:"trace_children"`
	TracedModules yaml.MapSlice `yaml:"traced_modules"`
}

type rawTracingConfig struct {
	Profiles        map[string]rawProfile `yaml:"profiles"`
	TracedProcesses yaml.MapSlice         `yaml:"traced_processes"`
}

// LoadTracingTargets reads and parses the tracing configuration at path.
func LoadTracingTargets(path string) (*TracingTargets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read tracing configuration: %w", err)
	}
	return ParseTracingTargets(data)
}

// ParseTracingTargets parses a tracing configuration.
func ParseTracingTargets(data []byte) (*TracingTargets, error) {
	var raw rawTracingConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unable to decode tracing configuration: %w", err)
	}

	tt := &TracingTargets{profiles: map[string]TracingProfile{}, names: trie.New()}
	for name, rp := range raw.Profiles {
		p, err := parseProfile(name, rp)
		if err != nil {
			return nil, err
		}
		tt.profiles[name] = p
	}

	for _, item := range raw.TracedProcesses {
		name, ok := item.Key.(string)
		if !ok {
			return nil, fmt.Errorf("traced process name %v is not a string", item.Key)
		}
		profileName := DefaultProfile
		if attrs, ok := item.Value.(yaml.MapSlice); ok {
			for _, attr := range attrs {
				if attr.Key == "profile" {
					profileName = fmt.Sprint(attr.Value)
				}
			}
		}
		profile, ok := tt.profiles[profileName]
		if !ok {
			return nil, fmt.Errorf("traced process %s: unknown profile %q", name, profileName)
		}
		tt.add(name, profile)
	}
	return tt, nil
}

func parseProfile(name string, rp rawProfile) (TracingProfile, error) {
	p := TracingProfile{Name: name, TraceChildren: rp.TraceChildren}
	for _, item := range rp.TracedModules {
		module, ok := item.Key.(string)
		if !ok {
			return TracingProfile{}, fmt.Errorf("profile %s: module name %v is not a string", name, item.Key)
		}
		mi := ModuleInformation{Name: module}
		functions, _ := item.Value.([]interface{})
		for _, fn := range functions {
			mi.Functions = append(mi.Functions, fmt.Sprint(fn))
		}
		p.Modules = append(p.Modules, mi)
	}
	return p, nil
}

func (tt *TracingTargets) add(name string, profile TracingProfile) {
	ptc := ProcessTracingConfig{Name: name, Profile: profile}
	tt.targets = append(tt.targets, ptc)
	tt.names.Add(strings.ToLower(name), ptc)
}

// Targets returns every configured process in file order.
func (tt *TracingTargets) Targets() []ProcessTracingConfig {
	return tt.targets
}

// Profile returns the profile called name.
func (tt *TracingTargets) Profile(name string) (TracingProfile, bool) {
	p, ok := tt.profiles[name]
	return p, ok
}

// AddTarget starts tracing the process image name with the default profile,
// used for children of traced processes.
func (tt *TracingTargets) AddTarget(name string) error {
	p, ok := tt.profiles[DefaultProfile]
	if !ok {
		return fmt.Errorf("no %s profile configured", DefaultProfile)
	}
	tt.add(name, p)
	return nil
}

// Lookup finds the tracing configuration for a process image name, matched
// case-insensitively. Names of exactly 15 characters may have been truncated
// by the guest kernel and also match the shortest configured name they are a
// prefix of.
func (tt *TracingTargets) Lookup(imageName string) (ProcessTracingConfig, bool) {
	key := strings.ToLower(imageName)
	if n, ok := tt.names.Find(key); ok {
		return n.Meta().(ProcessTracingConfig), true
	}
	if len(key) != imageNameLength {
		return ProcessTracingConfig{}, false
	}
	matches := tt.names.PrefixSearch(key)
	if len(matches) == 0 {
		return ProcessTracingConfig{}, false
	}
	sort.Slice(matches, func(i, j int) bool {
		if len(matches[i]) != len(matches[j]) {
			return len(matches[i]) < len(matches[j])
		}
		return matches[i] < matches[j]
	})
	n, ok := tt.names.Find(matches[0])
	if !ok {
		return ProcessTracingConfig{}, false
	}
	return n.Meta().(ProcessTracingConfig), true
}
