package config

import (
	"reflect"
	"testing"
)

const testTracingConfig = `
profiles:
  default:
    trace_children: true
    traced_modules:
      ntdll.dll:
        - function1
  calc:
    trace_children: true
    traced_modules:
      ntdll.dll:
        - function1
        - function2
      kernel32.dll:
        - kernelfunction1
        - kernelfunction2
traced_processes:
  calc.exe:
    profile: calc
  notepad.exe:
  SearchProtocolHost.exe:
`

func TestParseTracingTargets(t *testing.T) {
	tt, err := ParseTracingTargets([]byte(testTracingConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calc := ProcessTracingConfig{
		Name: "calc.exe",
		Profile: TracingProfile{
			Name:          "calc",
			TraceChildren: true,
			Modules: []ModuleInformation{
				{Name: "ntdll.dll", Functions: []string{"function1", "function2"}},
				{Name: "kernel32.dll", Functions: []string{"kernelfunction1", "kernelfunction2"}},
			},
		},
	}
	notepad := ProcessTracingConfig{
		Name: "notepad.exe",
		Profile: TracingProfile{
			Name:          "default",
			TraceChildren: true,
			Modules:       []ModuleInformation{{Name: "ntdll.dll", Functions: []string{"function1"}}},
		},
	}

	targets := tt.Targets()
	if len(targets) != 3 {
		t.Fatalf("expected 3 targets; got %d", len(targets))
	}
	if !reflect.DeepEqual(targets[0], calc) {
		t.Fatalf("expected %#v; got %#v", calc, targets[0])
	}
	if !reflect.DeepEqual(targets[1], notepad) {
		t.Fatalf("expected %#v; got %#v", notepad, targets[1])
	}
}

func TestTracingTargetsLookup(t *testing.T) {
	tt, err := ParseTracingTargets([]byte(testTracingConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ptc, ok := tt.Lookup("CALC.EXE"); !ok || ptc.Profile.Name != "calc" {
		t.Fatalf("expected case-insensitive match for calc.exe; got %#v %v", ptc, ok)
	}
	// ImageFileName keeps 15 characters.
	if ptc, ok := tt.Lookup("SearchProtocolH"); !ok || ptc.Name != "SearchProtocolHost.exe" {
		t.Fatalf("expected truncated name to match; got %#v %v", ptc, ok)
	}
	if _, ok := tt.Lookup("calc"); ok {
		t.Fatalf("short prefixes must not match")
	}
	if _, ok := tt.Lookup("explorer.exe"); ok {
		t.Fatalf("unexpected match for explorer.exe")
	}

	if err := tt.AddTarget("child.exe"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ptc, ok := tt.Lookup("child.exe"); !ok || ptc.Profile.Name != DefaultProfile {
		t.Fatalf("expected child.exe with default profile; got %#v %v", ptc, ok)
	}
}

func TestParseTracingTargetsUnknownProfile(t *testing.T) {
	_, err := ParseTracingTargets([]byte("traced_processes:\n  a.exe:\n    profile: missing\n"))
	if err == nil {
		t.Fatalf("expected an error for an unknown profile")
	}
	tt, err := ParseTracingTargets([]byte("profiles:\n  p:\n    trace_children: false\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tt.AddTarget("x.exe"); err == nil {
		t.Fatalf("expected an error without a default profile")
	}
}
