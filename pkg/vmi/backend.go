package vmi

import (
	"fmt"
	"sort"
	"sync"
)

// Options configures a backend.
type Options struct {
	// Name of the guest domain.
	Name string
	// Socket of the introspection channel, empty for backends that do not
	// need one.
	Socket string
	// ProfilePath points to the kernel profile used for symbol resolution.
	ProfilePath string
}

// BackendFactory connects to a guest.
type BackendFactory func(Options) (Introspection, error)

var (
	backendsMu sync.Mutex
	backends   = map[string]BackendFactory{}
)

// RegisterBackend makes a backend available by name. It is meant to be
// called from init functions and panics on duplicates.
func RegisterBackend(name string, f BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, dup := backends[name]; dup {
		panic("vmi: RegisterBackend called twice for " + name)
	}
	backends[name] = f
}

// Backends returns the names of all registered backends.
func Backends() []string {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open connects to a guest with the named backend.
func Open(backend string, opts Options) (Introspection, error) {
	backendsMu.Lock()
	f, ok := backends[backend]
	backendsMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown introspection backend %q (available: %v)", backend, Backends())
	}
	return f(opts)
}
