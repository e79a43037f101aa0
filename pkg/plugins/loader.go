package plugins

import (
	"fmt"
	"path/filepath"
	"plugin"
)

// Symbols looked up in plugin shared objects.
const (
	DetailsSymbol = "VmiPluginDetails"
	ModuleSymbol  = "VmiPluginModule"
)

// symbolTable is the part of *plugin.Plugin the loader uses.
type symbolTable interface {
	Lookup(name string) (plugin.Symbol, error)
}

type openFunc func(path string) (symbolTable, error)

func openPlugin(path string) (symbolTable, error) {
	return plugin.Open(path)
}

// PluginError is returned when a plugin cannot be loaded or initialized.
type PluginError struct {
	Plugin string
	Err    error
}

func (pe *PluginError) Error() string {
	return fmt.Sprintf("plugin %s: %v", pe.Plugin, pe.Err)
}

func (pe *PluginError) Unwrap() error {
	return pe.Err
}

// pluginPath returns the shared object for name inside dir.
func pluginPath(dir, name string) string {
	if filepath.Ext(name) != ".so" {
		name += ".so"
	}
	return filepath.Join(dir, name)
}

// resolve finds the module for name, first among the compiled-in plugins,
// then as a shared object in dir.
func resolve(open openFunc, dir, name string) (Details, Module, error) {
	if r, ok := lookupRegistered(name); ok {
		return r.details, r.newModule(), nil
	}

	path := pluginPath(dir, name)
	lib, err := open(path)
	if err != nil {
		return Details{}, nil, fmt.Errorf("unable to load library %s: %w", path, err)
	}
	sym, err := lib.Lookup(DetailsSymbol)
	if err != nil {
		return Details{}, nil, fmt.Errorf("unable to retrieve symbol %s: %w", DetailsSymbol, err)
	}
	details, ok := sym.(*Details)
	if !ok {
		return Details{}, nil, fmt.Errorf("symbol %s has type %T, expected *plugins.Details", DetailsSymbol, sym)
	}
	sym, err = lib.Lookup(ModuleSymbol)
	if err != nil {
		return Details{}, nil, fmt.Errorf("unable to retrieve symbol %s: %w", ModuleSymbol, err)
	}
	newModule, ok := sym.(func() Module)
	if !ok {
		return Details{}, nil, fmt.Errorf("symbol %s has type %T, expected func() plugins.Module", ModuleSymbol, sym)
	}
	return *details, newModule(), nil
}
