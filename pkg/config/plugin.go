package config

import (
	"fmt"

	"gopkg.in/yaml.v2"
)

// PluginConfig is the free-form configuration node of one plugin. The core
// does not interpret it; plugins decode it into their own structs.
type PluginConfig struct {
	node yaml.MapSlice
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (pc *PluginConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var node yaml.MapSlice
	if err := unmarshal(&node); err != nil {
		return err
	}
	pc.node = node
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (pc PluginConfig) MarshalYAML() (interface{}, error) {
	return pc.node, nil
}

// NewPluginConfig builds a PluginConfig from already decoded key/value pairs.
func NewPluginConfig(kv map[string]interface{}) PluginConfig {
	var pc PluginConfig
	for k, v := range kv {
		pc.node = append(pc.node, yaml.MapItem{Key: k, Value: v})
	}
	return pc
}

func (pc PluginConfig) lookup(key string) (interface{}, bool) {
	for _, item := range pc.node {
		if k, ok := item.Key.(string); ok && k == key {
			return item.Value, true
		}
	}
	return nil, false
}

// String returns the string value stored under key.
func (pc PluginConfig) String(key string) (string, bool) {
	v, ok := pc.lookup(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Bool returns the boolean value stored under key.
func (pc PluginConfig) Bool(key string) (bool, bool) {
	v, ok := pc.lookup(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Strings returns the list of strings stored under key.
func (pc PluginConfig) Strings(key string) ([]string, bool) {
	v, ok := pc.lookup(key)
	if !ok {
		return nil, false
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	r := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		r = append(r, s)
	}
	return r, true
}

// Decode decodes the whole node into out, which must be a pointer to a
// struct carrying yaml tags.
func (pc PluginConfig) Decode(out interface{}) error {
	data, err := yaml.Marshal(pc.node)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("could not decode plugin configuration: %w", err)
	}
	return nil
}

// Empty reports whether the plugin was listed without any configuration.
func (pc PluginConfig) Empty() bool {
	return len(pc.node) == 0
}
