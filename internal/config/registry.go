package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: device backend not registered")

// InputFactory builds an input device for entry at the given sample rate.
type InputFactory func(entry DeviceEntry, sampleRate int) (audio.InputDevice, error)

// OutputFactory builds an output device for entry at the given sample rate.
type OutputFactory func(entry DeviceEntry, sampleRate int) (audio.OutputDevice, error)

// Registry maps backend names to device constructors. It is safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	input  map[string]InputFactory
	output map[string]OutputFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		input:  make(map[string]InputFactory),
		output: make(map[string]OutputFactory),
	}
}

// RegisterInput registers an input device factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterInput(name string, factory InputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.input[name] = factory
}

// RegisterOutput registers an output device factory under name.
func (r *Registry) RegisterOutput(name string, factory OutputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = factory
}

// CreateInput instantiates the input device registered under entry.Name.
// Returns [ErrBackendNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateInput(entry DeviceEntry, sampleRate int) (audio.InputDevice, error) {
	r.mu.RLock()
	factory, ok := r.input[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: input/%q", ErrBackendNotRegistered, entry.Name)
	}
	return factory(entry, sampleRate)
}

// CreateOutput instantiates the output device registered under entry.Name.
func (r *Registry) CreateOutput(entry DeviceEntry, sampleRate int) (audio.OutputDevice, error) {
	r.mu.RLock()
	factory, ok := r.output[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output/%q", ErrBackendNotRegistered, entry.Name)
	}
	return factory(entry, sampleRate)
}

// OptionInt returns the integer option key from entry, or def when absent or
// not a number. YAML decodes integers as int and floats as float64.
func (e DeviceEntry) OptionInt(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// OptionBool returns the boolean option key from entry, or def when absent.
func (e DeviceEntry) OptionBool(key string, def bool) bool {
	if v, ok := e.Options[key].(bool); ok {
		return v
	}
	return def
}
