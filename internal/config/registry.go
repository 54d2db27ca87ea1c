package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/castvoice/pkg/provider/linewriter"
	"github.com/MrWong99/castvoice/pkg/provider/voicegen"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	generator  map[string]func(ProviderEntry) (voicegen.Generator, error)
	lineWriter map[string]func(ProviderEntry) (linewriter.Writer, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		generator:  make(map[string]func(ProviderEntry) (voicegen.Generator, error)),
		lineWriter: make(map[string]func(ProviderEntry) (linewriter.Writer, error)),
	}
}

// RegisterGenerator registers a voice generator factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterGenerator(name string, factory func(ProviderEntry) (voicegen.Generator, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generator[name] = factory
}

// RegisterLineWriter registers a line writer factory under name.
func (r *Registry) RegisterLineWriter(name string, factory func(ProviderEntry) (linewriter.Writer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lineWriter[name] = factory
}

// CreateGenerator instantiates the generator registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateGenerator(entry ProviderEntry) (voicegen.Generator, error) {
	r.mu.RLock()
	factory, ok := r.generator[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: generator/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateLineWriter instantiates the line writer registered under entry.Name.
func (r *Registry) CreateLineWriter(entry ProviderEntry) (linewriter.Writer, error) {
	r.mu.RLock()
	factory, ok := r.lineWriter[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: line_writer/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the registered names of kind "generator" or "line_writer",
// sorted.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	switch kind {
	case "generator":
		for n := range r.generator {
			out = append(out, n)
		}
	case "line_writer":
		for n := range r.lineWriter {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out
}
