package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/callbridge/pkg/provider/llm"
	"github.com/MrWong99/callbridge/pkg/provider/stt"
	"github.com/MrWong99/callbridge/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by the Create methods when no factory
// is registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factories is one kind's name → constructor table.
type factories[T any] map[string]func(ProviderEntry) (T, error)

func (f factories[T]) create(kind string, entry ProviderEntry) (T, error) {
	factory, ok := f[entry.Name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	v, err := factory(entry)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("config: create %s/%q: %w", kind, entry.Name, err)
	}
	return v, nil
}

// Registry maps provider names to constructors. It is safe for concurrent
// use.
type Registry struct {
	mu  sync.RWMutex
	llm factories[llm.Provider]
	stt factories[stt.Provider]
	tts factories[tts.Provider]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		llm: make(factories[llm.Provider]),
		stt: make(factories[stt.Provider]),
		tts: make(factories[tts.Provider]),
	}
}

// RegisterLLM registers an LLM factory under name, replacing any previous one.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterSTT registers a recognizer factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTTS registers a synthesis factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// CreateLLM builds the LLM provider registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.llm.create("llm", entry)
}

// CreateSTT builds the recognizer registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stt.create("stt", entry)
}

// CreateTTS builds the synthesis provider registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tts.create("tts", entry)
}

// Names returns the sorted registered names for kind ("llm", "stt", "tts").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "llm":
		names = keys(r.llm)
	case "stt":
		names = keys(r.stt)
	case "tts":
		names = keys(r.tts)
	}
	slices.Sort(names)
	return names
}

func keys[T any](f factories[T]) []string {
	out := make([]string, 0, len(f))
	for k := range f {
		out = append(out, k)
	}
	return out
}
