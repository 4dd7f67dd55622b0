package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/carecall/pkg/provider/llm"
	"github.com/MrWong99/carecall/pkg/provider/stt"
	"github.com/MrWong99/carecall/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned when a config names a provider no
// factory was registered for.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds one provider from its config entry.
type Factory[P any] func(ProviderEntry) (P, error)

// factories is the name-to-constructor table of one provider kind.
type factories[P any] struct {
	kind   string
	byName map[string]Factory[P]
}

func newFactories[P any](kind string) factories[P] {
	return factories[P]{kind: kind, byName: make(map[string]Factory[P])}
}

func (f factories[P]) create(entry ProviderEntry) (P, error) {
	build, ok := f.byName[entry.Name]
	if !ok {
		var zero P
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	return build(entry)
}

// missing reports every entry of chain without a factory.
func (f factories[P]) missing(chain ProviderChain) []error {
	var errs []error
	for _, e := range chain.Entries() {
		if _, ok := f.byName[e.Name]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s/%q (known: %v)", ErrProviderNotRegistered, f.kind, e.Name, f.names()))
		}
	}
	return errs
}

func (f factories[P]) names() []string {
	return slices.Sorted(maps.Keys(f.byName))
}

// Registry maps provider names to constructors for each provider kind. It
// is safe for concurrent use; registering a name twice replaces the first
// factory.
type Registry struct {
	mu  sync.RWMutex
	stt factories[stt.Provider]
	llm factories[llm.Provider]
	tts factories[tts.Provider]
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt: newFactories[stt.Provider]("stt"),
		llm: newFactories[llm.Provider]("llm"),
		tts: newFactories[tts.Provider]("tts"),
	}
}

func (r *Registry) RegisterSTT(name string, f Factory[stt.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt.byName[name] = f
}

func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm.byName[name] = f
}

func (r *Registry) RegisterTTS(name string, f Factory[tts.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts.byName[name] = f
}

func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stt.create(entry)
}

func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.llm.create(entry)
}

func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tts.create(entry)
}

// Names returns the sorted registered names per kind ("stt", "llm", "tts").
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string][]string{
		r.stt.kind: r.stt.names(),
		r.llm.kind: r.llm.names(),
		r.tts.kind: r.tts.names(),
	}
}

// Check reports every provider in p, primaries and fallbacks, that has no
// registered factory. It constructs nothing, so a typo in the last fallback
// is caught before any connection is opened.
func (r *Registry) Check(p ProvidersConfig) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	errs = append(errs, r.stt.missing(p.STT)...)
	errs = append(errs, r.llm.missing(p.LLM)...)
	errs = append(errs, r.tts.missing(p.TTS)...)
	return errors.Join(errs...)
}

// OptString returns the string option key, or "" when it is absent or not a
// string.
func (e ProviderEntry) OptString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// OptInt returns the integer option key, or 0 when it is absent or not a
// whole number.
func (e ProviderEntry) OptInt(key string) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case float64:
		if v == float64(int(v)) {
			return int(v)
		}
	}
	return 0
}
