package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/parleyvoice/parley/pkg/provider/asr"
	"github.com/parleyvoice/parley/pkg/provider/llm"
	"github.com/parleyvoice/parley/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// pipeline stage. Factories receive the full config so they can read both
// their own credential block and shared settings. Safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	asr map[string]func(*Config) (asr.Provider, error)
	llm map[string]func(*Config) (llm.Provider, error)
	tts map[string]func(*Config) (tts.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		asr: make(map[string]func(*Config) (asr.Provider, error)),
		llm: make(map[string]func(*Config) (llm.Provider, error)),
		tts: make(map[string]func(*Config) (tts.Provider, error)),
	}
}

// RegisterASR registers a speech recognizer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterASR(name string, factory func(*Config) (asr.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asr[name] = factory
}

// RegisterLLM registers a chat completion factory under name.
func (r *Registry) RegisterLLM(name string, factory func(*Config) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterTTS registers a synthesizer factory under name.
func (r *Registry) RegisterTTS(name string, factory func(*Config) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// CreateASR instantiates the recognizer selected by cfg.Providers.ASR.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateASR(cfg *Config) (asr.Provider, error) {
	r.mu.RLock()
	factory, ok := r.asr[cfg.Providers.ASR]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: asr/%q", ErrProviderNotRegistered, cfg.Providers.ASR)
	}
	return factory(cfg)
}

// CreateLLM instantiates the chat backend selected by cfg.Providers.LLM.
func (r *Registry) CreateLLM(cfg *Config) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[cfg.Providers.LLM]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, cfg.Providers.LLM)
	}
	return factory(cfg)
}

// CreateTTS instantiates the synthesizer selected by cfg.Providers.TTS.
func (r *Registry) CreateTTS(cfg *Config) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[cfg.Providers.TTS]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, cfg.Providers.TTS)
	}
	return factory(cfg)
}
