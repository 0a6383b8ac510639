package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/tutorvoice/pkg/audio"
)

// ErrDriverNotRegistered is returned by the Create methods when no factory
// has been registered under the requested driver name.
var ErrDriverNotRegistered = errors.New("config: device driver not registered")

// Registry maps device driver names to microphone and speaker constructors.
// It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	microphones map[string]func(DevicesConfig) (audio.Microphone, error)
	speakers    map[string]func(DevicesConfig) (audio.Speaker, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		microphones: make(map[string]func(DevicesConfig) (audio.Microphone, error)),
		speakers:    make(map[string]func(DevicesConfig) (audio.Speaker, error)),
	}
}

// RegisterMicrophone registers a microphone factory under name. Subsequent
// calls with the same name overwrite the previous registration.
func (r *Registry) RegisterMicrophone(name string, factory func(DevicesConfig) (audio.Microphone, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.microphones[name] = factory
}

// RegisterSpeaker registers a speaker factory under name.
func (r *Registry) RegisterSpeaker(name string, factory func(DevicesConfig) (audio.Speaker, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speakers[name] = factory
}

// CreateMicrophone instantiates the microphone registered under cfg.Driver.
func (r *Registry) CreateMicrophone(cfg DevicesConfig) (audio.Microphone, error) {
	r.mu.RLock()
	factory, ok := r.microphones[cfg.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: microphone/%q", ErrDriverNotRegistered, cfg.Driver)
	}
	return factory(cfg)
}

// CreateSpeaker instantiates the speaker registered under cfg.Driver.
func (r *Registry) CreateSpeaker(cfg DevicesConfig) (audio.Speaker, error) {
	r.mu.RLock()
	factory, ok := r.speakers[cfg.Driver]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: speaker/%q", ErrDriverNotRegistered, cfg.Driver)
	}
	return factory(cfg)
}
