// Package registry provides the registry of player engine factories.
package registry

import (
	"sync"

	"matchstream-go/pkg/interfaces"
	"matchstream-go/pkg/types"
)

// EngineRegistry manages player engine factories keyed by playback mode.
type EngineRegistry struct {
	mu     sync.RWMutex
	byMode map[types.PlaybackMode]interfaces.EngineFactory
}

// NewEngineRegistry creates a new engine registry.
func NewEngineRegistry() *EngineRegistry {
	return &EngineRegistry{
		byMode: make(map[types.PlaybackMode]interfaces.EngineFactory),
	}
}

// Register adds a factory. A later factory for the same mode replaces the
// earlier one.
func (r *EngineRegistry) Register(factory interfaces.EngineFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byMode[factory.Mode()] = factory
}

// GetByMode returns the factory registered for mode, or nil.
func (r *EngineRegistry) GetByMode(mode types.PlaybackMode) interfaces.EngineFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byMode[mode]
}
