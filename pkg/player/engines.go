package player

import (
	"matchstream-go/pkg/interfaces"
	"matchstream-go/pkg/registry"
	"matchstream-go/pkg/types"
)

// Observer is told about state changes and terminal failures.
// Methods are called with the controller's lock held and must not call
// back into the Controller.
type Observer interface {
	OnStateChange(state State, attempt PlaybackAttempt)
	OnExhausted(match *types.Match, lastErr error)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) OnStateChange(State, PlaybackAttempt) {}
func (NopObserver) OnExhausted(*types.Match, error)      {}

// FactoryFunc adapts a constructor into an EngineFactory serving mode.
type FactoryFunc struct {
	PlaybackMode types.PlaybackMode
	New          func(sink func(types.EngineEvent)) interfaces.Engine
}

func (f FactoryFunc) Mode() types.PlaybackMode { return f.PlaybackMode }

func (f FactoryFunc) NewEngine(sink func(types.EngineEvent)) interfaces.Engine {
	return f.New(sink)
}

// NewRegistry returns an engine registry holding factories.
func NewRegistry(factories ...interfaces.EngineFactory) *registry.EngineRegistry {
	r := registry.NewEngineRegistry()
	for _, f := range factories {
		r.Register(f)
	}
	return r
}
