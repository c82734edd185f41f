// Package interfaces defines the core abstractions shared by the proxy
// service, the HTTP handlers and the player. Concrete implementations live
// in their own packages so each side can be replaced in tests.
package interfaces

import (
	"context"
	"net/http"

	"matchstream-go/pkg/types"
)

// HTTPClient abstracts HTTP operations for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher retrieves upstream resources.
//
// Implementations validate the target before any network activity and
// report failures as *types.ValidationError or *types.UpstreamError.
type Fetcher interface {
	// Fetch retrieves url in the given mode. In binary mode the returned
	// body must be closed by the caller.
	Fetch(ctx context.Context, url string, mode types.FetchMode) (*types.FetchOutcome, error)
}

// LinkStore is a read-only source of matches and their streaming links.
type LinkStore interface {
	// GetMatch returns the match with the given ID, or types.ErrMatchNotFound.
	GetMatch(ctx context.Context, id string) (*types.Match, error)

	// ListLinks returns the links of a match visible to the caller,
	// ordered by descending view count.
	ListLinks(ctx context.Context, matchID string, caller types.Principal) ([]types.StreamLink, error)
}

// EventPublisher publishes server events to interested subscribers.
type EventPublisher interface {
	Publish(event types.Event)
}

// Engine is a player instance bound to one loaded source.
//
// Load and Play must return without delivering events synchronously;
// events are reported later through the sink the engine was created with.
// Destroy releases everything and must not wait for in-flight events.
type Engine interface {
	// Load starts loading req.
	Load(ctx context.Context, req types.LoadRequest) error

	// Play starts playback. A rejected autoplay returns an error.
	Play(ctx context.Context) error

	// RecoverMedia attempts in-place recovery from a media error.
	RecoverMedia() error

	// Destroy tears the engine down.
	Destroy()
}

// EngineFactory creates engines for one playback mode.
//
// To add a new player backend:
// 1. Implement Engine and EngineFactory
// 2. Register the factory in the EngineRegistry
type EngineFactory interface {
	// Mode returns the playback mode this factory serves.
	Mode() types.PlaybackMode

	// NewEngine creates an engine reporting its events to sink.
	NewEngine(sink func(types.EngineEvent)) Engine
}
