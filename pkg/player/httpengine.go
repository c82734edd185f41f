package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"matchstream-go/pkg/interfaces"
	"matchstream-go/pkg/logging"
	"matchstream-go/pkg/playlist"
	"matchstream-go/pkg/registry"
	"matchstream-go/pkg/types"
	"matchstream-go/pkg/urlutil"
)

// ErrNotReady is returned by Play before the engine has loaded.
var ErrNotReady = errors.New("engine not ready")

// ErrEmptyPlaylist is reported for a VOD media playlist without segments.
var ErrEmptyPlaylist = errors.New("media playlist has no segments")

// segmentProbeBytes is how much of the first segment is read to prove it
// is served.
const segmentProbeBytes = 188

// engineBase holds what every headless engine shares.
type engineBase struct {
	sink func(types.EngineEvent)
	log  *logging.Logger

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	ready     bool
	playing   bool
	destroyed bool
}

func (e *engineBase) start(ctx context.Context) (context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return nil, false
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.ready = false
	return e.ctx, true
}

func (e *engineBase) emit(ev types.EngineEvent) {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	if ev.Kind == types.EngineReady {
		e.ready = true
	}
	e.mu.Unlock()
	e.sink(ev)
}

func (e *engineBase) Play(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready || e.destroyed {
		return ErrNotReady
	}
	e.playing = true
	return nil
}

// Playing reports whether Play succeeded.
func (e *engineBase) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

func (e *engineBase) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyed = true
	if e.cancel != nil {
		e.cancel()
	}
}

// HTTPEngine plays an HLS source headlessly: it fetches and decodes the
// manifest, follows the highest bandwidth variant of a master playlist and
// reads the start of the first segment.
type HTTPEngine struct {
	engineBase
	fetcher interfaces.Fetcher

	mediaURL string
}

// NewHTTPEngine creates an HTTPEngine fetching through fetcher.
func NewHTTPEngine(fetcher interfaces.Fetcher, log *logging.Logger, sink func(types.EngineEvent)) *HTTPEngine {
	return &HTTPEngine{
		engineBase: engineBase{sink: sink, log: log.WithComponent("http-engine")},
		fetcher:    fetcher,
	}
}

// Load starts loading req in the background.
func (e *HTTPEngine) Load(ctx context.Context, req types.LoadRequest) error {
	ctx, ok := e.start(ctx)
	if !ok {
		return ErrNotReady
	}
	go e.load(ctx, req.URL)
	return nil
}

func (e *HTTPEngine) load(ctx context.Context, manifestURL string) {
	log := e.log.WithURL(manifestURL)

	outcome, err := e.fetcher.Fetch(ctx, manifestURL, types.FetchText)
	if err != nil {
		log.Debug("manifest load failed", "error", err)
		e.emit(manifestLoadEvent(err))
		return
	}

	origin := manifestURL
	if outcome.FinalURL != "" {
		origin = outcome.FinalURL
	}

	summary, err := playlist.Inspect(outcome.Text)
	if err != nil {
		e.emit(types.EngineEvent{Kind: types.EngineError, Fatal: true, Type: types.ErrorTypeNetwork, Detail: types.DetailManifestParseError, Err: err})
		return
	}

	mediaURL, media := origin, summary
	if summary.Type == playlist.TypeMaster {
		if len(summary.VariantURIs) == 0 {
			e.emit(types.EngineEvent{Kind: types.EngineError, Fatal: true, Type: types.ErrorTypeNetwork, Detail: types.DetailManifestParseError, Err: errors.New("master playlist has no variants")})
			return
		}
		mediaURL = urlutil.ResolveURL(summary.VariantURIs[0], origin)
		log.Debug("following variant", "variant", mediaURL, "variants", summary.Variants)

		media, err = e.fetchMedia(ctx, mediaURL)
		if err != nil {
			e.emit(e.levelEvent(err))
			return
		}
	}

	e.mu.Lock()
	e.mediaURL = mediaURL
	e.mu.Unlock()

	e.checkMedia(ctx, mediaURL, media)
}

// RecoverMedia reloads the media playlist in the background.
func (e *HTTPEngine) RecoverMedia() error {
	e.mu.Lock()
	mediaURL, ctx := e.mediaURL, e.ctx
	e.mu.Unlock()

	if mediaURL == "" || ctx == nil {
		return ErrNotReady
	}

	go func() {
		media, err := e.fetchMedia(ctx, mediaURL)
		if err != nil {
			e.emit(e.levelEvent(err))
			return
		}
		e.checkMedia(ctx, mediaURL, media)
	}()
	return nil
}

func (e *HTTPEngine) fetchMedia(ctx context.Context, mediaURL string) (*playlist.Summary, error) {
	outcome, err := e.fetcher.Fetch(ctx, mediaURL, types.FetchText)
	if err != nil {
		return nil, err
	}
	summary, err := playlist.Inspect(outcome.Text)
	if err != nil {
		return nil, err
	}
	if summary.Type != playlist.TypeMedia {
		return nil, fmt.Errorf("variant %s is not a media playlist", mediaURL)
	}
	return summary, nil
}

// checkMedia emits ready once the media playlist and its first segment
// are usable.
func (e *HTTPEngine) checkMedia(ctx context.Context, mediaURL string, media *playlist.Summary) {
	if len(media.SegmentURIs) == 0 {
		if media.Live {
			e.emit(types.EngineEvent{Kind: types.EngineReady})
			return
		}
		e.emit(types.EngineEvent{Kind: types.EngineError, Fatal: true, Type: types.ErrorTypeMedia, Detail: types.DetailMediaDecodeError, Err: ErrEmptyPlaylist})
		return
	}

	segmentURL := urlutil.ResolveURL(media.SegmentURIs[0], mediaURL)
	outcome, err := e.fetcher.Fetch(ctx, segmentURL, types.FetchBinary)
	if err != nil {
		e.emit(types.EngineEvent{Kind: types.EngineError, Fatal: true, Type: types.ErrorTypeNetwork, Detail: types.DetailFragmentLoadError, Err: err})
		return
	}
	defer outcome.Body.Close()

	if _, err := io.ReadFull(outcome.Body, make([]byte, segmentProbeBytes)); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		e.emit(types.EngineEvent{Kind: types.EngineError, Fatal: true, Type: types.ErrorTypeMedia, Detail: types.DetailMediaDecodeError, Err: fmt.Errorf("read first segment: %w", err)})
		return
	}

	e.log.Debug("source playable", "media", mediaURL, "segments", media.Segments, "live", media.Live)
	e.emit(types.EngineEvent{Kind: types.EngineReady})
}

func (e *HTTPEngine) levelEvent(err error) types.EngineEvent {
	return types.EngineEvent{Kind: types.EngineError, Fatal: true, Type: types.ErrorTypeNetwork, Detail: types.DetailLevelLoadError, Err: err}
}

// manifestLoadEvent maps a failed manifest fetch onto a player error.
func manifestLoadEvent(err error) types.EngineEvent {
	ev := types.EngineEvent{Kind: types.EngineError, Fatal: true, Err: err}

	var vErr *types.ValidationError
	switch {
	case errors.As(err, &vErr):
		ev.Type, ev.Detail = types.ErrorTypeOther, types.DetailUnknown
	case types.StatusOf(err) == types.FetchTimeout:
		ev.Type, ev.Detail = types.ErrorTypeNetwork, types.DetailManifestLoadTimeout
	default:
		ev.Type, ev.Detail = types.ErrorTypeNetwork, types.DetailManifestLoadError
	}
	return ev
}

// DirectEngine checks that a progressive media URL is served.
type DirectEngine struct {
	engineBase
	fetcher interfaces.Fetcher

	url string
}

// NewDirectEngine creates a DirectEngine fetching through fetcher.
func NewDirectEngine(fetcher interfaces.Fetcher, log *logging.Logger, sink func(types.EngineEvent)) *DirectEngine {
	return &DirectEngine{
		engineBase: engineBase{sink: sink, log: log.WithComponent("direct-engine")},
		fetcher:    fetcher,
	}
}

// Load starts probing req.URL in the background.
func (e *DirectEngine) Load(ctx context.Context, req types.LoadRequest) error {
	ctx, ok := e.start(ctx)
	if !ok {
		return ErrNotReady
	}
	e.mu.Lock()
	e.url = req.URL
	e.mu.Unlock()

	go e.probe(ctx, req.URL)
	return nil
}

func (e *DirectEngine) probe(ctx context.Context, mediaURL string) {
	outcome, err := e.fetcher.Fetch(ctx, mediaURL, types.FetchBinary)
	if err != nil {
		e.emit(types.EngineEvent{Kind: types.EngineError, Fatal: true, Type: types.ErrorTypeNetwork, Detail: types.DetailFragmentLoadError, Err: err})
		return
	}
	outcome.Body.Close()
	e.emit(types.EngineEvent{Kind: types.EngineReady})
}

// RecoverMedia probes the source again.
func (e *DirectEngine) RecoverMedia() error {
	e.mu.Lock()
	mediaURL, ctx := e.url, e.ctx
	e.mu.Unlock()

	if mediaURL == "" || ctx == nil {
		return ErrNotReady
	}
	go e.probe(ctx, mediaURL)
	return nil
}

// EmbedEngine stands in for an embedded third-party player, which cannot
// be inspected from here and is assumed to load.
type EmbedEngine struct {
	engineBase
}

// NewEmbedEngine creates an EmbedEngine.
func NewEmbedEngine(log *logging.Logger, sink func(types.EngineEvent)) *EmbedEngine {
	return &EmbedEngine{engineBase: engineBase{sink: sink, log: log.WithComponent("embed-engine")}}
}

// Load reports ready in the background.
func (e *EmbedEngine) Load(ctx context.Context, req types.LoadRequest) error {
	if _, ok := e.start(ctx); !ok {
		return ErrNotReady
	}
	e.log.Debug("embedding player", "url", EmbedURL(req.Source))
	go e.emit(types.EngineEvent{Kind: types.EngineReady})
	return nil
}

// RecoverMedia is a no-op for embeds.
func (e *EmbedEngine) RecoverMedia() error {
	return nil
}

// NewHTTPRegistry returns a registry of headless engines for all playback
// modes, fetching through fetcher.
func NewHTTPRegistry(fetcher interfaces.Fetcher, log *logging.Logger) *registry.EngineRegistry {
	return NewRegistry(
		FactoryFunc{PlaybackMode: types.PlaybackAdaptive, New: func(sink func(types.EngineEvent)) interfaces.Engine {
			return NewHTTPEngine(fetcher, log, sink)
		}},
		FactoryFunc{PlaybackMode: types.PlaybackNative, New: func(sink func(types.EngineEvent)) interfaces.Engine {
			return NewDirectEngine(fetcher, log, sink)
		}},
		FactoryFunc{PlaybackMode: types.PlaybackEmbed, New: func(sink func(types.EngineEvent)) interfaces.Engine {
			return NewEmbedEngine(log, sink)
		}},
	)
}
