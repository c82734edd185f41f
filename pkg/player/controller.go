package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"matchstream-go/pkg/interfaces"
	"matchstream-go/pkg/logging"
	"matchstream-go/pkg/registry"
	"matchstream-go/pkg/rewriter"
	"matchstream-go/pkg/types"
)

var (
	// ErrNoSources is reported when a match has nothing to play.
	ErrNoSources = errors.New("match has no playable sources")
	// ErrNoEngine is reported when no engine can play a source.
	ErrNoEngine = errors.New("no engine for source")
	// ErrClosed is returned by operations on a closed Controller.
	ErrClosed = errors.New("controller closed")
)

// Options configures a Controller.
type Options struct {
	Match    *types.Match
	Sources  []types.StreamSource
	Registry *registry.EngineRegistry
	Observer Observer
	// ProxyEndpoint is the absolute URL of the manifest proxy endpoint.
	ProxyEndpoint string
	MaxRetries    int
	RetryDelay    time.Duration
	Log           *logging.Logger
	// Now is used for the playback authorization check.
	Now func() time.Time
}

// Controller drives engines through a match's sources until one plays or
// all of them have failed. It is safe for concurrent use.
type Controller struct {
	opts  Options
	log   *logging.Logger
	proxy *rewriter.Rewriter

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	state      State
	attempt    PlaybackAttempt
	engine     interfaces.Engine
	generation uint64
	retryTimer *time.Timer
	lastErr    error
	settled    chan struct{}
	closed     bool
}

// NewController creates an idle Controller.
func NewController(opts Options) *Controller {
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	if opts.Match == nil {
		opts.Match = &types.Match{}
	}

	return &Controller{
		opts:    opts,
		log:     opts.Log.WithComponent("player").With("match", opts.Match.ID),
		proxy:   rewriter.New(types.Endpoints{Manifest: opts.ProxyEndpoint}),
		state:   StateIdle,
		settled: make(chan struct{}),
	}
}

// Start begins playback from the first source. ctx bounds every engine
// load of this controller.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.restart()
	return nil
}

// Retry restarts from the first source, discarding the current attempt.
func (c *Controller) Retry() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.ctx == nil {
		c.ctx, c.cancel = context.WithCancel(context.Background())
	}
	c.log.Info("retrying from first source")
	c.restart()
	return nil
}

// Close tears down the current engine and cancels pending retries. It
// returns once teardown is complete.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.teardown()
	if c.cancel != nil {
		c.cancel()
	}
	c.settle()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt returns the current attempt.
func (c *Controller) Attempt() PlaybackAttempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Wait blocks until the current run is playing or exhausted, or ctx ends.
func (c *Controller) Wait(ctx context.Context) (State, error) {
	c.mu.Lock()
	settled := c.settled
	c.mu.Unlock()

	select {
	case <-settled:
	case <-ctx.Done():
		return c.State(), ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateExhausted {
		return c.state, c.lastErr
	}
	return c.state, nil
}

// restart resets the run and loads the first source. Callers hold c.mu.
func (c *Controller) restart() {
	c.teardown()
	c.lastErr = nil
	c.attempt = PlaybackAttempt{SourceIndex: -1}
	select {
	case <-c.settled:
		c.settled = make(chan struct{})
	default:
	}

	if len(c.opts.Sources) == 0 {
		c.attempt = PlaybackAttempt{MaxRetries: c.opts.MaxRetries}
		c.exhaust(ErrNoSources)
		return
	}
	c.load(0, false)
}

// load tears down the current engine and loads source index. Callers hold c.mu.
func (c *Controller) load(index int, useProxy bool) {
	c.teardown()

	source := c.opts.Sources[index]
	retries := 0
	if index == c.attempt.SourceIndex {
		retries = c.attempt.RetryCount
	}
	c.attempt = PlaybackAttempt{
		SourceIndex: index,
		Source:      source,
		UsingProxy:  useProxy,
		RetryCount:  retries,
		MaxRetries:  c.opts.MaxRetries,
		SourceCount: len(c.opts.Sources),
	}
	c.setState(StateSourceSelected)

	log := c.log.With("source", index, "kind", string(source.Kind), "proxy", useProxy)

	factory := c.opts.Registry.GetByMode(ModeFor(source.Kind))
	if factory == nil {
		log.Warn("no engine for source")
		c.fail(fmt.Errorf("%w: %s", ErrNoEngine, source.Kind))
		return
	}

	gen := c.generation
	engine := factory.NewEngine(func(ev types.EngineEvent) {
		c.handle(gen, ev)
	})
	c.engine = engine

	req := types.LoadRequest{Source: source, URL: source.URL, UsingProxy: useProxy}
	if useProxy {
		req.URL = c.proxy.ProxyURL(source.URL)
		c.setState(StateLoadingProxy)
	} else {
		c.setState(StateLoadingDirect)
	}

	log.Info("loading source", "mode", string(factory.Mode()), "url", req.URL)
	if err := engine.Load(c.ctx, req); err != nil {
		log.Warn("engine load failed", "error", err)
		c.fail(err)
	}
}

// fail treats a setup error like a fatal non-media error. Callers hold c.mu.
func (c *Controller) fail(err error) {
	c.lastErr = err
	if c.attempt.HasNext() {
		c.load(c.attempt.SourceIndex+1, false)
		return
	}
	c.exhaust(err)
}

// handle applies an engine event if it comes from the current engine.
func (c *Controller) handle(gen uint64, ev types.EngineEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || gen != c.generation {
		return
	}
	if ev.Err != nil {
		c.lastErr = ev.Err
	}

	decision := Transition(c.attempt, c.state, ev)
	c.log.Debug("engine event",
		"fatal", ev.Fatal,
		"type", string(ev.Type),
		"detail", string(ev.Detail),
		"state", string(c.state),
		"decision", string(decision),
	)

	switch decision {
	case DecisionPlaying:
		c.setState(StatePlaying)
		c.settle()
		c.autoplay()
	case DecisionLoadProxy:
		c.log.Info("direct load failed, switching to proxy", "error", ev.Err)
		c.load(c.attempt.SourceIndex, true)
	case DecisionRecoverMedia:
		c.attempt.RetryCount++
		c.scheduleRecovery()
	case DecisionNextSource:
		c.log.Warn("source failed, trying next", "source", c.attempt.SourceIndex, "error", ev.Err)
		c.load(c.attempt.SourceIndex+1, false)
	case DecisionExhausted:
		c.exhaust(ev.Err)
	}
}

func (c *Controller) autoplay() {
	if !c.opts.Match.PlaybackAuthorized(c.opts.Now()) {
		c.log.Debug("playback not yet authorized, skipping autoplay")
		return
	}
	if err := c.engine.Play(c.ctx); err != nil {
		c.log.Info("autoplay rejected", "error", err)
	}
}

func (c *Controller) scheduleRecovery() {
	gen := c.generation
	attempt := c.attempt.RetryCount
	c.log.Info("recovering from media error", "retry", attempt, "max_retries", c.attempt.MaxRetries)

	// A later media error replaces the pending recovery.
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.AfterFunc(c.opts.RetryDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || gen != c.generation || c.engine == nil {
			return
		}
		if err := c.engine.RecoverMedia(); err != nil {
			c.log.Warn("media recovery failed", "error", err)
		}
	})
}

func (c *Controller) exhaust(err error) {
	c.teardown()
	if err == nil {
		err = c.lastErr
	}
	c.lastErr = err
	c.setState(StateExhausted)
	c.log.Warn("all sources failed", "sources", len(c.opts.Sources), "error", err)
	c.opts.Observer.OnExhausted(c.opts.Match, err)
	c.settle()
}

// teardown destroys the current engine and invalidates its events and
// timers. Callers hold c.mu.
func (c *Controller) teardown() {
	c.generation++
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.engine != nil {
		c.engine.Destroy()
		c.engine = nil
	}
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.opts.Observer.OnStateChange(s, c.attempt)
}

func (c *Controller) settle() {
	select {
	case <-c.settled:
	default:
		close(c.settled)
	}
}
