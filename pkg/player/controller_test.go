package player

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"matchstream-go/pkg/interfaces"
	"matchstream-go/pkg/types"

	. "github.com/smartystreets/goconvey/convey"
)

const proxyEndpoint = "http://proxy.local/proxy/manifest"

type fakeEngine struct {
	mu        sync.Mutex
	req       types.LoadRequest
	sink      func(types.EngineEvent)
	loads     int
	plays     int
	recovers  int
	destroyed bool
	playErr   error
}

func (e *fakeEngine) Load(_ context.Context, req types.LoadRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.req = req
	e.loads++
	return nil
}

func (e *fakeEngine) Play(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.plays++
	return e.playErr
}

func (e *fakeEngine) RecoverMedia() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recovers++
	return nil
}

func (e *fakeEngine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyed = true
}

func (e *fakeEngine) emit(ev types.EngineEvent) {
	e.sink(ev)
}

func (e *fakeEngine) snapshot() (types.LoadRequest, int, int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.req, e.plays, e.recovers, e.destroyed
}

// fakeEngines hands out fakeEngine instances for every playback mode and
// remembers them in creation order.
type fakeEngines struct {
	mu      sync.Mutex
	engines []*fakeEngine
	playErr error
}

func (f *fakeEngines) registryFor() []interfaces.EngineFactory {
	var factories []interfaces.EngineFactory
	for _, mode := range []types.PlaybackMode{types.PlaybackAdaptive, types.PlaybackNative, types.PlaybackEmbed} {
		factories = append(factories, FactoryFunc{PlaybackMode: mode, New: f.newEngine})
	}
	return factories
}

func (f *fakeEngines) newEngine(sink func(types.EngineEvent)) interfaces.Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEngine{sink: sink, playErr: f.playErr}
	f.engines = append(f.engines, e)
	return e
}

func (f *fakeEngines) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

func (f *fakeEngines) at(i int) *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engines[i]
}

type recordingObserver struct {
	mu        sync.Mutex
	states    []State
	exhausted int
	lastErr   error
}

func (o *recordingObserver) OnStateChange(s State, _ PlaybackAttempt) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, s)
}

func (o *recordingObserver) OnExhausted(_ *types.Match, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exhausted++
	o.lastErr = err
}

func (o *recordingObserver) snapshot() ([]State, int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]State(nil), o.states...), o.exhausted, o.lastErr
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func waitSettled(c *Controller) (State, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.Wait(ctx)
}

var (
	sourceA = types.StreamSource{URL: "https://a.example.com/live/index.m3u8", Kind: types.SourceKindHLS}
	sourceB = types.StreamSource{URL: "https://b.example.com/live/index.m3u8", Kind: types.SourceKindHLS}
	sourceC = types.StreamSource{URL: "https://c.example.com/live/index.m3u8", Kind: types.SourceKindHLS}
	sourceD = types.StreamSource{URL: "https://d.example.com/match.mp4", Kind: types.SourceKindDirect}
)

func newTestController(engines *fakeEngines, obs Observer, match *types.Match, sources ...types.StreamSource) *Controller {
	return NewController(Options{
		Match:         match,
		Sources:       sources,
		Registry:      NewRegistry(engines.registryFor()...),
		Observer:      obs,
		ProxyEndpoint: proxyEndpoint,
		MaxRetries:    DefaultMaxRetries,
	})
}

func liveMatch() *types.Match {
	return &types.Match{ID: "m1", Status: types.MatchStatusLive}
}

func TestControllerFallback(t *testing.T) {
	Convey("Given a controller over three HLS sources", t, func() {
		engines := &fakeEngines{}
		obs := &recordingObserver{}
		c := newTestController(engines, obs, liveMatch(), sourceA, sourceB, sourceC)
		defer c.Close()

		So(c.Start(context.Background()), ShouldBeNil)
		So(engines.count(), ShouldEqual, 1)

		first := engines.at(0)
		req, _, _, _ := first.snapshot()
		So(req.URL, ShouldEqual, sourceA.URL)
		So(req.UsingProxy, ShouldBeFalse)
		So(c.State(), ShouldEqual, StateLoadingDirect)

		Convey("A direct manifest failure retries the same source through the proxy, then moves on", func() {
			first.emit(manifestLoadError)
			So(engines.count(), ShouldEqual, 2)

			proxied := engines.at(1)
			req, _, _, _ := proxied.snapshot()
			So(req.URL, ShouldEqual, proxyEndpoint+"?url="+url.QueryEscape(sourceA.URL))
			So(req.UsingProxy, ShouldBeTrue)
			So(c.State(), ShouldEqual, StateLoadingProxy)
			_, _, _, destroyed := first.snapshot()
			So(destroyed, ShouldBeTrue)

			proxied.emit(manifestLoadError)
			So(engines.count(), ShouldEqual, 3)
			req, _, _, _ = engines.at(2).snapshot()
			So(req.URL, ShouldEqual, sourceB.URL)
			So(req.UsingProxy, ShouldBeFalse)
			So(c.Attempt().SourceIndex, ShouldEqual, 1)

			engines.at(2).emit(ready)
			state, err := waitSettled(c)
			So(err, ShouldBeNil)
			So(state, ShouldEqual, StatePlaying)

			_, plays, _, _ := engines.at(2).snapshot()
			So(plays, ShouldEqual, 1)

			So(engines.count(), ShouldEqual, 3)
			for i := 0; i < engines.count(); i++ {
				req, _, _, _ := engines.at(i).snapshot()
				So(req.URL, ShouldNotContainSubstring, "c.example.com")
			}

			states, _, _ := obs.snapshot()
			So(states, ShouldResemble, []State{
				StateSourceSelected, StateLoadingDirect,
				StateSourceSelected, StateLoadingProxy,
				StateSourceSelected, StateLoadingDirect,
				StatePlaying,
			})
		})

		Convey("Events from a replaced engine are ignored", func() {
			first.emit(manifestLoadError)
			first.emit(ready)
			first.emit(fragmentError)

			So(engines.count(), ShouldEqual, 2)
			So(c.State(), ShouldEqual, StateLoadingProxy)
		})

		Convey("Non-manifest failures skip the proxy", func() {
			first.emit(fragmentError)
			So(engines.count(), ShouldEqual, 2)
			req, _, _, _ := engines.at(1).snapshot()
			So(req.URL, ShouldEqual, sourceB.URL)
		})

		Convey("When every source fails the run is exhausted", func() {
			first.emit(manifestLoadError)
			engines.at(1).emit(manifestLoadError)
			engines.at(2).emit(manifestLoadError)
			engines.at(3).emit(manifestLoadError)
			engines.at(4).emit(manifestLoadError)
			last := types.EngineEvent{Kind: types.EngineError, Fatal: true, Type: types.ErrorTypeNetwork, Detail: types.DetailManifestLoadError, Err: errors.New("proxy 502")}
			engines.at(5).emit(last)

			state, err := waitSettled(c)
			So(state, ShouldEqual, StateExhausted)
			So(err, ShouldEqual, last.Err)
			So(engines.count(), ShouldEqual, 6)

			_, exhausted, obsErr := obs.snapshot()
			So(exhausted, ShouldEqual, 1)
			So(obsErr, ShouldEqual, last.Err)

			Convey("Retry starts over from the first source", func() {
				So(c.Retry(), ShouldBeNil)
				So(engines.count(), ShouldEqual, 7)
				req, _, _, _ := engines.at(6).snapshot()
				So(req.URL, ShouldEqual, sourceA.URL)
				So(req.UsingProxy, ShouldBeFalse)
				So(c.Attempt().RetryCount, ShouldEqual, 0)
				So(c.State(), ShouldEqual, StateLoadingDirect)
			})
		})
	})
}

func TestControllerMediaRecovery(t *testing.T) {
	Convey("Given a playing source", t, func() {
		engines := &fakeEngines{}
		c := newTestController(engines, nil, liveMatch(), sourceA, sourceD)
		defer c.Close()

		So(c.Start(context.Background()), ShouldBeNil)
		engine := engines.at(0)
		engine.emit(ready)
		So(c.State(), ShouldEqual, StatePlaying)

		Convey("Media errors are recovered in place up to the retry limit", func() {
			for i := 1; i <= DefaultMaxRetries; i++ {
				engine.emit(mediaError)
				want := i
				So(eventually(func() bool {
					_, _, recovers, _ := engine.snapshot()
					return recovers == want
				}), ShouldBeTrue)
				So(c.Attempt().RetryCount, ShouldEqual, i)
				So(engines.count(), ShouldEqual, 1)
			}

			engine.emit(mediaError)
			So(engines.count(), ShouldEqual, 2)
			req, _, _, _ := engines.at(1).snapshot()
			So(req.URL, ShouldEqual, sourceD.URL)
			So(c.Attempt().RetryCount, ShouldEqual, 0)
		})
	})

	Convey("Close cancels a pending recovery", t, func() {
		engines := &fakeEngines{}
		c := NewController(Options{
			Match:      liveMatch(),
			Sources:    []types.StreamSource{sourceA},
			Registry:   NewRegistry(engines.registryFor()...),
			MaxRetries: DefaultMaxRetries,
			RetryDelay: 50 * time.Millisecond,
		})

		So(c.Start(context.Background()), ShouldBeNil)
		engine := engines.at(0)
		engine.emit(mediaError)
		c.Close()

		time.Sleep(120 * time.Millisecond)
		_, _, recovers, destroyed := engine.snapshot()
		So(recovers, ShouldEqual, 0)
		So(destroyed, ShouldBeTrue)
		So(c.Start(context.Background()), ShouldEqual, ErrClosed)
		So(c.Retry(), ShouldEqual, ErrClosed)
	})

	Convey("Back-to-back media errors leave a single recovery pending", t, func() {
		engines := &fakeEngines{}
		c := NewController(Options{
			Match:      liveMatch(),
			Sources:    []types.StreamSource{sourceA},
			Registry:   NewRegistry(engines.registryFor()...),
			MaxRetries: DefaultMaxRetries,
			RetryDelay: 50 * time.Millisecond,
		})
		defer c.Close()

		So(c.Start(context.Background()), ShouldBeNil)
		engine := engines.at(0)
		engine.emit(ready)
		engine.emit(mediaError)
		engine.emit(mediaError)
		So(c.Attempt().RetryCount, ShouldEqual, 2)

		So(eventually(func() bool {
			_, _, recovers, _ := engine.snapshot()
			return recovers == 1
		}), ShouldBeTrue)
		time.Sleep(120 * time.Millisecond)
		_, _, recovers, _ := engine.snapshot()
		So(recovers, ShouldEqual, 1)
	})
}

func TestControllerAutoplay(t *testing.T) {
	Convey("Autoplay", t, func() {
		now := time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

		Convey("Is skipped before access opens", func() {
			engines := &fakeEngines{}
			match := &types.Match{ID: "m2", Status: types.MatchStatusScheduled, AccessOpensAt: now.Add(time.Hour)}
			c := NewController(Options{
				Match:    match,
				Sources:  []types.StreamSource{sourceA},
				Registry: NewRegistry(engines.registryFor()...),
				Now:      func() time.Time { return now },
			})
			defer c.Close()

			So(c.Start(context.Background()), ShouldBeNil)
			engines.at(0).emit(ready)

			So(c.State(), ShouldEqual, StatePlaying)
			_, plays, _, _ := engines.at(0).snapshot()
			So(plays, ShouldEqual, 0)
		})

		Convey("Starts once access has opened", func() {
			engines := &fakeEngines{}
			match := &types.Match{ID: "m3", Status: types.MatchStatusScheduled, AccessOpensAt: now.Add(-time.Minute)}
			c := NewController(Options{
				Match:    match,
				Sources:  []types.StreamSource{sourceA},
				Registry: NewRegistry(engines.registryFor()...),
				Now:      func() time.Time { return now },
			})
			defer c.Close()

			So(c.Start(context.Background()), ShouldBeNil)
			engines.at(0).emit(ready)
			_, plays, _, _ := engines.at(0).snapshot()
			So(plays, ShouldEqual, 1)
		})

		Convey("A rejected play leaves the source playing", func() {
			engines := &fakeEngines{playErr: errors.New("autoplay blocked")}
			c := newTestController(engines, nil, liveMatch(), sourceA, sourceB)
			defer c.Close()

			So(c.Start(context.Background()), ShouldBeNil)
			engines.at(0).emit(ready)

			So(c.State(), ShouldEqual, StatePlaying)
			So(engines.count(), ShouldEqual, 1)
		})
	})
}

func TestControllerWithoutSources(t *testing.T) {
	Convey("A match without sources is exhausted immediately", t, func() {
		obs := &recordingObserver{}
		c := newTestController(&fakeEngines{}, obs, liveMatch())
		defer c.Close()

		So(c.Start(context.Background()), ShouldBeNil)
		state, err := waitSettled(c)
		So(state, ShouldEqual, StateExhausted)
		So(errors.Is(err, ErrNoSources), ShouldBeTrue)

		_, exhausted, _ := obs.snapshot()
		So(exhausted, ShouldEqual, 1)
	})

	Convey("A source no engine can play is skipped", t, func() {
		engines := &fakeEngines{}
		c := NewController(Options{
			Match:    liveMatch(),
			Sources:  []types.StreamSource{sourceD, sourceA},
			Registry: NewRegistry(FactoryFunc{PlaybackMode: types.PlaybackAdaptive, New: engines.newEngine}),
		})
		defer c.Close()

		So(c.Start(context.Background()), ShouldBeNil)
		So(engines.count(), ShouldEqual, 1)
		req, _, _, _ := engines.at(0).snapshot()
		So(req.URL, ShouldEqual, sourceA.URL)
		So(c.Attempt().SourceIndex, ShouldEqual, 1)
	})
}
