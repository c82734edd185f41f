package player

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"matchstream-go/pkg/config"
	"matchstream-go/pkg/logging"
	"matchstream-go/pkg/types"
	"matchstream-go/pkg/upstream"

	. "github.com/smartystreets/goconvey/convey"
)

const (
	masterPlaylist = "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=800000\nlow/index.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=2400000,RESOLUTION=1280x720\nhigh/index.m3u8\n"
	mediaPlaylist  = "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:6\n#EXT-X-MEDIA-SEQUENCE:0\n#EXTINF:6.0,\nseg0.ts\n#EXTINF:6.0,\nseg1.ts\n"
)

func newOrigin(t *testing.T, routes map[string]string) *httptest.Server {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, body)
	}))
	t.Cleanup(server.Close)
	return server
}

func newEngineFetcher() *upstream.Fetcher {
	cfg := &config.Config{UpstreamTimeout: 2 * time.Second, MaxManifestBytes: 1 << 20}
	return upstream.New(&http.Client{}, cfg, nil, logging.Discard())
}

func collect() (func(types.EngineEvent), <-chan types.EngineEvent) {
	ch := make(chan types.EngineEvent, 8)
	return func(ev types.EngineEvent) { ch <- ev }, ch
}

func next(ch <-chan types.EngineEvent) types.EngineEvent {
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		return types.EngineEvent{Kind: -1}
	}
}

func TestHTTPEngine(t *testing.T) {
	Convey("HTTPEngine", t, func() {
		Convey("Follows the best variant and reports ready once a segment is served", func() {
			origin := newOrigin(t, map[string]string{
				"/live/master.m3u8":     masterPlaylist,
				"/live/high/index.m3u8": mediaPlaylist,
				"/live/high/seg0.ts":    strings.Repeat("G", 400),
			})
			sink, events := collect()
			engine := NewHTTPEngine(newEngineFetcher(), logging.Discard(), sink)
			defer engine.Destroy()

			So(engine.Play(context.Background()), ShouldEqual, ErrNotReady)
			So(engine.Load(context.Background(), types.LoadRequest{URL: origin.URL + "/live/master.m3u8"}), ShouldBeNil)

			ev := next(events)
			So(ev.Kind, ShouldEqual, types.EngineReady)
			So(engine.Play(context.Background()), ShouldBeNil)
			So(engine.Playing(), ShouldBeTrue)

			Convey("And recovers by reloading the media playlist", func() {
				So(engine.RecoverMedia(), ShouldBeNil)
				So(next(events).Kind, ShouldEqual, types.EngineReady)
			})
		})

		Convey("Reports a manifest load error for a missing manifest", func() {
			origin := newOrigin(t, map[string]string{})
			sink, events := collect()
			engine := NewHTTPEngine(newEngineFetcher(), logging.Discard(), sink)
			defer engine.Destroy()

			So(engine.Load(context.Background(), types.LoadRequest{URL: origin.URL + "/gone.m3u8"}), ShouldBeNil)
			ev := next(events)
			So(ev.Kind, ShouldEqual, types.EngineError)
			So(ev.Fatal, ShouldBeTrue)
			So(ev.Detail, ShouldEqual, types.DetailManifestLoadError)
			So(ev.IsManifestLoadFailure(), ShouldBeTrue)
		})

		Convey("Reports a level load error for a missing variant", func() {
			origin := newOrigin(t, map[string]string{"/live/master.m3u8": masterPlaylist})
			sink, events := collect()
			engine := NewHTTPEngine(newEngineFetcher(), logging.Discard(), sink)
			defer engine.Destroy()

			So(engine.Load(context.Background(), types.LoadRequest{URL: origin.URL + "/live/master.m3u8"}), ShouldBeNil)
			ev := next(events)
			So(ev.Detail, ShouldEqual, types.DetailLevelLoadError)
		})

		Convey("Reports a fragment error when the first segment is missing", func() {
			origin := newOrigin(t, map[string]string{"/vod/index.m3u8": mediaPlaylist})
			sink, events := collect()
			engine := NewHTTPEngine(newEngineFetcher(), logging.Discard(), sink)
			defer engine.Destroy()

			So(engine.Load(context.Background(), types.LoadRequest{URL: origin.URL + "/vod/index.m3u8"}), ShouldBeNil)
			ev := next(events)
			So(ev.Detail, ShouldEqual, types.DetailFragmentLoadError)
			So(ev.Type, ShouldEqual, types.ErrorTypeNetwork)
		})

		Convey("Reports a parse error for something that is not a playlist", func() {
			origin := newOrigin(t, map[string]string{"/page.m3u8": "<html>blocked</html>"})
			sink, events := collect()
			engine := NewHTTPEngine(newEngineFetcher(), logging.Discard(), sink)
			defer engine.Destroy()

			So(engine.Load(context.Background(), types.LoadRequest{URL: origin.URL + "/page.m3u8"}), ShouldBeNil)
			ev := next(events)
			So(ev.Detail, ShouldEqual, types.DetailManifestParseError)
		})

		Convey("Stays silent after Destroy", func() {
			origin := newOrigin(t, map[string]string{})
			sink, events := collect()
			engine := NewHTTPEngine(newEngineFetcher(), logging.Discard(), sink)
			engine.Destroy()

			So(engine.Load(context.Background(), types.LoadRequest{URL: origin.URL + "/gone.m3u8"}), ShouldEqual, ErrNotReady)
			var got []types.EngineEvent
			select {
			case ev := <-events:
				got = append(got, ev)
			case <-time.After(100 * time.Millisecond):
			}
			So(got, ShouldBeEmpty)
		})
	})
}

func TestDirectAndEmbedEngines(t *testing.T) {
	Convey("DirectEngine probes the media URL", t, func() {
		origin := newOrigin(t, map[string]string{"/match.mp4": "ftypisom"})
		sink, events := collect()
		engine := NewDirectEngine(newEngineFetcher(), logging.Discard(), sink)
		defer engine.Destroy()

		So(engine.Load(context.Background(), types.LoadRequest{URL: origin.URL + "/match.mp4"}), ShouldBeNil)
		So(next(events).Kind, ShouldEqual, types.EngineReady)

		So(engine.Load(context.Background(), types.LoadRequest{URL: origin.URL + "/missing.mp4"}), ShouldBeNil)
		So(next(events).Detail, ShouldEqual, types.DetailFragmentLoadError)
	})

	Convey("EmbedEngine reports ready", t, func() {
		sink, events := collect()
		engine := NewEmbedEngine(logging.Discard(), sink)
		defer engine.Destroy()

		So(engine.Load(context.Background(), types.LoadRequest{Source: types.StreamSource{URL: "https://youtu.be/x", Kind: types.SourceKindYouTube}}), ShouldBeNil)
		So(next(events).Kind, ShouldEqual, types.EngineReady)
		So(engine.RecoverMedia(), ShouldBeNil)
	})
}

func TestControllerWithHTTPEngines(t *testing.T) {
	Convey("Given an origin that refuses direct manifest loads", t, func() {
		origin := newOrigin(t, map[string]string{
			"/cdn/seg0.ts": strings.Repeat("G", 200),
		})
		manifestURL := origin.URL + "/cdn/live.m3u8"

		// The stand-in proxy serves the manifest the origin withholds,
		// pointing its segment back at the origin.
		var proxied atomic.Value
		proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			proxied.Store(r.URL.Query().Get("url"))
			io.WriteString(w, "#EXTM3U\n#EXT-X-TARGETDURATION:6\n#EXTINF:6.0,\n"+origin.URL+"/cdn/seg0.ts\n")
		}))
		defer proxy.Close()

		c := NewController(Options{
			Match:         liveMatch(),
			Sources:       []types.StreamSource{{URL: manifestURL, Kind: types.SourceKindHLS}},
			Registry:      NewHTTPRegistry(newEngineFetcher(), logging.Discard()),
			ProxyEndpoint: proxy.URL + "/proxy/manifest",
			MaxRetries:    DefaultMaxRetries,
		})
		defer c.Close()

		So(c.Start(context.Background()), ShouldBeNil)

		Convey("It plays through the proxy", func() {
			state, err := waitSettled(c)
			So(err, ShouldBeNil)
			So(state, ShouldEqual, StatePlaying)
			So(c.Attempt().UsingProxy, ShouldBeTrue)
			So(proxied.Load(), ShouldEqual, manifestURL)
		})
	})
}
