package player

import "matchstream-go/pkg/types"

// DefaultMaxRetries is the number of in-place media recoveries per source.
const DefaultMaxRetries = 3

// State is the controller's position in the fallback protocol.
type State string

const (
	StateIdle           State = "idle"
	StateSourceSelected State = "source_selected"
	StateLoadingDirect  State = "loading_direct"
	StateLoadingProxy   State = "loading_proxy"
	StatePlaying        State = "playing"
	StateExhausted      State = "exhausted"
)

// Active reports whether an engine is loaded in this state.
func (s State) Active() bool {
	return s == StateLoadingDirect || s == StateLoadingProxy || s == StatePlaying
}

// Decision is what the controller does in response to an engine event.
type Decision string

const (
	DecisionIgnore       Decision = "ignore"
	DecisionLoadProxy    Decision = "load_proxy"
	DecisionRecoverMedia Decision = "recover_media"
	DecisionNextSource   Decision = "next_source"
	DecisionExhausted    Decision = "exhausted"
	DecisionPlaying      Decision = "playing"
)

// PlaybackAttempt is the progress made through a match's sources.
type PlaybackAttempt struct {
	SourceIndex int
	Source      types.StreamSource
	UsingProxy  bool
	RetryCount  int
	MaxRetries  int
	// SourceCount is the number of sources in the run.
	SourceCount int
}

// HasNext reports whether another source follows the current one.
func (a PlaybackAttempt) HasNext() bool {
	return a.SourceIndex+1 < a.SourceCount
}

// Transition decides how to react to ev while in state. It has no side
// effects.
//
// A fatal manifest load failure during a direct HLS load switches to the
// proxy once. Fatal media errors are recovered in place while retries
// remain. Every other fatal error moves on to the next source, and with no
// source left the attempt is exhausted. Non-fatal errors are ignored.
func Transition(a PlaybackAttempt, state State, ev types.EngineEvent) Decision {
	if !state.Active() {
		return DecisionIgnore
	}

	if ev.Kind == types.EngineReady {
		if state == StatePlaying {
			return DecisionIgnore
		}
		return DecisionPlaying
	}

	if !ev.Fatal {
		return DecisionIgnore
	}

	if state == StateLoadingDirect && !a.UsingProxy &&
		a.Source.Kind == types.SourceKindHLS && ev.IsManifestLoadFailure() {
		return DecisionLoadProxy
	}

	if ev.Type == types.ErrorTypeMedia && a.RetryCount < a.MaxRetries {
		return DecisionRecoverMedia
	}

	if a.HasNext() {
		return DecisionNextSource
	}
	return DecisionExhausted
}
