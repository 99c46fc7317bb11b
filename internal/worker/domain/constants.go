package domain

// State is the lifecycle state of a render job as reported to the queue server
type State string

// Job state constants
const (
	StateCreated State = "created"
	StateQueued  State = "queued"
	StatePicked  State = "picked"
	StateStarted State = "started"

	// Rendering sub-states, in the order the engine moves through them
	StateRenderSetup       State = "render:setup"
	StateRenderPredownload State = "render:predownload"
	StateRenderDownload    State = "render:download"
	StateRenderPrerender   State = "render:prerender"
	StateRenderScript      State = "render:script"
	StateRenderDorender    State = "render:dorender"
	StateRenderPostrender  State = "render:postrender"
	StateRenderCleanup     State = "render:cleanup"

	StateFinished State = "finished"
	StateError    State = "error"
)

// stateRank orders states so transitions can only move forward.
// Terminal states share the highest rank.
var stateRank = map[State]int{
	StateCreated:           0,
	StateQueued:            1,
	StatePicked:            2,
	StateStarted:           3,
	StateRenderSetup:       4,
	StateRenderPredownload: 5,
	StateRenderDownload:    6,
	StateRenderPrerender:   7,
	StateRenderScript:      8,
	StateRenderDorender:    9,
	StateRenderPostrender:  10,
	StateRenderCleanup:     11,
	StateFinished:          12,
	StateError:             12,
}

// IsTerminal reports whether no further transition is allowed from s
func (s State) IsTerminal() bool {
	return s == StateFinished || s == StateError
}

// IsRendering reports whether s is one of the render:* progress states
func (s State) IsRendering() bool {
	r, ok := stateRank[s]
	return ok && r >= stateRank[StateRenderSetup] && r <= stateRank[StateRenderCleanup]
}

// Known reports whether s is a state this worker understands
func (s State) Known() bool {
	_, ok := stateRank[s]
	return ok
}

func (s State) String() string {
	return string(s)
}

// SecretHeader carries the shared API secret on every request to the queue server
const SecretHeader = "nexrender-secret"
