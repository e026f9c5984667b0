package coordinator

// State is the lifecycle state of a coordinator's execution resource.
type State int

// Resource states.
const (
	StateUninitialized State = iota
	StateInitializing
	StateIdle
	StateBusy
	StateDisposing
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateDisposing:
		return "disposing"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Mode selects how the execution resource runs.
type Mode string

// Execution modes.
const (
	// ModeWorker runs the resource on a dedicated goroutine and talks to it
	// through request and reply messages.
	ModeWorker Mode = "worker"
	// ModeDirect runs the resource synchronously on the calling goroutine.
	ModeDirect Mode = "direct"
)

// ParseMode converts a configuration value into a Mode.
func ParseMode(s string) (Mode, bool) {
	switch m := Mode(s); m {
	case ModeWorker, ModeDirect:
		return m, true
	}
	return "", false
}
