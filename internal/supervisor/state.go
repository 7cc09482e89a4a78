package supervisor

// State is the lifecycle phase of the supervised backend.
//
//	Unstarted -> Starting -> Running -> Stopped
//	             Starting -> Failed
type State int32

const (
	StateUnstarted State = iota
	StateStarting
	StateRunning
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// States lists every state, in declaration order.
func States() []State {
	return []State{StateUnstarted, StateStarting, StateRunning, StateStopped, StateFailed}
}

// canStart reports whether a fresh launch may begin from s.
func (s State) canStart() bool {
	return s == StateUnstarted || s == StateStopped || s == StateFailed
}
