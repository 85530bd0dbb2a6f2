package monitor

// State is the progress of one checkpoint directory through the monitor.
type State int

const (
	StateDetected State = iota
	StateWaiting
	StateQuiescent
	StatePackaging
	StateShipped
	StateFailed
	// StateAbandoned means the job stopped before the directory settled.
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateDetected:
		return "detected"
	case StateWaiting:
		return "waiting"
	case StateQuiescent:
		return "quiescent"
	case StatePackaging:
		return "packaging"
	case StateShipped:
		return "shipped"
	case StateFailed:
		return "failed"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateShipped || s == StateFailed || s == StateAbandoned
}
