package audio

// State is the lifecycle state of a pipeline element.
type State int

const (
	StateInit State = iota
	StateRunning
	StatePaused
	StateStopped
	StateFinished
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateFinished:
		return "finished"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether the element has stopped producing for good.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFinished || s == StateError
}
