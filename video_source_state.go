package framepipe

// VideoSourceState is the lifecycle state of a VideoSource.
type VideoSourceState uint8

const (
	NotStarted VideoSourceState = iota
	Initialising
	Running
	Paused
	Muted
	Ended
	SourceError
	Restarting
	Terminating
	Terminated
)

func (s VideoSourceState) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case Initialising:
		return "INITIALISING"
	case Running:
		return "RUNNING"
	case Paused:
		return "PAUSED"
	case Muted:
		return "MUTED"
	case Ended:
		return "ENDED"
	case SourceError:
		return "ERROR"
	case Restarting:
		return "RESTARTING"
	case Terminating:
		return "TERMINATING"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// terminal reports whether no further frames will ever be produced from
// this state (used by the Multiplexer's termination condition).
func (s VideoSourceState) terminal() bool {
	return s == Terminated
}
