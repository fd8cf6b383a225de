package supervisor

// State is the lifecycle state of one supervised worker.
//
//	starting ──spawned──▶ running ──exit≠0──▶ crashed ──delay──▶ starting
//	    │                    │  └──exit=0──▶ stopped
//	    └──spawn error──▶ crashed
//	running ──Shutdown──▶ stopping ──exit──▶ stopped
type State int

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed-pending-restart"
	default:
		return "unknown"
	}
}
