package supervisor

import "fmt"

// State is the lifecycle state of the supervised worker.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Restarting
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Restarting:
		return "restarting"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

