package retrieval

// State is the lifecycle stage of a worker. Connecting through Downloading are the steps of retrieving a
// single event.
type State int

const (
	Created State = iota
	Running
	Connecting
	Connected
	Querying
	Selecting
	Downloading
	Idle
	Finished
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Querying:
		return "querying"
	case Selecting:
		return "selecting"
	case Downloading:
		return "downloading"
	case Idle:
		return "idle"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}
