package connection

// Kind is a connection state.
type Kind int

const (
	Disconnected Kind = iota
	Scanning
	Connecting
	Connected
	Disconnecting
	Error
)

func (k Kind) String() string {
	switch k {
	case Disconnected:
		return "disconnected"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// State is the manager's position in the connection state machine. Err is
// set only for Kind Error.
type State struct {
	Kind Kind
	Err  error
}

func (s State) String() string {
	if s.Kind == Error && s.Err != nil {
		return "error: " + s.Err.Error()
	}
	return s.Kind.String()
}
