package transport

// State is the connection lifecycle state. Exactly one Transport owns a
// State value; transitions are the only source of lifecycle events.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateError
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// terminal reports whether no automatic transition leaves this state.
func (s State) terminal() bool {
	return s == StateError
}

// StateListener receives connection state change notifications. Listeners
// are invoked synchronously in registration order; a panic in one listener
// does not prevent the others from running.
type StateListener interface {
	// OnStateChange fires on every transition.
	OnStateChange(from, to State)

	// OnConnected fires on every transition into StateConnected.
	OnConnected()

	// OnDisconnected fires on every transition out of StateConnected.
	// err is nil for an explicit Disconnect.
	OnDisconnected(err error)
}

// StateListenerFuncs adapts plain functions to StateListener. Nil fields
// are skipped.
type StateListenerFuncs struct {
	StateChange  func(from, to State)
	Connected    func()
	Disconnected func(err error)
}

func (l StateListenerFuncs) OnStateChange(from, to State) {
	if l.StateChange != nil {
		l.StateChange(from, to)
	}
}

func (l StateListenerFuncs) OnConnected() {
	if l.Connected != nil {
		l.Connected()
	}
}

func (l StateListenerFuncs) OnDisconnected(err error) {
	if l.Disconnected != nil {
		l.Disconnected(err)
	}
}
