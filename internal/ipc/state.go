package ipc

// Role says whether an endpoint dials a known address or accepts on it.
type Role int

const (
	RoleConnect Role = iota + 1
	RoleBind
)

func (r Role) String() string {
	switch r {
	case RoleConnect:
		return "connect"
	case RoleBind:
		return "bind"
	default:
		return "unknown"
	}
}

// Pattern is the messaging pattern of an endpoint. Only pub and sub are
// implemented; pair is recognised so that asking for it fails loudly.
type Pattern int

const (
	PatternPub Pattern = iota + 1
	PatternSub
	PatternPair
)

func (p Pattern) String() string {
	switch p {
	case PatternPub:
		return "pub"
	case PatternSub:
		return "sub"
	case PatternPair:
		return "pair"
	default:
		return "unknown"
	}
}

// State is a subscriber's lifecycle position:
//
//	Created -> Subscribing -> Receiving <-> Dispatching -> Stopping -> Closed
//
// Closed is terminal.
type State int32

const (
	StateCreated State = iota
	StateSubscribing
	StateReceiving
	StateDispatching
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSubscribing:
		return "subscribing"
	case StateReceiving:
		return "receiving"
	case StateDispatching:
		return "dispatching"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
