package handshake

// State is a handshake's position in the session state machine.
type State uint8

const (
	// StateInit is the state before the shared secret exists
	StateInit State = iota
	// StateKeyExchange is entered exactly once, when the shared secret is derived
	StateKeyExchange
	// StateAuthenticating is entered once the client has answered a challenge
	StateAuthenticating
	// StateReady is terminal success; only here may the record layer be used
	StateReady
	// StateFailed is terminal failure
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateKeyExchange:
		return "key_exchange"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed
}
