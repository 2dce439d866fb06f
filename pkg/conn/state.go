// Package conn holds the per-peer connection record: the lifecycle state
// machine, the reliability tables, and the endpoint-keyed registry.
package conn

// State is the connection lifecycle state of a peer.
type State int32

const (
	Disconnected = State(iota)
	Requested
	WaitingForChallengeResponse
	AuthenticatedConnected
)

func (s State) String() (txt string) {
	switch s {
	case Disconnected:
		txt = "DISCONNECTED"
	case Requested:
		txt = "REQUESTED"
	case WaitingForChallengeResponse:
		txt = "WAITING-FOR-CHALLENGE-RESPONSE"
	case AuthenticatedConnected:
		txt = "AUTHENTICATED-CONNECTED"
	default:
		panic("unknown state")
	}
	return txt
}

// validTransition reports whether moving from one state to the next is legal.
// Timing out (any state to Disconnected) is always legal; everything else
// follows the handshake order, with the connected state re-entrant for the
// connection response send.
func validTransition(from, to State) bool {
	if to == Disconnected {
		return true
	}
	switch from {
	case Disconnected:
		return to == Requested
	case Requested:
		return to == WaitingForChallengeResponse
	case WaitingForChallengeResponse:
		return to == AuthenticatedConnected
	case AuthenticatedConnected:
		return to == AuthenticatedConnected
	}
	return false
}
