package inbox

// Phase is where a session stands between connecting and having its displayed
// conversation's room joined.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseJoining      Phase = "joining"
	PhaseReady        Phase = "ready"
	PhaseDisconnected Phase = "disconnected"
)

type phaseEvent int

const (
	phaseConnecting phaseEvent = iota + 1
	phaseConnected
	phaseJoinIssued
	phaseJoinAcked
	phaseJoinFailed
	phaseDisconnected
)

// nextPhase is the session state machine:
//
//	idle → connecting → connected → joining → ready
//
// A drop moves back to connecting, exhaustion or logout to disconnected. Events
// that make no sense in the current phase leave it unchanged.
func nextPhase(cur Phase, ev phaseEvent) Phase {
	switch ev {
	case phaseConnecting:
		return PhaseConnecting
	case phaseConnected:
		if cur == PhaseConnecting || cur == PhaseIdle || cur == PhaseDisconnected {
			return PhaseConnected
		}
	case phaseJoinIssued:
		if cur == PhaseConnected || cur == PhaseReady {
			return PhaseJoining
		}
	case phaseJoinAcked:
		if cur == PhaseConnected || cur == PhaseJoining {
			return PhaseReady
		}
	case phaseJoinFailed:
		if cur == PhaseJoining {
			return PhaseConnected
		}
	case phaseDisconnected:
		return PhaseDisconnected
	}
	return cur
}
