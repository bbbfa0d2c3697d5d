package model

// SessionState is the lifecycle state of a client session.
//
//	Connected --login--> Authenticated --logout/close--> Closed
//	Connected --close--> Closed
//
// Closed is terminal.
type SessionState int

const (
	SessionConnected SessionState = iota
	SessionAuthenticated
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnected:
		return "connected"
	case SessionAuthenticated:
		return "authenticated"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}
