package session

import (
	"errors"
	"fmt"
)

// State 会话状态
type State int

const (
	Disconnected State = iota
	Probing
	Connected
	ExtendedSession
	ProgrammingSession
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Probing:
		return "PROBING"
	case Connected:
		return "CONNECTED"
	case ExtendedSession:
		return "EXTENDED_SESSION"
	case ProgrammingSession:
		return "PROGRAMMING_SESSION"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Active reports whether requests may be sent in this state.
func (s State) Active() bool {
	return s == Connected || s == ExtendedSession || s == ProgrammingSession
}

var transitions = map[State][]State{
	Disconnected:       {Probing},
	Probing:            {Connected, Disconnected},
	Connected:          {Connected, ExtendedSession, ProgrammingSession, Disconnected},
	ExtendedSession:    {Connected, ExtendedSession, ProgrammingSession, Disconnected},
	ProgrammingSession: {Connected, ExtendedSession, ProgrammingSession, Disconnected},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrorKind SessionError 的分类
type ErrorKind int

const (
	ProtocolDetectFailed ErrorKind = iota + 1
	SessionLost
	SecurityAccessDenied
	NotConnected
	InvalidTransition
)

func (k ErrorKind) String() string {
	switch k {
	case ProtocolDetectFailed:
		return "protocol detect failed"
	case SessionLost:
		return "session lost"
	case SecurityAccessDenied:
		return "security access denied"
	case NotConnected:
		return "not connected"
	case InvalidTransition:
		return "invalid transition"
	}
	return fmt.Sprintf("error kind %d", int(k))
}

var (
	ErrProtocolDetectFailed = errors.New("session: protocol detect failed")
	ErrSessionLost          = errors.New("session: session lost")
	ErrSecurityAccessDenied = errors.New("session: security access denied")
	ErrNotConnected         = errors.New("session: not connected")
	ErrInvalidTransition    = errors.New("session: invalid transition")
)

var kindSentinels = map[ErrorKind]error{
	ProtocolDetectFailed: ErrProtocolDetectFailed,
	SessionLost:          ErrSessionLost,
	SecurityAccessDenied: ErrSecurityAccessDenied,
	NotConnected:         ErrNotConnected,
	InvalidTransition:    ErrInvalidTransition,
}

type SessionError struct {
	Kind ErrorKind
	Err  error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return "session: " + e.Kind.String()
	}
	return fmt.Sprintf("session: %s: %v", e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

func (e *SessionError) Is(target error) bool { return kindSentinels[e.Kind] == target }

func newError(kind ErrorKind, err error) *SessionError {
	return &SessionError{Kind: kind, Err: err}
}
