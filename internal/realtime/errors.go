package realtime

import (
	"errors"
	"net"
	"strings"
)

type SessionErrorKind string

const (
	KindNotReady         SessionErrorKind = "NOT_READY"
	KindTransportClosed  SessionErrorKind = "TRANSPORT_CLOSED"
	KindAuthRejected     SessionErrorKind = "AUTH_REJECTED"
	KindHeartbeatTimeout SessionErrorKind = "HEARTBEAT_TIMEOUT"
)

// SessionError reports why the realtime session cannot carry a frame or ended.
type SessionError struct {
	Kind SessionErrorKind
	Op   string
	Err  error
}

var (
	ErrNotReady         = &SessionError{Kind: KindNotReady}
	ErrTransportClosed  = &SessionError{Kind: KindTransportClosed}
	ErrAuthRejected     = &SessionError{Kind: KindAuthRejected}
	ErrHeartbeatTimeout = &SessionError{Kind: KindHeartbeatTimeout}
)

func (e *SessionError) Error() string {
	if e == nil {
		return "realtime session error"
	}
	var b strings.Builder
	b.WriteString("realtime")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(strings.ToLower(strings.ReplaceAll(string(e.Kind), "_", " ")))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *SessionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Kind == e.Kind
}

// readError classifies a transport read failure.
func readError(op string, err error) *SessionError {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &SessionError{Kind: KindHeartbeatTimeout, Op: op, Err: err}
	}
	return &SessionError{Kind: KindTransportClosed, Op: op, Err: err}
}
