package dispatch

import (
	"strings"
)

type ErrorKind string

const (
	KindNotReady      ErrorKind = "NOT_READY"
	KindTimedOut      ErrorKind = "TIMED_OUT"
	KindQueueFull     ErrorKind = "QUEUE_FULL"
	KindDeviceUnknown ErrorKind = "DEVICE_UNKNOWN"
	KindRejected      ErrorKind = "REJECTED"
	KindUnsupported   ErrorKind = "UNSUPPORTED"
)

// CommandError explains why a command was not acknowledged.
type CommandError struct {
	Kind      ErrorKind
	CommandID string
	DeviceID  string
	Err       error
}

var (
	ErrNotReady      = &CommandError{Kind: KindNotReady}
	ErrTimedOut      = &CommandError{Kind: KindTimedOut}
	ErrQueueFull     = &CommandError{Kind: KindQueueFull}
	ErrDeviceUnknown = &CommandError{Kind: KindDeviceUnknown}
	ErrRejected      = &CommandError{Kind: KindRejected}
	ErrUnsupported   = &CommandError{Kind: KindUnsupported}
)

func (e *CommandError) Error() string {
	if e == nil {
		return "command error"
	}
	var b strings.Builder
	b.WriteString("command")
	if e.CommandID != "" {
		b.WriteString(" ")
		b.WriteString(e.CommandID)
	}
	if e.DeviceID != "" {
		b.WriteString(" for ")
		b.WriteString(e.DeviceID)
	}
	b.WriteString(": ")
	b.WriteString(strings.ToLower(strings.ReplaceAll(string(e.Kind), "_", " ")))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CommandError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *CommandError) Is(target error) bool {
	t, ok := target.(*CommandError)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Kind == e.Kind
}
