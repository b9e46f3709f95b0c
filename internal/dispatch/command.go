package dispatch

import (
	"context"
	"time"

	"github.com/micro-ha/ryobi-gdo/addon/internal/model"
	"github.com/micro-ha/ryobi-gdo/addon/internal/realtime"
)

type Status string

const (
	StatusSent     Status = "SENT"
	StatusAcked    Status = "ACKED"
	StatusTimedOut Status = "TIMED_OUT"
	StatusFailed   Status = "FAILED"
)

// Terminal reports whether the status is a final outcome.
func (s Status) Terminal() bool {
	return s == StatusAcked || s == StatusTimedOut || s == StatusFailed
}

// Result is the outcome of a command. State and At are set on ACKED.
type Result struct {
	Status     Status
	State      string
	At         time.Time
	ResolvedAt time.Time
	Err        error
}

// Command is a pending or resolved command. Its result is published exactly
// once, when Done is closed.
type Command struct {
	ID       string
	DeviceID string
	// Action is the requested action; Sent is what went on the wire after
	// resolving toggles.
	Action   model.Action
	Sent     model.Action
	IssuedAt time.Time

	request realtime.Request
	timer   *time.Timer
	queued  bool
	done    chan struct{}
	result  Result
}

func (c *Command) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome, or a SENT result while still pending.
func (c *Command) Result() Result {
	select {
	case <-c.done:
		return c.result
	default:
		return Result{Status: StatusSent}
	}
}

// Wait blocks until the command resolves or ctx ends. The returned error is
// the command's failure, if any.
func (c *Command) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.result, c.result.Err
	case <-ctx.Done():
		return Result{Status: StatusSent}, ctx.Err()
	}
}
