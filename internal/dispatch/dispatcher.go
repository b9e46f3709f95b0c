// Package dispatch sends device commands over the realtime session and
// correlates them with acknowledgements by request id.
//
// Commands issued while the session is not READY wait in a bounded queue
// and are written in issuance order once it is. Every command resolves
// exactly once: ACKED, TIMED_OUT (measured from issue time) or FAILED.
package dispatch

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/micro-ha/ryobi-gdo/addon/internal/model"
	"github.com/micro-ha/ryobi-gdo/addon/internal/realtime"
)

const (
	DefaultTimeout   = 20 * time.Second
	DefaultQueueSize = 16
)

type Config struct {
	Timeout   time.Duration
	QueueSize int
}

func (c Config) Normalize() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	return c
}

// Sender is the outbound side of the realtime session.
type Sender interface {
	Ready() bool
	Send(req realtime.Request) error
}

// StateStore is the part of the device store the dispatcher reads and
// confirms acknowledged state into.
type StateStore interface {
	Device(id string) (model.Device, bool)
	Merge(deviceID string, attr model.Attribute, value string, at time.Time, source model.Source) (bool, error)
}

// ResultFunc observes every resolved command, outside the dispatcher lock.
type ResultFunc func(cmd *Command, result Result)

type Dispatcher struct {
	cfg    Config
	sender Sender
	store  StateStore
	logger *slog.Logger

	newID    func() string
	now      func() time.Time
	onResult ResultFunc

	mu      sync.Mutex
	pending map[string]*Command
	queue   []*Command
	closed  bool
}

func New(cfg Config, sender Sender, store StateStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:     cfg.Normalize(),
		sender:  sender,
		store:   store,
		logger:  logger.With("component", "dispatch"),
		newID:   uuid.NewString,
		now:     func() time.Time { return time.Now().UTC() },
		pending: map[string]*Command{},
	}
}

// OnResult registers fn for resolved commands. Call before issuing.
func (d *Dispatcher) OnResult(fn ResultFunc) {
	d.mu.Lock()
	d.onResult = fn
	d.mu.Unlock()
}

// Issue creates a command for deviceID and sends it now when the session is
// READY and nothing is queued ahead of it; otherwise it is queued.
func (d *Dispatcher) Issue(deviceID string, action model.Action) (*Command, error) {
	device, ok := d.store.Device(deviceID)
	if !ok {
		return nil, &CommandError{Kind: KindDeviceUnknown, DeviceID: deviceID}
	}
	attr := action.Attribute()
	if !device.HasCapability(attr.Capability()) {
		return nil, &CommandError{Kind: KindUnsupported, DeviceID: deviceID, Err: errors.New("device has no " + string(attr.Capability()))}
	}
	port, ok := device.Ports[attr]
	if !ok {
		return nil, &CommandError{Kind: KindUnsupported, DeviceID: deviceID, Err: errors.New("no module port for " + string(attr))}
	}

	sent := action.Resolve(device.Light)
	id := d.newID()
	req, err := realtime.CommandRequest(id, deviceID, sent, port)
	if err != nil {
		return nil, &CommandError{Kind: KindUnsupported, CommandID: id, DeviceID: deviceID, Err: err}
	}
	cmd := &Command{
		ID:       id,
		DeviceID: deviceID,
		Action:   action,
		Sent:     sent,
		IssuedAt: d.now(),
		request:  req,
		done:     make(chan struct{}),
	}

	var evicted []*Command
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, &CommandError{Kind: KindNotReady, DeviceID: deviceID, Err: realtime.ErrTransportClosed}
	}
	d.pending[id] = cmd
	cmd.timer = time.AfterFunc(d.cfg.Timeout, func() { d.expire(id) })
	if len(d.queue) > 0 || !d.sender.Ready() || !d.sendLocked(cmd) {
		evicted = d.enqueueLocked(cmd)
	}
	d.mu.Unlock()

	d.report(evicted...)
	return cmd, nil
}

func (d *Dispatcher) sendLocked(cmd *Command) bool {
	if err := d.sender.Send(cmd.request); err != nil {
		d.logger.Warn("command send failed; queued", "command_id", cmd.ID, "device_id", cmd.DeviceID, "err", err)
		return false
	}
	d.logger.Info("command sent", "command_id", cmd.ID, "device_id", cmd.DeviceID, "action", cmd.Sent)
	return true
}

func (d *Dispatcher) enqueueLocked(cmd *Command) []*Command {
	var evicted []*Command
	for len(d.queue) >= d.cfg.QueueSize {
		oldest := d.queue[0]
		d.queue = d.queue[1:]
		oldest.queued = false
		d.resolveLocked(oldest, Result{
			Status: StatusFailed,
			Err:    &CommandError{Kind: KindQueueFull, CommandID: oldest.ID, DeviceID: oldest.DeviceID, Err: realtime.ErrNotReady},
		})
		evicted = append(evicted, oldest)
	}
	cmd.queued = true
	d.queue = append(d.queue, cmd)
	d.logger.Info("command queued", "command_id", cmd.ID, "device_id", cmd.DeviceID, "queued", len(d.queue))
	return evicted
}

// Flush writes queued commands in issuance order while the session stays
// READY. Returns how many were sent.
func (d *Dispatcher) Flush() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	sent := 0
	for len(d.queue) > 0 && d.sender.Ready() {
		cmd := d.queue[0]
		if !d.sendLocked(cmd) {
			break
		}
		cmd.queued = false
		d.queue = d.queue[1:]
		sent++
	}
	return sent
}

// HandleResponse resolves the command answered by resp. It reports false
// when no pending command has that id, which includes acks arriving after a
// timeout.
func (d *Dispatcher) HandleResponse(resp realtime.Response) bool {
	if !resp.OK() {
		var cause error = errors.New("command not accepted")
		if resp.Error != nil {
			cause = resp.Error
		}
		return d.fail(resp.ID, cause)
	}
	var update *realtime.AttributeUpdate
	d.mu.Lock()
	cmd, ok := d.pending[resp.ID]
	d.mu.Unlock()
	if !ok {
		d.logger.Debug("response without pending command", "id", resp.ID)
		return false
	}
	for _, u := range resp.Updates() {
		if u.Attribute == cmd.Sent.Attribute() {
			u := u
			update = &u
			break
		}
	}
	return d.ack(resp.ID, update)
}

// OnAck resolves a command as acknowledged. resultState is the reported
// value, or empty to assume the action's transitional state.
func (d *Dispatcher) OnAck(correlationID, resultState string) bool {
	if resultState == "" {
		return d.ack(correlationID, nil)
	}
	d.mu.Lock()
	cmd, ok := d.pending[correlationID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	return d.ack(correlationID, &realtime.AttributeUpdate{Attribute: cmd.Sent.Attribute(), Value: resultState})
}

func (d *Dispatcher) ack(id string, update *realtime.AttributeUpdate) bool {
	d.mu.Lock()
	cmd, ok := d.pending[id]
	if !ok {
		d.mu.Unlock()
		return false
	}
	attr := cmd.Sent.Attribute()
	value := cmd.Sent.ExpectedState()
	var at time.Time
	if update != nil {
		value = update.Value
		if update.HasTimestamp {
			at = update.At
		}
	}
	if at.IsZero() {
		// Without a server timestamp the ack takes the stored timestamp:
		// it outranks that observation but not a newer realtime update.
		if device, ok := d.store.Device(cmd.DeviceID); ok {
			stored := device.Attributes[attr]
			at = stored.UpdatedAt
			if stored.Source == model.SourceCommandAck && !at.IsZero() {
				at = at.Add(time.Millisecond)
			}
		}
		if at.IsZero() {
			at = d.now()
		}
	}
	result := Result{Status: StatusAcked, State: value, At: at}
	d.resolveLocked(cmd, result)
	d.mu.Unlock()

	if _, err := d.store.Merge(cmd.DeviceID, attr, value, at, model.SourceCommandAck); err != nil {
		d.logger.Warn("acknowledged state not applied", "command_id", id, "device_id", cmd.DeviceID, "value", value, "err", err)
	}
	d.logger.Info("command acknowledged", "command_id", id, "device_id", cmd.DeviceID, "state", value)
	d.report(cmd)
	return true
}

func (d *Dispatcher) fail(id string, cause error) bool {
	d.mu.Lock()
	cmd, ok := d.pending[id]
	if !ok {
		d.mu.Unlock()
		return false
	}
	d.resolveLocked(cmd, Result{
		Status: StatusFailed,
		Err:    &CommandError{Kind: KindRejected, CommandID: id, DeviceID: cmd.DeviceID, Err: cause},
	})
	d.mu.Unlock()
	d.logger.Warn("command rejected", "command_id", id, "device_id", cmd.DeviceID, "err", cause)
	d.report(cmd)
	return true
}

func (d *Dispatcher) expire(id string) {
	d.mu.Lock()
	cmd, ok := d.pending[id]
	if !ok {
		d.mu.Unlock()
		return
	}
	d.resolveLocked(cmd, Result{
		Status: StatusTimedOut,
		Err:    &CommandError{Kind: KindTimedOut, CommandID: id, DeviceID: cmd.DeviceID},
	})
	d.mu.Unlock()
	d.logger.Warn("command timed out", "command_id", id, "device_id", cmd.DeviceID, "timeout", d.cfg.Timeout.String())
	d.report(cmd)
}

func (d *Dispatcher) removeQueuedLocked(cmd *Command) {
	for i, item := range d.queue {
		if item == cmd {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			break
		}
	}
	cmd.queued = false
}

// resolveLocked also takes cmd out of the queue, so a command acknowledged
// after a failed write is never flushed again.
func (d *Dispatcher) resolveLocked(cmd *Command, result Result) {
	delete(d.pending, cmd.ID)
	if cmd.queued {
		d.removeQueuedLocked(cmd)
	}
	if cmd.timer != nil {
		cmd.timer.Stop()
	}
	result.ResolvedAt = d.now()
	cmd.result = result
	close(cmd.done)
}

func (d *Dispatcher) report(cmds ...*Command) {
	d.mu.Lock()
	fn := d.onResult
	d.mu.Unlock()
	if fn == nil {
		return
	}
	for _, cmd := range cmds {
		fn(cmd, cmd.result)
	}
}

// Close resolves every outstanding command as FAILED and rejects new ones.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	resolved := d.failAllLocked(realtime.ErrTransportClosed)
	d.mu.Unlock()
	d.report(resolved...)
}

// Abort resolves every outstanding command as NOT_READY with cause but keeps
// accepting new ones. Returns how many were resolved.
func (d *Dispatcher) Abort(cause error) int {
	d.mu.Lock()
	resolved := d.failAllLocked(cause)
	d.mu.Unlock()
	d.report(resolved...)
	return len(resolved)
}

func (d *Dispatcher) failAllLocked(cause error) []*Command {
	resolved := make([]*Command, 0, len(d.pending))
	for _, cmd := range d.pending {
		d.resolveLocked(cmd, Result{
			Status: StatusFailed,
			Err:    &CommandError{Kind: KindNotReady, CommandID: cmd.ID, DeviceID: cmd.DeviceID, Err: cause},
		})
		resolved = append(resolved, cmd)
	}
	d.queue = nil
	return resolved
}

// Stats reports pending and queued counts.
func (d *Dispatcher) Stats() (pending, queued int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending), len(d.queue)
}
