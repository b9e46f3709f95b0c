// Package gdo wires the credential store, cloud client, realtime session,
// state store, reconciler and command dispatcher into one client for the
// outer adapters (HTTP API, MQTT bridge, console).
package gdo

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/micro-ha/ryobi-gdo/addon/internal/cloud"
	"github.com/micro-ha/ryobi-gdo/addon/internal/credentials"
	"github.com/micro-ha/ryobi-gdo/addon/internal/dispatch"
	"github.com/micro-ha/ryobi-gdo/addon/internal/model"
	"github.com/micro-ha/ryobi-gdo/addon/internal/realtime"
	"github.com/micro-ha/ryobi-gdo/addon/internal/reconcile"
	"github.com/micro-ha/ryobi-gdo/addon/internal/state"
)

var (
	ErrDeviceNotFound = errors.New("gdo: device not found")

	// ErrCredentialsRejected fails commands once the account has been refused.
	ErrCredentialsRejected = errors.New("gdo: account credentials rejected")
)

const DefaultStaleAfter = 5 * time.Minute

type Config struct {
	Account  string
	Password string
	CloudURL string
	Session  realtime.Config
	Dispatch dispatch.Config
	// StaleAfter is how long the session may stay down before devices are
	// flagged stale.
	StaleAfter time.Duration
}

// Deps carries optional collaborators. Zero values fall back to defaults.
type Deps struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
	Dialer     realtime.Dialer
	KeyCache   credentials.KeyCache
	// CachedKey seeds the credential store; it stays untrusted until the
	// realtime handshake accepts it.
	CachedKey       string
	CachedKeyAt     time.Time
	OnCommandResult dispatch.ResultFunc
}

type Client struct {
	cfg    Config
	logger *slog.Logger

	keys       *credentials.Store
	cloud      *cloud.Client
	store      *state.Store
	reconciler *reconcile.Reconciler
	session    *realtime.Session
	dispatcher *dispatch.Dispatcher

	now func() time.Time

	staleMu    sync.Mutex
	staleTimer *time.Timer
	closeOnce  sync.Once
	rejected   atomic.Bool
}

func New(cfg Config, deps Deps) *Client {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}

	c := &Client{
		cfg:    cfg,
		logger: logger.With("component", "gdo"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	c.cloud = cloud.NewClient(cfg.CloudURL, deps.HTTPClient, logger)
	c.keys = credentials.NewStore(cfg.Account, cfg.Password, c.cloud, logger)
	if deps.KeyCache != nil {
		c.keys.SetCache(deps.KeyCache)
	}
	if deps.CachedKey != "" {
		c.keys.Seed(deps.CachedKey, deps.CachedKeyAt)
	}
	c.store = state.New(logger)
	c.reconciler = reconcile.New(c.cloud, c.keys, c.store, logger)
	c.session = realtime.New(cfg.Session, c.keys, sessionHandler{c}, deps.Dialer, logger)
	c.dispatcher = dispatch.New(cfg.Dispatch, c.session, c.store, logger)
	if deps.OnCommandResult != nil {
		c.dispatcher.OnResult(deps.OnCommandResult)
	}
	return c
}

// Run keeps the realtime session up until ctx ends. Outstanding commands
// fail when it returns. When the account is refused, the store and its
// subscriptions stay open and later commands fail with
// ErrCredentialsRejected until Close.
func (c *Client) Run(ctx context.Context) error {
	err := c.session.Run(ctx)
	if credentials.Rejected(err) {
		c.rejected.Store(true)
		if n := c.dispatcher.Abort(ErrCredentialsRejected); n > 0 {
			c.logger.Warn("outstanding commands failed", "count", n, "err", ErrCredentialsRejected)
		}
		return err
	}
	c.Close()
	return err
}

// Close stops timers and resolves outstanding commands. Safe to call twice.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.stopStaleTimer()
		c.dispatcher.Close()
		c.store.CloseSubscriptions()
	})
}

func (c *Client) Devices() []model.Device {
	return c.store.Devices()
}

func (c *Client) Device(id string) (model.Device, error) {
	device, ok := c.store.Device(id)
	if !ok {
		return model.Device{}, ErrDeviceNotFound
	}
	return device, nil
}

// IssueCommand queues or sends action for device id. The returned command
// resolves exactly once.
func (c *Client) IssueCommand(id string, action model.Action) (*dispatch.Command, error) {
	if c.rejected.Load() {
		return nil, &dispatch.CommandError{Kind: dispatch.KindNotReady, DeviceID: id, Err: ErrCredentialsRejected}
	}
	return c.dispatcher.Issue(id, action)
}

func (c *Client) Subscribe(buffer int) *state.Subscription {
	return c.store.Subscribe(buffer)
}

func (c *Client) SessionState() realtime.State {
	return c.session.State()
}

func (c *Client) Ready() bool {
	return c.session.Ready()
}

func (c *Client) CredentialStatus() credentials.KeyStatus {
	return c.keys.Status()
}

// CommandStats reports pending and queued command counts.
func (c *Client) CommandStats() (pending, queued int) {
	return c.dispatcher.Stats()
}

// Refresh re-reads one device from the HTTP API, or all active devices when
// id is empty.
func (c *Client) Refresh(ctx context.Context, id string) error {
	if id == "" {
		return c.reconciler.RefreshAll(ctx)
	}
	if _, ok := c.store.Device(id); !ok {
		return ErrDeviceNotFound
	}
	return c.reconciler.RefreshDevice(ctx, id)
}

func (c *Client) applyNotification(n realtime.Notification) {
	if n.DeviceID == "" {
		return
	}
	received := c.now()
	for _, update := range n.Updates {
		at := update.At
		if !update.HasTimestamp {
			at = received
		}
		_, err := c.store.Merge(n.DeviceID, update.Attribute, update.Value, at, model.SourceRealtime)
		switch {
		case errors.Is(err, state.ErrUnknownDevice):
			c.logger.Debug("notification for unknown device", "device_id", n.DeviceID)
			return
		case err != nil:
			c.logger.Warn("notification not applied", "device_id", n.DeviceID, "attribute", update.Attribute, "err", err)
		}
	}
}

func (c *Client) sessionStateChanged(from, to realtime.State) {
	switch {
	case to == realtime.StateReady:
		c.stopStaleTimer()
		c.store.ClearStale(model.StaleDisconnected)
		if sent := c.dispatcher.Flush(); sent > 0 {
			c.logger.Info("queued commands flushed", "count", sent)
		}
	case from == realtime.StateReady:
		c.startStaleTimer()
	}
}

func (c *Client) startStaleTimer() {
	c.staleMu.Lock()
	defer c.staleMu.Unlock()
	if c.staleTimer != nil {
		return
	}
	c.staleTimer = time.AfterFunc(c.cfg.StaleAfter, func() {
		c.store.MarkAllStale(model.StaleDisconnected)
	})
}

func (c *Client) stopStaleTimer() {
	c.staleMu.Lock()
	defer c.staleMu.Unlock()
	if c.staleTimer != nil {
		c.staleTimer.Stop()
		c.staleTimer = nil
	}
}

// sessionHandler adapts the client to realtime.Handler without widening
// the client's exported surface.
type sessionHandler struct {
	c *Client
}

func (h sessionHandler) Bootstrap(ctx context.Context) ([]string, error) {
	return h.c.reconciler.Bootstrap(ctx)
}

func (h sessionHandler) HandleNotification(n realtime.Notification) {
	h.c.applyNotification(n)
}

func (h sessionHandler) HandleResponse(r realtime.Response) {
	if !h.c.dispatcher.HandleResponse(r) {
		h.c.logger.Debug("response ignored", "id", r.ID)
	}
}

func (h sessionHandler) StateChanged(from, to realtime.State) {
	h.c.sessionStateChanged(from, to)
}
