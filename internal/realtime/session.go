// Package realtime maintains the authenticated websocket session with the
// vendor cloud: connect, authenticate, bootstrap through the handler,
// subscribe per device, then stream notifications until the link drops, and
// reconnect under exponential backoff.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/micro-ha/ryobi-gdo/addon/internal/backoff"
	"github.com/micro-ha/ryobi-gdo/addon/internal/cloud"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
	StateSubscribing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateSubscribing:
		return "SUBSCRIBING"
	case StateReady:
		return "READY"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// KeySource supplies and tracks the API key used for the auth handshake.
type KeySource interface {
	Account() string
	EnsureKey(ctx context.Context) (string, error)
	Invalidate(key string)
	MarkTrusted(key string)
}

// Handler receives session events. All methods are called from the session
// goroutine, in frame order.
type Handler interface {
	// Bootstrap runs once per authenticated connection and returns the
	// devices to subscribe to.
	Bootstrap(ctx context.Context) ([]string, error)
	HandleNotification(n Notification)
	HandleResponse(r Response)
	StateChanged(from, to State)
}

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHeartbeatTimeout  = 45 * time.Second
	DefaultAuthTimeout       = 15 * time.Second
	DefaultSubscribeTimeout  = 10 * time.Second
	DefaultStableAfter       = 2 * time.Minute
)

type Config struct {
	URL               string
	Backoff           backoff.Config
	StableAfter       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	AuthTimeout       time.Duration
	SubscribeTimeout  time.Duration
}

func (c Config) Normalize() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	c.Backoff = c.Backoff.Normalize()
	if c.StableAfter <= 0 {
		c.StableAfter = DefaultStableAfter
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.HeartbeatTimeout < c.HeartbeatInterval {
		c.HeartbeatTimeout = 2 * c.HeartbeatInterval
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = DefaultSubscribeTimeout
	}
	return c
}

type Session struct {
	cfg     Config
	keys    KeySource
	handler Handler
	dialer  Dialer
	backoff *backoff.Backoff
	logger  *slog.Logger

	newID   func() string
	sleepFn func(ctx context.Context, wait time.Duration) error

	mu            sync.RWMutex
	state         State
	link          *link
	subscriptions map[string]string
}

func New(cfg Config, keys KeySource, handler Handler, dialer Dialer, logger *slog.Logger) *Session {
	cfg = cfg.Normalize()
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:           cfg,
		keys:          keys,
		handler:       handler,
		dialer:        dialer,
		backoff:       backoff.New(cfg.Backoff),
		logger:        logger.With("component", "realtime"),
		newID:         uuid.NewString,
		sleepFn:       sleepContext,
		subscriptions: map[string]string{},
	}
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Ready() bool {
	return s.State() == StateReady
}

// Subscriptions returns device id to subscription token for the live session.
func (s *Session) Subscriptions() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.subscriptions))
	for k, v := range s.subscriptions {
		out[k] = v
	}
	return out
}

// Send writes a frame. Only valid while READY.
func (s *Session) Send(req Request) error {
	s.mu.RLock()
	state, current := s.state, s.link
	s.mu.RUnlock()
	if state != StateReady || current == nil {
		return &SessionError{Kind: KindNotReady, Op: "send", Err: fmt.Errorf("session is %s", state)}
	}
	data, err := req.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.Method, err)
	}
	if err := current.write(data); err != nil {
		return &SessionError{Kind: KindTransportClosed, Op: "send", Err: err}
	}
	s.logger.Debug("frame sent", "method", req.Method, "id", req.ID, "params", req.LogParams())
	return nil
}

// Run keeps the session alive until ctx is cancelled. It returns early only
// when the account credentials are rejected, since retrying cannot succeed.
func (s *Session) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		readyFor, err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, cloud.ErrInvalidCredentials) {
			s.logger.Error("account credentials rejected; realtime session stopped", "err", err)
			return err
		}
		if readyFor >= s.cfg.StableAfter {
			s.backoff.Reset()
		}
		delay := s.backoff.Next()
		s.logger.Warn("realtime session disconnected",
			"err", err,
			"ready_for", readyFor.Round(time.Second).String(),
			"attempt", s.backoff.Attempts(),
			"retry_in", delay.Round(time.Millisecond).String(),
		)
		if err := s.sleepFn(ctx, delay); err != nil {
			return nil
		}
	}
}

func (s *Session) runOnce(ctx context.Context) (time.Duration, error) {
	key, err := s.keys.EnsureKey(ctx)
	if err != nil {
		return 0, fmt.Errorf("obtain api key: %w", err)
	}

	s.setState(StateConnecting)
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	conn, err := s.dialer.Dial(dialCtx, s.cfg.URL)
	cancel()
	if err != nil {
		if errors.Is(err, ErrAuthRejected) {
			s.keys.Invalidate(key)
		}
		s.setState(StateDisconnected)
		return 0, err
	}

	current := newLink(conn, s.cfg.HeartbeatTimeout)
	s.mu.Lock()
	s.link = current
	s.mu.Unlock()
	defer s.teardown(current)

	if err := s.authenticate(ctx, current, key); err != nil {
		return 0, err
	}
	s.keys.MarkTrusted(key)
	s.setState(StateAuthenticated)

	stopHeartbeat := s.startHeartbeat(current)
	defer stopHeartbeat()

	devices, err := s.handler.Bootstrap(ctx)
	if err != nil {
		return 0, fmt.Errorf("bootstrap: %w", err)
	}
	return s.serve(ctx, current, devices)
}

func (s *Session) authenticate(ctx context.Context, current *link, key string) error {
	s.setState(StateAuthenticating)
	authID := s.newID()
	req := AuthRequest(authID, s.keys.Account(), key)
	data, err := req.Encode()
	if err != nil {
		return err
	}
	if err := current.write(data); err != nil {
		return &SessionError{Kind: KindTransportClosed, Op: "auth", Err: err}
	}

	timer := time.NewTimer(s.cfg.AuthTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return &SessionError{Kind: KindTransportClosed, Op: "auth", Err: errors.New("no auth acknowledgement")}
		case err := <-current.errs:
			return readError("auth", err)
		case raw := <-current.frames:
			frame, err := DecodeFrame(raw)
			if err != nil {
				s.logger.Debug("dropping undecodable frame", "err", err)
				continue
			}
			switch {
			case frame.Kind == FrameAuthResult && frame.Authorized:
				s.logger.Info("realtime session authenticated", "account", s.keys.Account())
				return nil
			case frame.Kind == FrameAuthResult,
				frame.Kind == FrameResponse && frame.ID == authID && frame.Response.Error != nil:
				s.keys.Invalidate(key)
				return &SessionError{Kind: KindAuthRejected, Op: "auth", Err: errors.New("api key rejected")}
			default:
				s.logger.Debug("frame before authentication ignored", "kind", frame.Kind.String(), "method", frame.Method)
			}
		}
	}
}

func (s *Session) serve(ctx context.Context, current *link, devices []string) (time.Duration, error) {
	s.setState(StateSubscribing)
	pending := make(map[string]string, len(devices))
	for _, deviceID := range devices {
		id := s.newID()
		data, err := SubscribeRequest(id, deviceID).Encode()
		if err != nil {
			return 0, err
		}
		if err := current.write(data); err != nil {
			return 0, &SessionError{Kind: KindTransportClosed, Op: "subscribe", Err: err}
		}
		pending[id] = deviceID
	}

	var readyAt time.Time
	readyFor := func() time.Duration {
		if readyAt.IsZero() {
			return 0
		}
		return time.Since(readyAt)
	}
	markReady := func() {
		if !readyAt.IsZero() {
			return
		}
		for _, deviceID := range pending {
			s.logger.Warn("subscription not acknowledged", "device_id", deviceID)
		}
		readyAt = time.Now()
		s.setState(StateReady)
	}

	subscribeTimer := time.NewTimer(s.cfg.SubscribeTimeout)
	defer subscribeTimer.Stop()
	if len(pending) == 0 {
		markReady()
	}

	for {
		select {
		case <-ctx.Done():
			return readyFor(), ctx.Err()
		case <-subscribeTimer.C:
			markReady()
		case err := <-current.errs:
			return readyFor(), readError("read", err)
		case raw := <-current.frames:
			frame, err := DecodeFrame(raw)
			if err != nil {
				s.logger.Debug("dropping undecodable frame", "err", err)
				continue
			}
			switch frame.Kind {
			case FrameNotification:
				s.handler.HandleNotification(frame.Notification)
			case FrameResponse:
				if deviceID, ok := pending[frame.ID]; ok {
					delete(pending, frame.ID)
					s.recordSubscription(deviceID, frame)
					if len(pending) == 0 {
						markReady()
					}
					continue
				}
				s.handler.HandleResponse(frame.Response)
			default:
				s.logger.Debug("unrecognised frame dropped", "kind", frame.Kind.String(), "method", frame.Method)
			}
		}
	}
}

func (s *Session) recordSubscription(deviceID string, frame Frame) {
	if frame.Response.Error != nil {
		s.logger.Warn("subscription rejected", "device_id", deviceID, "err", frame.Response.Error)
		return
	}
	s.mu.Lock()
	s.subscriptions[deviceID] = frame.ID
	s.mu.Unlock()
	s.logger.Debug("subscribed", "device_id", deviceID)
}

func (s *Session) startHeartbeat(current *link) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-current.done:
				return
			case <-ticker.C:
				if err := current.ping(); err != nil {
					s.logger.Debug("heartbeat ping failed", "err", err)
				}
			}
		}
	}()
	return func() {
		close(stop)
		wg.Wait()
	}
}

func (s *Session) teardown(current *link) {
	current.close()
	s.mu.Lock()
	if s.link == current {
		s.link = nil
	}
	s.subscriptions = map[string]string{}
	s.mu.Unlock()
	s.setState(StateDisconnected)
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev == next {
		return
	}
	s.logger.Info("realtime state changed", "from", prev.String(), "to", next.String())
	if s.handler != nil {
		s.handler.StateChanged(prev, next)
	}
}

func sleepContext(ctx context.Context, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
