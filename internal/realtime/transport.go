package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const DefaultURL = "wss://tti.tiwiconnect.com/api/wsrpc"

// Conn is the minimal message transport the session needs.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	WritePing() error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WebsocketDialer dials the realtime endpoint with gorilla/websocket.
type WebsocketDialer struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	WriteTimeout time.Duration
}

func (d WebsocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	wsURL, err := toWebsocketURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, d.Header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &SessionError{Kind: KindAuthRejected, Op: "dial", Err: fmt.Errorf("handshake status %d", resp.StatusCode)}
		}
		return nil, &SessionError{Kind: KindTransportClosed, Op: "dial", Err: err}
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &wsConn{conn: conn, writeTimeout: writeTimeout}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) WritePing() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsConn) SetPongHandler(h func(appData string) error) {
	c.conn.SetPongHandler(h)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func toWebsocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported realtime url scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// link owns one connection: a reader goroutine feeding frames and a
// serialised writer.
type link struct {
	conn    Conn
	frames  chan []byte
	errs    chan error
	done    chan struct{}
	writeMu sync.Mutex
	once    sync.Once
}

func newLink(conn Conn, readTimeout time.Duration) *link {
	l := &link{
		conn:   conn,
		frames: make(chan []byte, 32),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	go l.readLoop(readTimeout)
	return l
}

func (l *link) readLoop(timeout time.Duration) {
	for {
		if err := l.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			l.fail(err)
			return
		}
		data, err := l.conn.ReadMessage()
		if err != nil {
			l.fail(err)
			return
		}
		select {
		case l.frames <- data:
		case <-l.done:
			return
		}
	}
}

func (l *link) fail(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

func (l *link) write(data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	select {
	case <-l.done:
		return errLinkClosed
	default:
	}
	return l.conn.WriteMessage(data)
}

func (l *link) ping() error {
	return l.conn.WritePing()
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}

var errLinkClosed = errors.New("connection closed")
