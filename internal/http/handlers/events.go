package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/micro-ha/ryobi-gdo/addon/internal/model"
	"github.com/micro-ha/ryobi-gdo/addon/internal/state"
)

const (
	eventWriteWait    = 10 * time.Second
	eventPongWait     = 60 * time.Second
	eventPingInterval = 30 * time.Second
	eventBuffer       = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Ingress proxies rewrite the origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

type snapshotEvent struct {
	Kind    string         `json:"kind"`
	Devices []model.Device `json:"devices"`
}

// Events streams a device snapshot followed by every state change over a
// websocket until the client goes away or the store shuts down.
func (a *API) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("event stream upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sub := a.client.Subscribe(eventBuffer)
	defer sub.Close()

	closed := make(chan struct{})
	go readUntilClosed(conn, closed)

	_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
	if err := conn.WriteJSON(snapshotEvent{Kind: "snapshot", Devices: a.client.Devices()}); err != nil {
		return
	}

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case change, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(eventWriteWait))
				return
			}
			if err := writeChange(conn, change); err != nil {
				a.logger.Debug("event stream write failed", "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		}
	}
}

func writeChange(conn *websocket.Conn, change state.Change) error {
	_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
	return conn.WriteJSON(change)
}

// readUntilClosed drains client frames so control messages are processed.
func readUntilClosed(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(eventPongWait))
	}
}
