package sync

import (
	"net/http"
	gosync "sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/theapemachine/awt-go/pkg/errors"
)

// The websocket relay stands in for the browser broadcast channel when
// instances run as separate processes: a tiny hub fans every frame out to
// all other connections.

/*
RelayHub accepts websocket connections and rebroadcasts every frame it
receives to all other connections.
*/
type RelayHub struct {
	upgrader websocket.Upgrader

	mu      gosync.Mutex
	clients map[*websocket.Conn]chan Message
}

/*
NewRelayHub creates an empty hub.
*/
func NewRelayHub() *RelayHub {
	return &RelayHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan Message),
	}
}

/*
ServeHTTP upgrades the connection and pumps frames until the peer hangs
up.
*/
func (hub *RelayHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("relay upgrade failed", "error", err)
		return
	}

	outbox := make(chan Message, 256)

	hub.mu.Lock()
	hub.clients[conn] = outbox
	hub.mu.Unlock()

	go func() {
		for msg := range outbox {
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}()

	defer func() {
		hub.mu.Lock()
		delete(hub.clients, conn)
		close(outbox)
		hub.mu.Unlock()
		conn.Close()
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		hub.fanOut(conn, msg)
	}
}

func (hub *RelayHub) fanOut(from *websocket.Conn, msg Message) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	for conn, outbox := range hub.clients {
		if conn == from {
			continue
		}
		select {
		case outbox <- msg:
		default:
			// slow peer – drop; full sync reconciles later.
		}
	}
}

/*
RelayTransport is a Transport backed by a websocket connection to a
RelayHub.
*/
type RelayTransport struct {
	url  string
	conn *websocket.Conn

	mu      gosync.Mutex
	handler func(Message)
	closed  bool
}

/*
DialRelay connects to a relay hub, retrying with backoff before giving
up.
*/
func DialRelay(url string) (*RelayTransport, error) {
	transport := &RelayTransport{url: url}

	err := errors.RetryWithBackoff(errors.DefaultRetryConfig(), func() error {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return err
		}
		transport.conn = conn
		return nil
	})
	if err != nil {
		return nil, err
	}

	go transport.readLoop()
	return transport, nil
}

func (t *RelayTransport) readLoop() {
	for {
		var msg Message
		if err := t.conn.ReadJSON(&msg); err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()

			if !closed {
				log.Warn("relay connection lost", "error", err)
			}
			return
		}

		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()

		if handler != nil {
			handler(msg)
		}
	}
}

// Post sends a frame to the hub.
func (t *RelayTransport) Post(msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	return t.conn.WriteJSON(msg)
}

// OnMessage registers the receive callback.
func (t *RelayTransport) OnMessage(fn func(Message)) {
	t.mu.Lock()
	t.handler = fn
	t.mu.Unlock()
}

// Close shuts the connection down.
func (t *RelayTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	return t.conn.Close()
}
