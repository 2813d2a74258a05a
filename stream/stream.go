// Package stream pushes management events to WebSocket subscribers.
package stream

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yllada/openvpn-monitor/common"
	"github.com/yllada/openvpn-monitor/management"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
}

func (c *client) addr() string {
	if c.conn == nil {
		return "unknown"
	}
	return c.conn.RemoteAddr().String()
}

func (c *client) close() {
	close(c.send)
}

// Broadcaster fans events out to WebSocket clients. New clients first
// receive the latest client list of every server.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[*client]bool
	latest  map[string][]byte // server id -> encoded client:list event
	log     common.Logger
}

// NewBroadcaster returns a Broadcaster with no clients.
func NewBroadcaster(logger common.Logger) *Broadcaster {
	if logger == nil {
		logger = common.GetLogger().WithPrefix("[stream]")
	}
	return &Broadcaster{
		clients: make(map[*client]bool),
		latest:  make(map[string][]byte),
		log:     logger,
	}
}

// Attach forwards every event published on bus.
func (b *Broadcaster) Attach(bus *management.Bus) management.ListenerID {
	return bus.OnAny(b.Handle)
}

// Handle encodes ev and sends it to every client.
func (b *Broadcaster) Handle(ev management.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("Failed to encode %s: %v", ev.Kind, err)
		return
	}

	if ev.Kind == management.EventClientList {
		b.mu.Lock()
		b.latest[ev.ConnectionID] = data
		b.mu.Unlock()
	}
	b.broadcast(data)
}

func (b *Broadcaster) addClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	b.mu.Lock()
	b.clients[c] = true
	for _, data := range b.latest {
		select {
		case c.send <- data:
		default:
		}
	}
	b.mu.Unlock()

	return c
}

func (b *Broadcaster) removeClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// broadcast sends while holding the read lock, so no send channel can be
// closed underneath it. Slow clients are removed after it is released.
func (b *Broadcaster) broadcast(data []byte) {
	var slow []*client

	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		b.log.Warn("Stream client too slow, disconnecting %s", c.addr())
		b.removeClient(c)
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Close disconnects every client.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		delete(b.clients, c)
		c.close()
	}
}

// Handler serves the /ws endpoint.
func (b *Broadcaster) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)
	return mux
}

func (b *Broadcaster) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: checkOrigin}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("WebSocket upgrade failed: %v", err)
		return
	}

	b.log.Debug("Stream client connected: %s", r.RemoteAddr)
	c := b.addClient(conn)

	// Subscribers only listen; reading detects when they leave
	go func() {
		defer func() {
			b.removeClient(c)
			b.log.Debug("Stream client disconnected: %s", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// checkOrigin accepts non-browser clients and same-host pages.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}
