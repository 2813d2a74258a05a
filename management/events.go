package management

import (
	"sync"
	"time"

	"github.com/yllada/openvpn-monitor/common"
)

// EventKind names an event published by a Client.
type EventKind string

const (
	// EventReady fires every time the handshake banner is received. Payload: ReadyInfo.
	EventReady EventKind = "manager:ready"
	// EventClientConnection carries a ConnectionClient.
	EventClientConnection EventKind = "client:connection"
	// EventByteCount carries a ByteCount.
	EventByteCount EventKind = "bytecount:cli"
	// EventClientList carries a []ClientListEntry snapshot.
	EventClientList EventKind = "client:list"
	// EventRoutingTable carries a []RoutingEntry snapshot.
	EventRoutingTable EventKind = "routing:table"
	// EventServerTime carries a ServerTime.
	EventServerTime EventKind = "server:time"
	// EventClientDisconnect carries the []string of common names that vanished.
	EventClientDisconnect EventKind = "client:disconnect"
	// EventSocketError carries a *ConnectionError.
	EventSocketError EventKind = "socket:error"
)

// EventKinds lists every kind in a stable order.
var EventKinds = []EventKind{
	EventReady,
	EventClientConnection,
	EventByteCount,
	EventClientList,
	EventRoutingTable,
	EventServerTime,
	EventClientDisconnect,
	EventSocketError,
}

// ReadyInfo is the payload of EventReady.
type ReadyInfo struct {
	ConnectionID string `json:"id"`
	Address      string `json:"address"`
}

// Event is one published record.
type Event struct {
	Kind         EventKind   `json:"type"`
	ConnectionID string      `json:"id"`
	Time         time.Time   `json:"time"`
	Payload      interface{} `json:"payload,omitempty"`
}

// ClientConnection returns the payload of an EventClientConnection.
func (e Event) ClientConnection() (ConnectionClient, bool) {
	v, ok := e.Payload.(ConnectionClient)
	return v, ok
}

// ByteCount returns the payload of an EventByteCount.
func (e Event) ByteCount() (ByteCount, bool) {
	v, ok := e.Payload.(ByteCount)
	return v, ok
}

// ClientList returns the payload of an EventClientList.
func (e Event) ClientList() ([]ClientListEntry, bool) {
	v, ok := e.Payload.([]ClientListEntry)
	return v, ok
}

// RoutingTable returns the payload of an EventRoutingTable.
func (e Event) RoutingTable() ([]RoutingEntry, bool) {
	v, ok := e.Payload.([]RoutingEntry)
	return v, ok
}

// ServerTime returns the payload of an EventServerTime.
func (e Event) ServerTime() (ServerTime, bool) {
	v, ok := e.Payload.(ServerTime)
	return v, ok
}

// Disconnected returns the payload of an EventClientDisconnect.
func (e Event) Disconnected() ([]string, bool) {
	v, ok := e.Payload.([]string)
	return v, ok
}

// SocketError returns the payload of an EventSocketError.
func (e Event) SocketError() (*ConnectionError, bool) {
	v, ok := e.Payload.(*ConnectionError)
	return v, ok
}

// Handler receives events. It runs on the goroutine that emitted the event,
// which is the connection's reader for everything except dial failures.
type Handler func(Event)

// ListenerID identifies a registration for Off.
type ListenerID uint64

type listener struct {
	id   ListenerID
	kind EventKind // empty matches every kind
	once bool
	fn   Handler
}

// Bus is a synchronous in-process fan-out. Delivery is best-effort: a
// panicking handler is logged and skipped, and nothing is queued.
type Bus struct {
	mu        sync.Mutex
	next      ListenerID
	listeners []listener
	logger    common.Logger
}

// NewBus returns an empty bus. A nil logger discards panic reports.
func NewBus(logger common.Logger) *Bus {
	if logger == nil {
		logger = common.NopLogger{}
	}
	return &Bus{logger: logger}
}

// On registers fn for kind.
func (b *Bus) On(kind EventKind, fn Handler) ListenerID {
	return b.add(kind, false, fn)
}

// OnAny registers fn for every kind.
func (b *Bus) OnAny(fn Handler) ListenerID {
	return b.add("", false, fn)
}

// Once registers fn for the next event of kind only.
func (b *Bus) Once(kind EventKind, fn Handler) ListenerID {
	return b.add(kind, true, fn)
}

func (b *Bus) add(kind EventKind, once bool, fn Handler) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	b.listeners = append(b.listeners, listener{id: b.next, kind: kind, once: once, fn: fn})
	return b.next
}

// Off removes one registration. It reports whether it was found.
func (b *Bus) Off(id ListenerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, l := range b.listeners {
		if l.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveAll drops every listener registered for the given kinds, or every
// listener when no kind is given.
func (b *Bus) RemoveAll(kinds ...EventKind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(kinds) == 0 {
		b.listeners = nil
		return
	}
	kept := b.listeners[:0:0]
	for _, l := range b.listeners {
		drop := false
		for _, k := range kinds {
			if l.kind == k {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, l)
		}
	}
	b.listeners = kept
}

// Len returns the number of registrations.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Emit delivers ev to matching listeners in registration order and returns
// once all of them have run. Listeners may register or remove listeners.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	var targets []Handler
	kept := b.listeners[:0:0]
	for _, l := range b.listeners {
		match := l.kind == "" || l.kind == ev.Kind
		if match {
			targets = append(targets, l.fn)
		}
		if !(match && l.once) {
			kept = append(kept, l)
		}
	}
	b.listeners = kept
	b.mu.Unlock()

	for _, fn := range targets {
		b.call(fn, ev)
	}
}

func (b *Bus) call(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("listener for %s panicked: %v", ev.Kind, r)
		}
	}()
	fn(ev)
}
