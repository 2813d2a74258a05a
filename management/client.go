package management

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yllada/openvpn-monitor/common"
)

const statusCommand = "status 2\r\n"

// ClientOptions extend Options with polling and framing settings.
type ClientOptions struct {
	Options

	// StatusInterval is the period of "status 2" polls.
	StatusInterval time.Duration
	// ByteCountInterval, in seconds, enables >BYTECOUNT_CLI notifications when > 0.
	ByteCountInterval int
	// MaxBufferSize caps data buffered without a block terminator.
	MaxBufferSize int
}

// Client is the monitoring pipeline for one OpenVPN server: it owns a Conn,
// frames and classifies everything the server sends, maps it to typed records
// and publishes them on its Bus. It also polls the client list and reports
// clients that vanish from it.
type Client struct {
	desc     Descriptor
	opts     ClientOptions
	log      common.Logger
	conn     *Conn
	bus      *Bus
	frames   *FrameReader
	presence *PresenceTracker

	mu       sync.Mutex
	pollStop chan struct{}
}

// NewClient builds a Client. An empty descriptor id is replaced by a random one.
func NewClient(desc Descriptor, opts ClientOptions) *Client {
	if desc.ID == "" {
		desc.ID = common.GenerateID()
	}
	opts.Options = opts.Options.withDefaults(desc.ID)
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = common.StatusInterval
	}
	if opts.MaxBufferSize <= 0 {
		opts.MaxBufferSize = common.MaxBufferSize
	}

	c := &Client{
		desc:     desc,
		opts:     opts,
		log:      opts.Logger,
		conn:     NewConn(desc, opts.Options),
		bus:      NewBus(opts.Logger),
		frames:   NewFrameReader(opts.MaxBufferSize),
		presence: NewPresenceTracker(),
	}
	c.conn.SetDataHandler(c.handleChunk)
	c.conn.SetReadyHandler(c.handleReady)
	c.conn.SetErrorHandler(c.handleError)
	c.conn.SetCloseHandler(c.handleClose)
	return c
}

// ID returns the connection id stamped on every record.
func (c *Client) ID() string {
	return c.desc.ID
}

// Descriptor returns the endpoint of this client.
func (c *Client) Descriptor() Descriptor {
	return c.desc
}

// State returns the connection state.
func (c *Client) State() State {
	return c.conn.State()
}

// Bus returns the event bus.
func (c *Client) Bus() *Bus {
	return c.bus
}

// On registers a listener for kind.
func (c *Client) On(kind EventKind, fn Handler) ListenerID {
	return c.bus.On(kind, fn)
}

// Once registers a listener for the next event of kind.
func (c *Client) Once(kind EventKind, fn Handler) ListenerID {
	return c.bus.Once(kind, fn)
}

// Off removes a listener.
func (c *Client) Off(id ListenerID) bool {
	return c.bus.Off(id)
}

// ActiveClients returns the common names of the latest snapshot.
func (c *Client) ActiveClients() []string {
	return c.presence.Active()
}

// Connect connects and waits for the handshake. See Conn.Connect.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Write sends a raw command. See Conn.Write.
func (c *Client) Write(cmd string) error {
	return c.conn.Write(cmd)
}

// RequestStatus asks for a client list outside the polling schedule.
func (c *Client) RequestStatus() error {
	return c.conn.Write(statusCommand)
}

// Reconnect schedules a reconnect after the configured delay.
func (c *Client) Reconnect() error {
	return c.conn.Reconnect()
}

// Close closes the transport but keeps listeners; Connect may be called again.
func (c *Client) Close(ctx context.Context) error {
	c.stopPoller()
	return c.conn.Close(ctx)
}

// Shutdown stops polling, cancels timers, closes the transport and detaches
// every listener. The client cannot be reused.
func (c *Client) Shutdown(ctx context.Context) error {
	c.stopPoller()
	err := c.conn.Shutdown(ctx)
	c.bus.RemoveAll()
	if err != nil {
		return fmt.Errorf("shutdown %s: %w", c.desc.ID, err)
	}
	return nil
}

func (c *Client) emit(kind EventKind, payload interface{}) {
	c.bus.Emit(Event{
		Kind:         kind,
		ConnectionID: c.desc.ID,
		Time:         time.Now(),
		Payload:      payload,
	})
}

// handleChunk runs on the reader goroutine for every inbound chunk.
func (c *Client) handleChunk(data []byte) {
	blocks, err := c.frames.Feed(data)
	for _, block := range blocks {
		c.dispatch(block)
	}
	if err != nil {
		c.conn.drop(&ConnectionError{ConnectionID: c.desc.ID, Op: "frame", Err: err})
	}

	if gone := c.presence.EndOfBatch(); len(gone) > 0 {
		c.log.Info("Clients disconnected: %v", gone)
		c.emit(EventClientDisconnect, gone)
	}
}

func (c *Client) dispatch(block string) {
	cl := Classify(block)
	switch cl.Kind {
	case KindClientConnected:
		client, err := MapConnectionClient(c.desc.ID, ParseClientMetadata(cl.Raw))
		if err != nil {
			c.log.Warn("Dropping client-connected block: %v", err)
			return
		}
		c.presence.Observe(client.CommonName)
		c.emit(EventClientConnection, client)

	case KindByteCount:
		for _, payload := range ByteCountPayloads(cl.Raw) {
			fields, ok := ParseByteCount(payload)
			if !ok {
				c.log.Debug("Dropping malformed byte count %q", payload)
				continue
			}
			c.emit(EventByteCount, MapByteCount(c.desc.ID, fields))
		}

	case KindClientDisconnectNotice:
		c.requestStatus()

	case KindClientList:
		entries := MapClientList(c.desc.ID, ParseClientStatus(cl.Raw))
		c.presence.ApplySnapshot(entries)
		c.emit(EventClientList, entries)
		c.emit(EventRoutingTable, MapRoutingTable(c.desc.ID, ParseRoutingTable(cl.Raw)))
		if row, ok := ParseServerTime(cl.Raw); ok {
			c.emit(EventServerTime, MapServerTime(c.desc.ID, row))
		}

	default:
		if c.opts.Debug {
			c.log.Debug("Unhandled block: %q", cl.Raw)
		}
	}
}

func (c *Client) handleReady() {
	c.frames.Reset()
	c.emit(EventReady, ReadyInfo{ConnectionID: c.desc.ID, Address: c.desc.Address()})

	if c.opts.ByteCountInterval > 0 {
		_ = c.conn.Write(fmt.Sprintf("bytecount %d\r\n", c.opts.ByteCountInterval))
	}
	c.startPoller()
}

func (c *Client) handleError(err error) {
	c.emit(EventSocketError, asConnectionError(c.desc.ID, err))
}

func asConnectionError(id string, err error) *ConnectionError {
	if cerr, ok := err.(*ConnectionError); ok {
		return cerr
	}
	return &ConnectionError{ConnectionID: id, Op: "read", Err: err}
}

func (c *Client) handleClose() {
	c.stopPoller()
	c.frames.Reset()
}

func (c *Client) requestStatus() {
	if err := c.conn.Write(statusCommand); err != nil {
		c.log.Debug("Status request not sent: %v", err)
	}
}

// startPoller requests a status report now and then every StatusInterval.
// At most one poller runs.
func (c *Client) startPoller() {
	c.mu.Lock()
	if c.pollStop != nil {
		close(c.pollStop)
	}
	stop := make(chan struct{})
	c.pollStop = stop
	c.mu.Unlock()

	c.requestStatus()

	go func() {
		ticker := time.NewTicker(c.opts.StatusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.requestStatus()
			}
		}
	}()
}

func (c *Client) stopPoller() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pollStop != nil {
		close(c.pollStop)
		c.pollStop = nil
	}
}
