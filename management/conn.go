package management

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/yllada/openvpn-monitor/common"
)

const (
	// banner is sent by the server once it accepts commands.
	banner = ">INFO:OpenVPN Management Interface"
	// passwordPrompt is sent first when the server has a management password.
	passwordPrompt = "ENTER PASSWORD:"

	writeTimeout = 5 * time.Second
	readBufSize  = 32 * 1024
	// maxPending caps the text kept while looking for the banner.
	maxPending = 4096
)

// Conn owns one transport to a management interface and drives it through
// the connect, handshake, ready and closed states. Inbound bytes are handed
// to the data handler in arrival order from a single reader goroutine.
//
// Every connect attempt gets a new generation number. Goroutines and timers
// started for an older generation become no-ops, so a late read or timer can
// never act on a newer transport.
type Conn struct {
	desc Descriptor
	opts Options
	log  common.Logger

	mu             sync.Mutex
	state          State
	gen            uint64
	transport      net.Conn
	readerDone     chan struct{}
	busyStop       chan struct{}
	reconnectTimer *time.Timer
	everReady      bool
	userClosed     bool
	shutdown       bool
	dropErr        error

	onData  func([]byte)
	onReady func()
	onError func(error)
	onClose func()
}

// NewConn returns a disconnected Conn.
func NewConn(desc Descriptor, opts Options) *Conn {
	opts = opts.withDefaults(desc.ID)
	return &Conn{
		desc:  desc,
		opts:  opts,
		log:   opts.Logger,
		state: StateDisconnected,
	}
}

// SetDataHandler sets the callback for inbound bytes received after the handshake.
func (c *Conn) SetDataHandler(handler func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onData = handler
}

// SetReadyHandler sets the callback run after each successful handshake.
func (c *Conn) SetReadyHandler(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReady = handler
}

// SetErrorHandler sets the callback for transport errors. It receives a *ConnectionError.
func (c *Conn) SetErrorHandler(handler func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// SetCloseHandler sets the callback run whenever the transport closes.
func (c *Conn) SetCloseHandler(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = handler
}

// Descriptor returns the endpoint this Conn was built for.
func (c *Conn) Descriptor() Descriptor {
	return c.desc
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the management interface and blocks until the handshake
// banner arrives, the attempt fails, or ctx is done.
//
// While an attempt is in flight or the connection is ready, Connect logs and
// returns nil without touching the transport.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return common.ErrShutdown
	}
	if c.state.busy() {
		state := c.state
		c.mu.Unlock()
		c.log.Warn("Connect ignored: connection is %s", state)
		return nil
	}
	gen, ready, failed := c.beginLocked()
	c.mu.Unlock()

	return c.connect(ctx, gen, ready, failed, false)
}

// beginLocked starts a new generation. c.mu must be held.
func (c *Conn) beginLocked() (uint64, chan struct{}, chan error) {
	c.gen++
	c.state = StateConnecting
	c.userClosed = false
	c.dropErr = nil
	return c.gen, make(chan struct{}), make(chan error, 1)
}

func (c *Conn) connect(ctx context.Context, gen uint64, ready chan struct{}, failed chan error, reconnecting bool) error {
	addr := c.desc.Address()
	c.log.Info("Connecting to management interface at %s", addr)

	dialCtx := ctx
	if c.desc.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.desc.Timeout)
		defer cancel()
	}

	nc, err := c.opts.Dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		c.mu.Lock()
		current := c.gen == gen
		if current {
			c.state = StateClosed
		}
		c.mu.Unlock()

		if ctx.Err() != nil {
			return contextError(ctx)
		}
		cerr := &ConnectionError{ConnectionID: c.desc.ID, Op: "dial", Err: err}
		c.log.Error("Failed to connect to %s: %v", addr, err)
		c.emitError(cerr)
		if reconnecting && current && c.opts.Reconnect == ReconnectAlways {
			c.scheduleReconnect()
		}
		return cerr
	}

	c.mu.Lock()
	if c.gen != gen || c.userClosed || c.shutdown {
		if c.gen == gen {
			c.state = StateClosed
		}
		c.mu.Unlock()
		nc.Close()
		return common.ErrCancelled
	}
	done := make(chan struct{})
	busyStop := make(chan struct{})
	c.transport = nc
	c.readerDone = done
	c.busyStop = busyStop
	c.state = StateAwaitingHandshake
	c.mu.Unlock()

	c.log.Debug("Transport open to %s, awaiting banner", addr)
	go c.warnBusy(busyStop)
	go c.readLoop(gen, nc, done, ready, failed)

	if reconnecting {
		return nil
	}

	select {
	case <-ready:
		return nil
	case err := <-failed:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		if c.gen == gen {
			c.userClosed = true
		}
		c.mu.Unlock()
		nc.Close()
		return contextError(ctx)
	}
}

func contextError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return common.ErrTimeout
	}
	return common.ErrCancelled
}

// warnBusy logs until stop is closed. A server that already has a management
// client attached accepts the TCP connection but never sends the banner.
func (c *Conn) warnBusy(stop chan struct{}) {
	ticker := time.NewTicker(c.opts.BusyWarningInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.log.Warn("Server %s is busy: no management banner yet, another management client may be attached", c.desc.Address())
		}
	}
}

// stopBusyLocked stops the busy-warning goroutine. c.mu must be held.
func (c *Conn) stopBusyLocked() {
	if c.busyStop != nil {
		close(c.busyStop)
		c.busyStop = nil
	}
}

// stopReconnectLocked cancels a pending reconnect. c.mu must be held.
func (c *Conn) stopReconnectLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Conn) readLoop(gen uint64, nc net.Conn, done chan struct{}, ready chan struct{}, failed chan error) {
	defer close(done)

	buf := make([]byte, readBufSize)
	var pending []byte
	handshake := true
	passwordSent := false

	for {
		n, err := nc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if c.opts.Debug {
				c.log.Debug("<< %q", chunk)
			}

			if !handshake {
				c.deliver(gen, chunk)
			} else {
				pending = append(pending, chunk...)
				text := string(pending)

				if !passwordSent && strings.Contains(text, passwordPrompt) {
					passwordSent = true
					c.sendPassword(nc)
				}

				if i := strings.Index(text, banner); i >= 0 {
					handshake = false
					pending = nil
					rest := ""
					if j := strings.IndexByte(text[i:], '\n'); j >= 0 {
						rest = text[i+j+1:]
					}
					if !c.markReady(gen, ready) {
						nc.Close()
						return
					}
					if rest != "" {
						c.deliver(gen, []byte(rest))
					}
				} else if len(pending) > maxPending {
					pending = pending[len(pending)-len(banner):]
				}
			}
		}
		if err != nil {
			c.handleClose(gen, nc, err, failed)
			return
		}
	}
}

func (c *Conn) sendPassword(nc net.Conn) {
	password := c.desc.Password
	if password == "" && c.opts.Credentials != nil {
		stored, err := c.opts.Credentials.Get(c.desc.ID)
		if err != nil && !errors.Is(err, common.ErrCredentialsNotFound) {
			c.log.Warn("Could not read stored management password: %v", err)
		}
		password = stored
	}
	if password == "" {
		c.log.Error("Server %s asked for a management password but none is configured", c.desc.Address())
		return
	}

	_ = nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := io.WriteString(nc, password+"\n"); err != nil {
		c.log.Error("Failed to send management password: %v", err)
		return
	}
	c.log.Debug("Management password sent")
}

// markReady completes the handshake for gen. It returns false when gen is stale.
func (c *Conn) markReady(gen uint64, ready chan struct{}) bool {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	c.state = StateReady
	c.everReady = true
	c.stopBusyLocked()
	c.stopReconnectLocked()
	onReady := c.onReady
	c.mu.Unlock()

	c.log.Info("Management interface ready at %s", c.desc.Address())
	if onReady != nil {
		onReady()
	}
	close(ready)
	return true
}

func (c *Conn) deliver(gen uint64, data []byte) {
	c.mu.Lock()
	stale := c.gen != gen
	onData := c.onData
	c.mu.Unlock()

	if !stale && onData != nil {
		onData(data)
	}
}

func (c *Conn) handleClose(gen uint64, nc net.Conn, readErr error, failed chan error) {
	nc.Close()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	wasReady := c.state == StateReady
	deliberate := c.userClosed || c.shutdown
	dropErr := c.dropErr
	c.state = StateClosed
	c.transport = nil
	c.stopBusyLocked()
	everReady := c.everReady
	onClose := c.onClose
	c.mu.Unlock()

	err := readErr
	if errors.Is(err, io.EOF) {
		err = common.ErrConnectionClosed
	}

	switch {
	case dropErr != nil:
		c.log.Error("Connection to %s dropped: %v", c.desc.Address(), dropErr)
		c.emitError(dropErr)
	case !wasReady:
		cerr := &ConnectionError{ConnectionID: c.desc.ID, Op: "handshake", Err: err}
		select {
		case failed <- cerr:
		default:
		}
		if !deliberate {
			c.log.Error("Connection to %s closed before handshake: %v", c.desc.Address(), err)
			c.emitError(cerr)
		}
	case !deliberate:
		c.log.Warn("Connection to %s lost: %v", c.desc.Address(), err)
		c.emitError(&ConnectionError{ConnectionID: c.desc.ID, Op: "read", Err: err})
	default:
		c.log.Info("Connection to %s closed", c.desc.Address())
	}

	if onClose != nil {
		onClose()
	}

	if !deliberate && everReady && c.opts.Reconnect == ReconnectAlways {
		c.scheduleReconnect()
	}
}

func (c *Conn) emitError(err error) {
	c.mu.Lock()
	onError := c.onError
	c.mu.Unlock()
	if onError != nil {
		onError(err)
	}
}

// Reconnect schedules a connect attempt after the reconnect delay. A pending
// attempt is replaced, never stacked.
func (c *Conn) Reconnect() error {
	c.mu.Lock()
	shutdown := c.shutdown
	c.mu.Unlock()
	if shutdown {
		return common.ErrShutdown
	}
	c.scheduleReconnect()
	return nil
}

func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return
	}
	c.stopReconnectLocked()

	c.log.Info("Reconnecting to %s in %v", c.desc.Address(), c.opts.ReconnectDelay)
	var timer *time.Timer
	timer = time.AfterFunc(c.opts.ReconnectDelay, func() {
		c.mu.Lock()
		if c.reconnectTimer != timer {
			c.mu.Unlock()
			return
		}
		c.reconnectTimer = nil
		if c.shutdown || c.state.busy() {
			c.mu.Unlock()
			return
		}
		gen, ready, failed := c.beginLocked()
		c.mu.Unlock()

		_ = c.connect(context.Background(), gen, ready, failed, true)
	})
	c.reconnectTimer = timer
}

// Write sends cmd verbatim; the caller supplies the line terminator.
// Nothing is queued: without a ready transport the write is logged and fails.
func (c *Conn) Write(cmd string) error {
	c.mu.Lock()
	nc := c.transport
	state := c.state
	c.mu.Unlock()

	if nc == nil {
		c.log.Error("Write %q failed: not connected", strings.TrimSpace(cmd))
		return common.ErrNotConnected
	}
	if state != StateReady {
		c.log.Error("Write %q failed: connection is %s", strings.TrimSpace(cmd), state)
		return common.ErrNotReady
	}

	if c.opts.Debug {
		c.log.Debug(">> %q", cmd)
	}
	_ = nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := io.WriteString(nc, cmd); err != nil {
		c.log.Error("Write %q failed: %v", strings.TrimSpace(cmd), err)
		return &ConnectionError{ConnectionID: c.desc.ID, Op: "write", Err: err}
	}
	return nil
}

// Close ends the transport and waits for the reader to exit. No reconnect
// follows a Close. It is a no-op without a transport.
//
// Close must not be called from a data or event handler: those run on the
// reader goroutine, so Close would wait until ctx expires.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	c.userClosed = true
	c.stopReconnectLocked()
	c.stopBusyLocked()
	nc := c.transport
	done := c.readerDone
	if nc == nil {
		if c.state.busy() {
			c.state = StateClosed
		}
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := nc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.log.Warn("Error closing connection to %s: %v", c.desc.Address(), err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return contextError(ctx)
	}
}

// Shutdown cancels every timer, closes the transport and refuses further connects.
func (c *Conn) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.shutdown = true
	c.mu.Unlock()
	return c.Close(ctx)
}

// drop closes the transport after a protocol failure. reason is reported as
// the socket error and the reconnect policy applies as for a lost connection.
// It does not wait, so it is safe to call from the data handler.
func (c *Conn) drop(reason error) {
	c.mu.Lock()
	nc := c.transport
	if nc != nil && c.dropErr == nil {
		c.dropErr = reason
	}
	c.mu.Unlock()

	if nc != nil {
		nc.Close()
	}
}
