package management

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/yllada/openvpn-monitor/common"
)

// Descriptor identifies one management endpoint. It is immutable once a
// Conn has been built from it.
type Descriptor struct {
	// ID is stamped on every record produced by this connection.
	ID string
	// Host and Port locate the management listener.
	Host string
	Port int
	// Timeout bounds the TCP connect. Zero means no timeout.
	Timeout time.Duration
	// Username is carried for callers; the management protocol only asks for a password.
	Username string
	// Password answers the "ENTER PASSWORD:" prompt when the server uses
	// a management password file.
	Password string
}

// Address returns host:port.
func (d Descriptor) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// String omits credentials.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s (%s)", d.ID, d.Address())
}

// ReconnectPolicy controls what happens after the transport closes.
type ReconnectPolicy string

const (
	// ReconnectAlways schedules a reconnect after any close, provided the
	// connection reached Ready at least once.
	ReconnectAlways ReconnectPolicy = common.ReconnectAlways
	// ReconnectNever leaves the connection closed.
	ReconnectNever ReconnectPolicy = common.ReconnectNever
	// ReconnectManual leaves the connection closed until Reconnect is called.
	ReconnectManual ReconnectPolicy = common.ReconnectManual
)

// ParseReconnectPolicy validates a policy name.
func ParseReconnectPolicy(s string) (ReconnectPolicy, bool) {
	switch p := ReconnectPolicy(s); p {
	case ReconnectAlways, ReconnectNever, ReconnectManual:
		return p, true
	default:
		return "", false
	}
}

// State is the lifecycle state of a Conn.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHandshake
	StateReady
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateAwaitingHandshake:
		return "AwaitingHandshake"
	case StateReady:
		return "Ready"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// busy reports whether a connect attempt is in flight or established.
func (s State) busy() bool {
	return s == StateConnecting || s == StateAwaitingHandshake || s == StateReady
}

// Dialer opens the transport. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options tune a Conn. Zero values are replaced by the defaults in common.
type Options struct {
	Reconnect           ReconnectPolicy
	ReconnectDelay      time.Duration
	BusyWarningInterval time.Duration
	// Debug logs every inbound chunk and outbound command.
	Debug bool

	Logger      common.Logger
	Dialer      Dialer
	Credentials common.CredentialStore
}

func (o Options) withDefaults(id string) Options {
	if _, ok := ParseReconnectPolicy(string(o.Reconnect)); !ok {
		o.Reconnect = ReconnectAlways
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = common.ReconnectDelay
	}
	if o.BusyWarningInterval <= 0 {
		o.BusyWarningInterval = common.BusyWarningInterval
	}
	if o.Logger == nil {
		o.Logger = common.GetLogger().WithPrefix("[mgmt:" + id + "]")
	}
	if o.Dialer == nil {
		o.Dialer = &net.Dialer{KeepAlive: 30 * time.Second}
	}
	return o
}
