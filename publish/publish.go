// Package publish forwards management events to NATS subjects.
package publish

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/yllada/openvpn-monitor/common"
	"github.com/yllada/openvpn-monitor/management"
)

// Publisher sends one message to a subject. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Subject returns "<prefix>.<id>.<kind>" with the kind's ':' turned into
// '.', so "client:list" becomes "client.list". Dots and spaces in id are
// replaced by '_' to keep it a single token.
func Subject(prefix, id string, kind management.EventKind) string {
	id = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(id)
	return prefix + "." + id + "." + strings.ReplaceAll(string(kind), ":", ".")
}

// Forwarder publishes every event it handles as JSON.
type Forwarder struct {
	pub    Publisher
	prefix string
	log    common.Logger
}

// NewForwarder returns a Forwarder using pub. An empty prefix uses the default.
func NewForwarder(pub Publisher, prefix string, logger common.Logger) *Forwarder {
	if prefix == "" {
		prefix = common.DefaultNATSPrefix
	}
	if logger == nil {
		logger = common.GetLogger().WithPrefix("[nats]")
	}
	return &Forwarder{pub: pub, prefix: prefix, log: logger}
}

// Attach forwards every event published on bus.
func (f *Forwarder) Attach(bus *management.Bus) management.ListenerID {
	return bus.OnAny(f.Handle)
}

// Handle publishes ev. Failures are logged and dropped.
func (f *Forwarder) Handle(ev management.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		f.log.Error("Failed to encode %s: %v", ev.Kind, err)
		return
	}

	subject := Subject(f.prefix, ev.ConnectionID, ev.Kind)
	if err := f.pub.Publish(subject, data); err != nil {
		f.log.Warn("Failed to publish %s: %v", subject, err)
	}
}

// Connect dials the NATS server at url. The connection reconnects on its
// own for as long as it stays open.
func Connect(url string, logger common.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = common.GetLogger().WithPrefix("[nats]")
	}

	nc, err := nats.Connect(url,
		nats.Name(common.AppName),
		nats.Timeout(common.DialTimeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS at %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, common.WrapError(err, "connecting to NATS")
	}

	logger.Info("Connected to NATS at %s", nc.ConnectedUrl())
	return nc, nil
}
