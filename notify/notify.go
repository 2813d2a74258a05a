// Package notify shows desktop notifications for client connection events.
package notify

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/openvpn-monitor/common"
	"github.com/yllada/openvpn-monitor/management"
)

const (
	notificationsDest   = "org.freedesktop.Notifications"
	notificationsPath   = dbus.ObjectPath("/org/freedesktop/Notifications")
	notificationsMethod = "org.freedesktop.Notifications.Notify"

	expireDefault = int32(-1)
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotificationInfo NotificationType = iota
	NotificationSuccess
	NotificationWarning
	NotificationError
)

// Notification represents a desktop notification
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	Icon    string
}

func (n Notification) icon() string {
	if n.Icon != "" {
		return n.Icon
	}
	switch n.Type {
	case NotificationWarning:
		return "dialog-warning"
	case NotificationError:
		return "dialog-error"
	default:
		return "network-vpn"
	}
}

// urgency follows the freedesktop hint: 0 low, 1 normal, 2 critical.
func (n Notification) urgency() byte {
	switch n.Type {
	case NotificationError:
		return 2
	case NotificationWarning:
		return 1
	default:
		return 0
	}
}

// DBusNotifier sends notifications over the session bus.
// It implements common.Notifier.
type DBusNotifier struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

// NewDBusNotifier connects to the session bus.
func NewDBusNotifier() (*DBusNotifier, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, common.WrapError(err, "connecting to session bus")
	}
	return &DBusNotifier{
		conn: conn,
		obj:  conn.Object(notificationsDest, notificationsPath),
	}, nil
}

// Show displays n.
func (d *DBusNotifier) Show(n Notification) error {
	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(n.urgency()),
	}
	call := d.obj.Call(notificationsMethod, 0,
		common.AppName, // app_name
		uint32(0),      // replaces_id
		n.icon(),
		n.Title,
		n.Message,
		[]string{}, // actions
		hints,
		expireDefault,
	)
	if call.Err != nil {
		return fmt.Errorf("sending notification: %w", call.Err)
	}
	return nil
}

// Notify implements common.Notifier.
func (d *DBusNotifier) Notify(title, message string) error {
	return d.Show(Notification{Title: title, Message: message})
}

// NotifyWithIcon implements common.Notifier.
func (d *DBusNotifier) NotifyWithIcon(title, message, icon string) error {
	return d.Show(Notification{Title: title, Message: message, Icon: icon})
}

// Close closes the bus connection.
func (d *DBusNotifier) Close() error {
	return d.conn.Close()
}

// Watcher turns management events into notifications.
type Watcher struct {
	notifier common.Notifier
	log      common.Logger
}

// NewWatcher returns a Watcher sending through notifier.
func NewWatcher(notifier common.Notifier, logger common.Logger) *Watcher {
	if logger == nil {
		logger = common.GetLogger().WithPrefix("[notify]")
	}
	return &Watcher{notifier: notifier, log: logger}
}

// Attach registers the watcher on bus for the events it reports.
func (w *Watcher) Attach(bus *management.Bus) []management.ListenerID {
	return []management.ListenerID{
		bus.On(management.EventClientConnection, w.Handle),
		bus.On(management.EventClientDisconnect, w.Handle),
		bus.On(management.EventSocketError, w.Handle),
	}
}

// Handle shows a notification for connects, disconnects and socket errors.
func (w *Watcher) Handle(ev management.Event) {
	var err error
	switch ev.Kind {
	case management.EventClientConnection:
		c, ok := ev.ClientConnection()
		if !ok {
			return
		}
		msg := c.CommonName + " connected to " + ev.ConnectionID
		if c.UntrustedIP != "" {
			msg += " from " + c.UntrustedIP
		}
		err = w.notifier.NotifyWithIcon("Client Connected", msg, "network-vpn")

	case management.EventClientDisconnect:
		names, ok := ev.Disconnected()
		if !ok || len(names) == 0 {
			return
		}
		err = w.notifier.NotifyWithIcon("Client Disconnected",
			strings.Join(names, ", ")+" left "+ev.ConnectionID, "network-vpn-disconnected")

	case management.EventSocketError:
		cerr, ok := ev.SocketError()
		if !ok {
			return
		}
		err = w.notifier.NotifyWithIcon("Management Connection Error", cerr.Error(), "network-vpn-error")
	}
	if err != nil {
		w.log.Warn("Error showing notification: %v", err)
	}
}
