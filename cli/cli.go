// Package cli provides command-line interface functionality for OpenVPN
// Monitor. It lets users query a management interface from the terminal
// without launching the dashboard.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/yllada/openvpn-monitor/common"
	"github.com/yllada/openvpn-monitor/config"
	"github.com/yllada/openvpn-monitor/history"
	"github.com/yllada/openvpn-monitor/management"
)

// CLI represents the command-line interface.
type CLI struct {
	cfg   *config.Config
	creds common.CredentialStore
	out   io.Writer
}

// New creates a new CLI instance writing to stdout.
func New(cfg *config.Config, creds common.CredentialStore) *CLI {
	return &CLI{cfg: cfg, creds: creds, out: os.Stdout}
}

// SetOutput redirects command output.
func (c *CLI) SetOutput(w io.Writer) {
	c.out = w
}

// BuildClient returns a management client for the configured server.
// creds may be nil.
func BuildClient(cfg *config.Config, creds common.CredentialStore) *management.Client {
	opts := cfg.ClientOptions()
	opts.Credentials = creds
	return management.NewClient(cfg.Descriptor(), opts)
}

// Status connects once, waits for the first client list and prints it.
func (c *CLI) Status(ctx context.Context) error {
	cfg := *c.cfg
	cfg.Reconnect = common.ReconnectNever
	client := BuildClient(&cfg, c.creds)

	lists := make(chan []management.ClientListEntry, 1)
	client.Once(management.EventClientList, func(ev management.Event) {
		entries, _ := ev.ClientList()
		lists <- entries
	})
	errs := make(chan error, 1)
	client.On(management.EventSocketError, func(ev management.Event) {
		if cerr, ok := ev.SocketError(); ok {
			select {
			case errs <- cerr:
			default:
			}
		}
	})

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), common.ShutdownTimeout)
		defer cancel()
		_ = client.Shutdown(shutdownCtx)
	}()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to %s: %w", client.Descriptor().Address(), err)
	}

	select {
	case entries := <-lists:
		c.printClients(entries)
		return nil
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *CLI) printClients(entries []management.ClientListEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(c.out, "No clients connected.")
		return
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COMMON NAME\tREAL ADDRESS\tVIRTUAL ADDRESS\tRECEIVED\tSENT\tCONNECTED")
	fmt.Fprintln(w, "-----------\t------------\t---------------\t--------\t----\t---------")

	for _, e := range entries {
		connected := e.ConnectedSince
		if e.ConnectedSinceEpoch.Valid {
			connected = formatDuration(time.Since(time.Unix(e.ConnectedSinceEpoch.Value, 0)))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CommonName, e.RealAddress, e.VirtualAddress,
			e.BytesReceived, e.BytesSent, connected)
	}

	w.Flush()
}

// Watch connects and prints every event until ctx is cancelled.
func (c *CLI) Watch(ctx context.Context) error {
	client := BuildClient(c.cfg, c.creds)
	client.Bus().OnAny(func(ev management.Event) {
		fmt.Fprintln(c.out, FormatEvent(ev))
	})

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), common.ShutdownTimeout)
		defer cancel()
		_ = client.Shutdown(shutdownCtx)
	}()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to %s: %w", client.Descriptor().Address(), err)
	}

	<-ctx.Done()
	return nil
}

// FormatEvent renders one event as a single log-style line.
func FormatEvent(ev management.Event) string {
	ts := ev.Time.Format("15:04:05")
	switch ev.Kind {
	case management.EventReady:
		if info, ok := ev.Payload.(management.ReadyInfo); ok {
			return fmt.Sprintf("%s %s ready at %s", ts, ev.ConnectionID, info.Address)
		}
	case management.EventClientConnection:
		if cl, ok := ev.ClientConnection(); ok {
			return fmt.Sprintf("%s %s connected from %s as %s", ts, cl.CommonName, cl.UntrustedIP, cl.IfconfigPoolRemoteIP)
		}
	case management.EventByteCount:
		if bc, ok := ev.ByteCount(); ok {
			return fmt.Sprintf("%s client %s rx=%s tx=%s", ts, bc.ClientID, bc.BytesReceived, bc.BytesSent)
		}
	case management.EventClientList:
		if entries, ok := ev.ClientList(); ok {
			return fmt.Sprintf("%s %d clients connected", ts, len(entries))
		}
	case management.EventRoutingTable:
		if routes, ok := ev.RoutingTable(); ok {
			return fmt.Sprintf("%s %d routes", ts, len(routes))
		}
	case management.EventServerTime:
		if st, ok := ev.ServerTime(); ok {
			return fmt.Sprintf("%s server time %s", ts, st.ASCII)
		}
	case management.EventClientDisconnect:
		if names, ok := ev.Disconnected(); ok {
			return fmt.Sprintf("%s disconnected: %s", ts, strings.Join(names, ", "))
		}
	case management.EventSocketError:
		if cerr, ok := ev.SocketError(); ok {
			return fmt.Sprintf("%s error: %v", ts, cerr)
		}
	}
	return fmt.Sprintf("%s %s", ts, ev.Kind)
}

// History prints the newest recorded events.
func (c *CLI) History(ctx context.Context, limit int) error {
	path, err := c.cfg.HistoryPath()
	if err != nil {
		return err
	}
	if !common.FileExists(path) {
		fmt.Fprintln(c.out, "No history recorded. Enable history in the configuration.")
		return nil
	}

	rec, err := history.Open(path, nil)
	if err != nil {
		return err
	}
	defer rec.Close()

	entries, err := rec.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(c.out, "No history recorded.")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSERVER\tEVENT\tSUBJECT\tDETAIL")
	fmt.Fprintln(w, "----\t------\t-----\t-------\t------")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.Time.Format("2006-01-02 15:04:05"), e.ConnectionID, e.Kind, e.Subject, e.Detail)
	}
	w.Flush()
	return nil
}

// SetPassword stores the management password for the configured connection.
// An empty password is read from the terminal without echo.
func (c *CLI) SetPassword(password string) error {
	if c.creds == nil {
		return errors.New("no credential store available")
	}
	if password == "" {
		p, err := ReadPassword("Management password: ")
		if err != nil {
			return err
		}
		password = p
	}

	if err := c.creds.Store(c.cfg.Connection.ID, password); err != nil {
		return fmt.Errorf("failed to store password: %w", err)
	}
	fmt.Fprintf(c.out, "✓ Password saved for %s\n", c.cfg.Connection.ID)
	return nil
}

// DeletePassword removes the stored management password.
func (c *CLI) DeletePassword() error {
	if c.creds == nil {
		return errors.New("no credential store available")
	}
	if err := c.creds.Delete(c.cfg.Connection.ID); err != nil {
		return fmt.Errorf("failed to delete password: %w", err)
	}
	fmt.Fprintf(c.out, "✓ Password removed for %s\n", c.cfg.Connection.ID)
	return nil
}

// ReadPassword prompts on stderr and reads a line from the terminal without echo.
func ReadPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	data, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	if len(data) == 0 {
		return "", errors.New("password cannot be empty")
	}
	return string(data), nil
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours >= 24 {
		return fmt.Sprintf("%dd %dh", hours/24, hours%24)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// PrintHelp prints CLI usage help.
func PrintHelp() {
	fmt.Println(`OpenVPN Monitor - OpenVPN management interface client

Usage:
  openvpn-monitor [OPTIONS]

Options:
  --config PATH        Configuration file (default ~/.config/openvpn-monitor/config.yaml)
  --version            Show version and exit
  --verbose            Enable verbose logging
  --status             Print the connected clients once and exit
  --watch              Print every management event until interrupted
  --daemon             Run headless with the configured sinks (history, metrics, stream, NATS)
  --history N          Print the N newest recorded events
  --set-password       Store the management password in the keyring
  --delete-password    Remove the stored management password
  --help               Show this help message

Examples:
  openvpn-monitor
  openvpn-monitor --status
  openvpn-monitor --watch --verbose
  openvpn-monitor --daemon --config /etc/openvpn-monitor.yaml
  openvpn-monitor --history 20

Notes:
  - Run without options to open the terminal dashboard
  - The management interface is enabled with "management 127.0.0.1 7505" in the server config`)
}
