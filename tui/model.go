// Package tui is the terminal dashboard: a live table of connected clients,
// recent disconnects and the management connection state.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/yllada/openvpn-monitor/management"
)

const (
	maxDisconnects = 8
	eventBuffer    = 256
)

// Controller is the part of a management client the dashboard drives.
type Controller interface {
	Descriptor() management.Descriptor
	State() management.State
	RequestStatus() error
	Reconnect() error
}

// EventMsg delivers one management event to the model.
type EventMsg management.Event

type actionErrMsg struct{ err error }

type disconnect struct {
	at   time.Time
	name string
}

// Subscribe forwards bus events to a channel for Model. Events are dropped
// when the dashboard falls behind.
func Subscribe(bus *management.Bus) (<-chan management.Event, management.ListenerID) {
	ch := make(chan management.Event, eventBuffer)
	id := bus.OnAny(func(ev management.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch, id
}

// Model is the root Bubble Tea model.
type Model struct {
	ctrl   Controller
	events <-chan management.Event
	keys   KeyMap

	width  int
	height int

	table       table.Model
	clients     []management.ClientListEntry
	disconnects []disconnect
	serverTime  string
	connected   bool
	lastErr     string
	lastUpdate  time.Time
}

// New creates the model. events is usually the channel from Subscribe.
func New(ctrl Controller, events <-chan management.Event) Model {
	t := table.New(
		table.WithColumns(columns(80)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(ColorBorder).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(ColorBright).
		Background(lipgloss.Color("#1f2937")).
		Bold(false)
	t.SetStyles(styles)

	return Model{
		ctrl:   ctrl,
		events: events,
		keys:   DefaultKeyMap(),
		table:  t,
	}
}

func columns(width int) []table.Column {
	name := 18
	if width > 100 {
		name = 28
	}
	return []table.Column{
		{Title: "Common Name", Width: name},
		{Title: "Real Address", Width: 22},
		{Title: "Virtual", Width: 14},
		{Title: "Received", Width: 10},
		{Title: "Sent", Width: 10},
		{Title: "Since", Width: 19},
	}
}

// Init waits for the first event.
func (m Model) Init() tea.Cmd {
	return m.waitForEvent()
}

func (m Model) waitForEvent() tea.Cmd {
	if m.events == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return nil
		}
		return EventMsg(ev)
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetColumns(columns(msg.Width))
		if h := msg.Height - 14; h > 3 {
			m.table.SetHeight(h)
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case EventMsg:
		m.apply(management.Event(msg))
		return m, m.waitForEvent()

	case actionErrMsg:
		m.lastErr = msg.err.Error()
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Reconnect):
		return m, m.action(Controller.Reconnect)

	case key.Matches(msg, m.keys.Refresh):
		return m, m.action(Controller.RequestStatus)
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) action(fn func(Controller) error) tea.Cmd {
	if m.ctrl == nil {
		return nil
	}
	ctrl := m.ctrl
	return func() tea.Msg {
		if err := fn(ctrl); err != nil {
			return actionErrMsg{err}
		}
		return nil
	}
}

func (m *Model) apply(ev management.Event) {
	switch ev.Kind {
	case management.EventReady:
		m.connected = true
		m.lastErr = ""

	case management.EventClientList:
		if entries, ok := ev.ClientList(); ok {
			m.clients = entries
			m.lastUpdate = ev.Time
			m.table.SetRows(rows(entries))
		}

	case management.EventServerTime:
		if st, ok := ev.ServerTime(); ok {
			m.serverTime = st.ASCII
		}

	case management.EventClientDisconnect:
		if names, ok := ev.Disconnected(); ok {
			for _, name := range names {
				m.disconnects = append([]disconnect{{at: ev.Time, name: name}}, m.disconnects...)
			}
			if len(m.disconnects) > maxDisconnects {
				m.disconnects = m.disconnects[:maxDisconnects]
			}
		}

	case management.EventSocketError:
		m.connected = false
		if cerr, ok := ev.SocketError(); ok {
			m.lastErr = cerr.Error()
		}
	}
}

func rows(entries []management.ClientListEntry) []table.Row {
	out := make([]table.Row, 0, len(entries))
	for _, e := range entries {
		out = append(out, table.Row{
			e.CommonName,
			e.RealAddress,
			e.VirtualAddress,
			humanBytes(e.BytesReceived),
			humanBytes(e.BytesSent),
			e.ConnectedSince,
		})
	}
	return out
}

// humanBytes formats a byte count with a binary unit.
func humanBytes(n management.Number) string {
	if !n.Valid {
		return "-"
	}
	const unit = 1024
	if n.Value < unit {
		return fmt.Sprintf("%d B", n.Value)
	}
	div, exp := int64(unit), 0
	for v := n.Value / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n.Value)/float64(div), "KMGTPE"[exp])
}

// View renders the dashboard.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.header())
	b.WriteString("\n")
	b.WriteString(tableBorder.Render(m.table.View()))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render("Recent disconnects"))
	b.WriteString("\n")
	if len(m.disconnects) == 0 {
		b.WriteString(dimStyle.Render("  none"))
		b.WriteString("\n")
	}
	for _, d := range m.disconnects {
		fmt.Fprintf(&b, "  %s  %s\n", dimStyle.Render(d.at.Format("15:04:05")), d.name)
	}

	if m.lastErr != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("Error: " + m.lastErr))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render(m.helpLine()))
	return b.String()
}

func (m Model) header() string {
	title := "OpenVPN Monitor"
	state := "disconnected"
	if m.ctrl != nil {
		desc := m.ctrl.Descriptor()
		title += "  " + desc.String()
		state = m.ctrl.State().String()
	}

	var stateStr string
	switch {
	case m.connected:
		stateStr = lipgloss.NewStyle().Foreground(ColorHealthy).Render("● " + state)
	case m.lastErr != "":
		stateStr = lipgloss.NewStyle().Foreground(ColorDanger).Render("○ " + state)
	default:
		stateStr = lipgloss.NewStyle().Foreground(ColorWarning).Render("○ " + state)
	}

	sep := lipgloss.NewStyle().Foreground(ColorBorder).Render(" | ")
	line := titleStyle.Render(title) + sep + stateStr + sep +
		fmt.Sprintf("%d clients", len(m.clients))
	if m.serverTime != "" {
		line += sep + dimStyle.Render("server time "+m.serverTime)
	}
	return line
}

func (m Model) helpLine() string {
	parts := make([]string, 0, len(m.keys.ShortHelp()))
	for _, b := range m.keys.ShortHelp() {
		h := b.Help()
		parts = append(parts, h.Key+" "+h.Desc)
	}
	return strings.Join(parts, "  ")
}

// Run starts the dashboard and blocks until the user quits or ctx is done.
func Run(ctx context.Context, ctrl Controller, events <-chan management.Event) error {
	p := tea.NewProgram(New(ctrl, events), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
