package management

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testBanner = ">INFO:OpenVPN Management Interface Version 5 -- type 'help' for more info\r\n"

const testStatus = "TITLE,OpenVPN 2.6.14 x86_64-pc-linux-gnu [SSL (OpenSSL)] [LZO] [LZ4] [EPOLL] [AEAD] [DCO]\r\n" +
	"TIME,2025-09-18 23:11:49,1758226309\r\n" +
	"HEADER,CLIENT_LIST,Common Name,Real Address,Virtual Address,Virtual IPv6 Address,Bytes Received,Bytes Sent,Connected Since,Connected Since (time_t),Username,Client ID,Peer ID,Data Channel Cipher\r\n" +
	"CLIENT_LIST,leo-mob,176.59.170.243:53658,10.8.0.2,,204183,249253,2025-09-18 23:10:54,1758226254,UNDEF,7,2,AES-256-GCM\r\n" +
	"CLIENT_LIST,domodedovo,82.138.49.254:58098,10.8.0.3,,61258,96978,2025-09-18 20:49:38,1758217778,UNDEF,3,0,AES-256-GCM\r\n" +
	"HEADER,ROUTING_TABLE,Virtual Address,Common Name,Real Address,Last Ref,Last Ref (time_t)\r\n" +
	"ROUTING_TABLE,10.8.0.2,leo-mob,176.59.170.243:53658,2025-09-18 23:11:49,1758226309\r\n" +
	"ROUTING_TABLE,10.8.0.3,domodedovo,82.138.49.254:58098,2025-09-18 23:11:42,1758226302\r\n" +
	"GLOBAL_STATS,Max bcast/mcast queue length,0\r\n" +
	"GLOBAL_STATS,dco_enabled,0\r\n" +
	"END\r\n"

// statusReply builds a terminated status block listing the given common names.
func statusReply(names ...string) string {
	var b strings.Builder
	b.WriteString("TITLE,OpenVPN 2.6.14\r\n")
	b.WriteString("TIME,2025-09-18 23:11:49,1758226309\r\n")
	b.WriteString("HEADER,CLIENT_LIST,Common Name,Real Address,Virtual Address,Virtual IPv6 Address,Bytes Received,Bytes Sent,Connected Since,Connected Since (time_t),Username,Client ID,Peer ID,Data Channel Cipher\r\n")
	for i, name := range names {
		fmt.Fprintf(&b, "CLIENT_LIST,%s,10.0.0.%d:1194,10.8.0.%d,,%d,%d,2025-09-18 23:10:54,1758226254,UNDEF,%d,%d,AES-256-GCM\r\n",
			name, i+10, i+2, 1000*(i+1), 2000*(i+1), i, i)
	}
	b.WriteString("HEADER,ROUTING_TABLE,Virtual Address,Common Name,Real Address,Last Ref,Last Ref (time_t)\r\n")
	b.WriteString("GLOBAL_STATS,dco_enabled,0\r\n")
	b.WriteString("END\r\n")
	return b.String()
}

// fakeServer is a loopback listener standing in for the OpenVPN management port.
type fakeServer struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{ln: ln, conns: make(chan net.Conn, 8)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.conns <- c
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeServer) descriptor() Descriptor {
	return Descriptor{ID: "test", Host: "127.0.0.1", Port: s.port(), Timeout: time.Second}
}

func (s *fakeServer) accept(t *testing.T) *serverConn {
	t.Helper()
	select {
	case c := <-s.conns:
		t.Cleanup(func() { c.Close() })
		return &serverConn{Conn: c, r: bufio.NewReader(c)}
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

// expectNoAccept fails if a connection arrives within d.
func (s *fakeServer) expectNoAccept(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case c := <-s.conns:
		c.Close()
		t.Fatal("unexpected connection")
	case <-time.After(d):
	}
}

type serverConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *serverConn) send(t *testing.T, text string) {
	t.Helper()
	_, err := c.Write([]byte(text))
	require.NoError(t, err)
}

func (c *serverConn) readLine(t *testing.T) string {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := c.r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(line, "\r\n")
}

// countingDialer counts dials and optionally blocks them until release is closed.
type countingDialer struct {
	dials   atomic.Int32
	release chan struct{}
	d       net.Dialer
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.dials.Add(1)
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return d.d.DialContext(ctx, network, address)
}

// recordLogger keeps formatted log lines with their level.
type recordLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordLogger) add(level, msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, level+" "+fmt.Sprintf(msg, args...))
}

func (l *recordLogger) Debug(msg string, args ...interface{}) { l.add("DEBUG", msg, args...) }
func (l *recordLogger) Info(msg string, args ...interface{})  { l.add("INFO", msg, args...) }
func (l *recordLogger) Warn(msg string, args ...interface{})  { l.add("WARN", msg, args...) }
func (l *recordLogger) Error(msg string, args ...interface{}) { l.add("ERROR", msg, args...) }

func (l *recordLogger) count(substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

// eventLog collects events from a bus.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventLog) add(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) kinds() []EventKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	kinds := make([]EventKind, 0, len(e.events))
	for _, ev := range e.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (e *eventLog) ofKind(kind EventKind) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event
	for _, ev := range e.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

// memStore is an in-memory credential store.
type memStore map[string]string

func (m memStore) Store(id, password string) error { m[id] = password; return nil }
func (m memStore) Delete(id string) error          { delete(m, id); return nil }
func (m memStore) Get(id string) (string, error) {
	if p, ok := m[id]; ok {
		return p, nil
	}
	return "", fmt.Errorf("no password for %s", id)
}
