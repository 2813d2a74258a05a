package management

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/openvpn-monitor/common"
)

func newOfflineClient(t *testing.T) (*Client, *eventLog) {
	t.Helper()
	c := NewClient(Descriptor{ID: "srv1", Host: "127.0.0.1", Port: 7505}, ClientOptions{
		Options: Options{Logger: common.NopLogger{}, Reconnect: ReconnectNever},
	})
	events := &eventLog{}
	c.Bus().OnAny(events.add)
	return c, events
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Descriptor{Host: "127.0.0.1", Port: 7505}, ClientOptions{Options: Options{Logger: common.NopLogger{}}})

	assert.Len(t, c.ID(), 36, "an id is generated when missing")
	assert.Equal(t, common.StatusInterval, c.opts.StatusInterval)
	assert.Equal(t, common.MaxBufferSize, c.opts.MaxBufferSize)
	assert.Equal(t, ReconnectAlways, c.opts.Reconnect)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_StatusSnapshotsAndDisconnects(t *testing.T) {
	c, events := newOfflineClient(t)

	c.handleChunk([]byte(statusReply("alice", "bob")))
	assert.Equal(t, []EventKind{EventClientList, EventRoutingTable, EventServerTime}, events.kinds())

	list, ok := events.ofKind(EventClientList)[0].ClientList()
	require.True(t, ok)
	require.Len(t, list, 2)
	assert.Equal(t, "srv1", list[0].ConnectionID)
	assert.Equal(t, "alice", list[0].CommonName)
	assert.Equal(t, []string{"alice", "bob"}, c.ActiveClients())

	c.handleChunk([]byte(statusReply("alice")))
	gone := events.ofKind(EventClientDisconnect)
	require.Len(t, gone, 1)
	names, _ := gone[0].Disconnected()
	assert.Equal(t, []string{"bob"}, names)
	assert.Equal(t, "srv1", gone[0].ConnectionID)

	// Chunks without a snapshot never repeat the report.
	c.handleChunk([]byte("SUCCESS: nothing\r\nEND\r\n"))
	c.handleChunk([]byte(statusReply("alice")))
	assert.Len(t, events.ofKind(EventClientDisconnect), 1)
}

func TestClient_FragmentedStatus(t *testing.T) {
	c, events := newOfflineClient(t)

	reply := testStatus
	for i := 0; i < len(reply); i += 50 {
		end := i + 50
		if end > len(reply) {
			end = len(reply)
		}
		c.handleChunk([]byte(reply[i:end]))
	}

	lists := events.ofKind(EventClientList)
	require.Len(t, lists, 1)
	list, _ := lists[0].ClientList()
	assert.Len(t, list, 2)

	routes, _ := events.ofKind(EventRoutingTable)[0].RoutingTable()
	require.Len(t, routes, 2)
	assert.Equal(t, "leo-mob", routes[0].CommonName)
	assert.Equal(t, Num(1758226309), routes[0].LastRefEpoch)

	st, _ := events.ofKind(EventServerTime)[0].ServerTime()
	assert.Equal(t, "2025-09-18 23:11:49", st.ASCII)
	assert.Equal(t, Num(1758226309), st.Unix)
}

func TestClient_ByteCounts(t *testing.T) {
	c, events := newOfflineClient(t)

	c.handleChunk([]byte(">BYTECOUNT_CLI:7,1843580,58892570\r\n>BYTECOUNT_CLI:8,10,20\r\n>BYTECOUNT_CLI:9,1\r\nEND\r\n"))

	counts := events.ofKind(EventByteCount)
	require.Len(t, counts, 2, "the malformed line is dropped")
	bc, ok := counts[0].ByteCount()
	require.True(t, ok)
	assert.Equal(t, ByteCount{ConnectionID: "srv1", ClientID: Num(7), BytesReceived: Num(1843580), BytesSent: Num(58892570)}, bc)
}

func TestClient_ConnectedClientIsTracked(t *testing.T) {
	c, events := newOfflineClient(t)

	c.handleChunk([]byte(testEnv + "\r\nEND\r\n"))
	conns := events.ofKind(EventClientConnection)
	require.Len(t, conns, 1)
	cc, ok := conns[0].ClientConnection()
	require.True(t, ok)
	assert.Equal(t, "leo-mob", cc.CommonName)
	assert.Equal(t, "srv1", cc.ConnectionID)

	c.handleChunk([]byte(statusReply("someone-else")))
	gone := events.ofKind(EventClientDisconnect)
	require.Len(t, gone, 1)
	names, _ := gone[0].Disconnected()
	assert.Equal(t, []string{"leo-mob"}, names)
}

func TestClient_EnvWithoutCommonNameIsDropped(t *testing.T) {
	c, events := newOfflineClient(t)

	c.handleChunk([]byte(">CLIENT:ENV,untrusted_ip=1.2.3.4\r\n>CLIENT:ENV,END\r\nEND\r\n"))
	assert.Empty(t, events.kinds())
}

func TestClient_EndToEnd(t *testing.T) {
	s := newFakeServer(t)
	c := NewClient(s.descriptor(), ClientOptions{
		Options:           Options{Logger: common.NopLogger{}, Reconnect: ReconnectNever},
		StatusInterval:    time.Hour,
		ByteCountInterval: 5,
	})
	events := &eventLog{}
	c.Bus().OnAny(events.add)

	errc := make(chan error, 1)
	go func() { errc <- c.Connect(context.Background()) }()

	srv := s.accept(t)
	srv.send(t, testBanner)
	require.NoError(t, waitErr(t, errc))
	assert.Equal(t, []EventKind{EventReady}, events.kinds())

	assert.Equal(t, "bytecount 5", srv.readLine(t))
	assert.Equal(t, "status 2", srv.readLine(t))

	srv.send(t, statusReply("alice", "bob"))
	require.Eventually(t, func() bool { return len(events.ofKind(EventClientList)) == 1 }, time.Second, 5*time.Millisecond)

	// A remote-exit notice triggers a fresh status request.
	srv.send(t, ">NOTIFY:info,remote-exit,EXIT\r\nEND\r\n")
	assert.Equal(t, "status 2", srv.readLine(t))

	srv.send(t, statusReply("alice"))
	require.Eventually(t, func() bool { return len(events.ofKind(EventClientDisconnect)) == 1 }, time.Second, 5*time.Millisecond)
	names, _ := events.ofKind(EventClientDisconnect)[0].Disconnected()
	assert.Equal(t, []string{"bob"}, names)

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Zero(t, c.Bus().Len(), "shutdown detaches listeners")
	assert.Equal(t, StateClosed, c.State())
}

func TestClient_PollsOnInterval(t *testing.T) {
	s := newFakeServer(t)
	c := NewClient(s.descriptor(), ClientOptions{
		Options:        Options{Logger: common.NopLogger{}, Reconnect: ReconnectNever},
		StatusInterval: 30 * time.Millisecond,
	})

	errc := make(chan error, 1)
	go func() { errc <- c.Connect(context.Background()) }()
	srv := s.accept(t)
	srv.send(t, testBanner)
	require.NoError(t, waitErr(t, errc))

	for i := 0; i < 3; i++ {
		assert.Equal(t, "status 2", srv.readLine(t))
	}
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestClient_OverflowDropsConnection(t *testing.T) {
	s := newFakeServer(t)
	c := NewClient(s.descriptor(), ClientOptions{
		Options:        Options{Logger: common.NopLogger{}, Reconnect: ReconnectNever},
		StatusInterval: time.Hour,
		MaxBufferSize:  64,
	})
	events := &eventLog{}
	c.On(EventSocketError, events.add)

	errc := make(chan error, 1)
	go func() { errc <- c.Connect(context.Background()) }()
	srv := s.accept(t)
	srv.send(t, testBanner)
	require.NoError(t, waitErr(t, errc))

	srv.send(t, strings.Repeat("x", 200))
	require.Eventually(t, func() bool { return len(events.ofKind(EventSocketError)) == 1 }, time.Second, 5*time.Millisecond)

	cerr, ok := events.ofKind(EventSocketError)[0].SocketError()
	require.True(t, ok)
	assert.Equal(t, "frame", cerr.Op)
	assert.ErrorIs(t, cerr, common.ErrFrameTooLarge)
	require.Eventually(t, func() bool { return c.State() == StateClosed }, time.Second, 5*time.Millisecond)
}
