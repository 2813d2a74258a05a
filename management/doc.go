// Package management implements a client for the OpenVPN management interface.
//
// The management interface is a line-oriented TCP protocol exposed by an
// OpenVPN server. This package connects to it, waits for the greeting banner,
// and turns the inbound byte stream into typed events.
//
// # Pipeline
//
// Inbound data flows through a fixed chain, one stage per file:
//
//   - Conn (conn.go): owns the TCP transport, handshake and reconnect timers
//   - FrameReader (frame.go): splits the stream into blocks terminated by an END line
//   - Classify (classify.go): tags each block with the kind of record it carries
//   - Parsers (parse.go): turn raw text into key/value pairs or comma-separated rows
//   - Mappers (records.go): build ConnectionClient, ByteCount and ClientListEntry values
//   - PresenceTracker (presence.go): infers disconnects by diffing client-list snapshots
//   - Bus (events.go): synchronous, in-process fan-out of Event values
//
// Client (client.go) wires the stages together, polls "status 2" on an
// interval and exposes the listener API.
//
// # Ordering
//
// Every block is classified, parsed and emitted on the connection's read
// goroutine before the next block is looked at, so listeners observe records
// in wire order. Listeners must not block.
//
// # Example
//
//	c := management.NewClient(management.Descriptor{
//	    ID:   "office",
//	    Host: "127.0.0.1",
//	    Port: 7505,
//	}, management.ClientOptions{})
//
//	c.On(management.EventClientDisconnect, func(e management.Event) {
//	    names, _ := e.Disconnected()
//	    fmt.Println("gone:", names)
//	})
//
//	if err := c.Connect(ctx); err != nil {
//	    return err
//	}
//	defer c.Shutdown(context.Background())
package management
