// Package history records client connections, byte counters and
// disconnects in a local SQLite database.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yllada/openvpn-monitor/common"
	"github.com/yllada/openvpn-monitor/management"
)

const schema = `
CREATE TABLE IF NOT EXISTS connections (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	at            INTEGER NOT NULL,
	server        TEXT NOT NULL,
	common_name   TEXT NOT NULL,
	untrusted_ip  TEXT,
	pool_ip       TEXT,
	platform      TEXT,
	ciphers       TEXT
);
CREATE TABLE IF NOT EXISTS byte_counts (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	at             INTEGER NOT NULL,
	server         TEXT NOT NULL,
	client_id      INTEGER,
	bytes_received INTEGER,
	bytes_sent     INTEGER
);
CREATE TABLE IF NOT EXISTS disconnects (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	at          INTEGER NOT NULL,
	server      TEXT NOT NULL,
	common_name TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS connections_at ON connections(at);
CREATE INDEX IF NOT EXISTS disconnects_at ON disconnects(at);
`

// Kinds of history entries.
const (
	KindConnected    = "connected"
	KindByteCount    = "bytecount"
	KindDisconnected = "disconnected"
)

// Entry is one row returned by Recent.
type Entry struct {
	Time         time.Time
	ConnectionID string
	Kind         string
	// Subject is the common name, or the client id for byte counts.
	Subject string
	Detail  string
}

// Recorder writes events to the database. It is safe for concurrent use.
type Recorder struct {
	db  *sql.DB
	log common.Logger
}

// Open opens or creates the database at path.
func Open(path string, logger common.Logger) (*Recorder, error) {
	if logger == nil {
		logger = common.GetLogger().WithPrefix("[history]")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}

	return &Recorder{db: db, log: logger}, nil
}

// Close closes the database.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// Attach records every event published on bus.
func (r *Recorder) Attach(bus *management.Bus) management.ListenerID {
	return bus.OnAny(r.Handle)
}

// Handle records ev if it is a connection, byte count or disconnect event.
func (r *Recorder) Handle(ev management.Event) {
	var err error
	switch ev.Kind {
	case management.EventClientConnection:
		if c, ok := ev.ClientConnection(); ok {
			err = r.RecordConnection(ev.Time, c)
		}
	case management.EventByteCount:
		if bc, ok := ev.ByteCount(); ok {
			err = r.RecordByteCount(ev.Time, bc)
		}
	case management.EventClientDisconnect:
		if names, ok := ev.Disconnected(); ok {
			err = r.RecordDisconnects(ev.Time, ev.ConnectionID, names)
		}
	}
	if err != nil {
		r.log.Error("Failed to record %s: %v", ev.Kind, err)
	}
}

// RecordConnection stores a newly connected client.
func (r *Recorder) RecordConnection(at time.Time, c management.ConnectionClient) error {
	_, err := r.db.Exec(
		`INSERT INTO connections (at, server, common_name, untrusted_ip, pool_ip, platform, ciphers)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		at.UnixMilli(), c.ConnectionID, c.CommonName, c.UntrustedIP, c.IfconfigPoolRemoteIP,
		c.Peer.Platform, strings.Join(c.Peer.Ciphers, ":"),
	)
	return err
}

// RecordByteCount stores one counter sample. Invalid numbers are stored as NULL.
func (r *Recorder) RecordByteCount(at time.Time, bc management.ByteCount) error {
	_, err := r.db.Exec(
		`INSERT INTO byte_counts (at, server, client_id, bytes_received, bytes_sent) VALUES (?, ?, ?, ?, ?)`,
		at.UnixMilli(), bc.ConnectionID, nullable(bc.ClientID), nullable(bc.BytesReceived), nullable(bc.BytesSent),
	)
	return err
}

// RecordDisconnects stores one row per vanished client.
func (r *Recorder) RecordDisconnects(at time.Time, server string, names []string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, name := range names {
		if _, err := tx.Exec(
			`INSERT INTO disconnects (at, server, common_name) VALUES (?, ?, ?)`,
			at.UnixMilli(), server, name,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func nullable(n management.Number) sql.NullInt64 {
	return sql.NullInt64{Int64: n.Value, Valid: n.Valid}
}

// Recent returns the newest entries across all tables, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT at, server, 'connected', common_name, COALESCE(untrusted_ip, '') FROM connections
		UNION ALL
		SELECT at, server, 'bytecount', COALESCE(client_id, ''),
		       COALESCE(bytes_received, '') || '/' || COALESCE(bytes_sent, '') FROM byte_counts
		UNION ALL
		SELECT at, server, 'disconnected', common_name, '' FROM disconnects
		ORDER BY 1 DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			at int64
			e  Entry
		)
		if err := rows.Scan(&at, &e.ConnectionID, &e.Kind, &e.Subject, &e.Detail); err != nil {
			return nil, fmt.Errorf("reading history: %w", err)
		}
		e.Time = time.UnixMilli(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Disconnects returns how many disconnects were recorded for a common name.
func (r *Recorder) Disconnects(ctx context.Context, commonName string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM disconnects WHERE common_name = ?`, commonName,
	).Scan(&n)
	return n, err
}
