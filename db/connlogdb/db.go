// Package connlogdb implements sqlite3 storage for the proxy connection log.
package connlogdb

import (
	"net/netip"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
)

// DB stores one row per finished proxied connection.
type DB struct {
	x *sqlx.DB
}

// Open opens a DB from the provided sqlite3 path.
func Open(name string) (*DB, error) {
	// note: WAL keeps the async writer from stalling on readers
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	return &DB{x}, nil
}

func (db *DB) Close() error {
	return db.x.Close()
}

// A Record describes one finished connection.
type Record struct {
	ID        string `db:"id"`
	StartedAt int64  `db:"started_at"` // unix milliseconds
	Duration  int64  `db:"duration_ms"`
	Client    string `db:"client"`
	Dest      string `db:"dest"`
	BytesIn   int64  `db:"bytes_in"`
	BytesOut  int64  `db:"bytes_out"`
	Reason    string `db:"close_reason"`
}

// NewRecord builds a Record from raw connection facts.
func NewRecord(id string, client, dest netip.AddrPort, started time.Time, d time.Duration, in, out uint64, reason string) Record {
	return Record{
		ID:        id,
		StartedAt: started.UnixMilli(),
		Duration:  d.Milliseconds(),
		Client:    client.String(),
		Dest:      dest.String(),
		BytesIn:   int64(in),
		BytesOut:  int64(out),
		Reason:    reason,
	}
}

// Add inserts a record.
func (db *DB) Add(r Record) error {
	_, err := db.x.NamedExec(`
		INSERT INTO conns (id, started_at, duration_ms, client, dest, bytes_in, bytes_out, close_reason)
		VALUES (:id, :started_at, :duration_ms, :client, :dest, :bytes_in, :bytes_out, :close_reason)
	`, r)
	return err
}

// Recent returns up to n records, newest first.
func (db *DB) Recent(n int) ([]Record, error) {
	var rs []Record
	if err := db.x.Select(&rs, `
		SELECT id, started_at, duration_ms, client, dest, bytes_in, bytes_out, close_reason
		FROM conns ORDER BY started_at DESC, id DESC LIMIT ?
	`, n); err != nil {
		return nil, err
	}
	return rs, nil
}
