// Package devstore is a development entity store speaking the same JSON-RPC
// contract as the production store. Entities live in SQLite.
package devstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/memvault/internal/apperr"
	"github.com/starford/memvault/internal/remote"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS entities (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	key        TEXT NOT NULL UNIQUE,
	owner      TEXT NOT NULL,
	payload    BLOB NOT NULL,
	attributes TEXT NOT NULL DEFAULT '[]',
	expires_at INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_entities_owner ON entities(owner, seq);
`

// DB wraps a sql.DB holding entities. expires_at is a unix timestamp; zero
// never expires.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("devstore: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("devstore: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("devstore: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Insert stores a new entity.
func (db *DB) Insert(e remote.Entity) error {
	attrs, _ := json.Marshal(e.Attributes)
	_, err := db.conn.Exec(`
		INSERT INTO entities (key, owner, payload, attributes, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.Key, e.Owner, e.Payload, string(attrs), unix(e.ExpiresAt))
	if err != nil {
		return fmt.Errorf("devstore: insert %s: %w", e.Key, err)
	}
	return nil
}

// Update replaces payload, attributes and expiry of an existing entity.
func (db *DB) Update(e remote.Entity) error {
	attrs, _ := json.Marshal(e.Attributes)
	res, err := db.conn.Exec(`
		UPDATE entities
		SET payload = ?, attributes = ?, expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE key = ?
	`, e.Payload, string(attrs), unix(e.ExpiresAt), e.Key)
	if err != nil {
		return fmt.Errorf("devstore: update %s: %w", e.Key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("devstore: update %s: %w", e.Key, apperr.ErrNotFound)
	}
	return nil
}

// Delete removes an entity.
func (db *DB) Delete(key string) error {
	res, err := db.conn.Exec(`DELETE FROM entities WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("devstore: delete %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("devstore: delete %s: %w", key, apperr.ErrNotFound)
	}
	return nil
}

// Get returns a live entity. Expired entities are reported as not found.
func (db *DB) Get(key string, now time.Time) (*remote.Entity, error) {
	row := db.conn.QueryRow(`
		SELECT key, owner, payload, attributes, expires_at
		FROM entities
		WHERE key = ? AND (expires_at = 0 OR expires_at > ?)
	`, key, now.Unix())
	e, _, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("devstore: get %s: %w", key, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("devstore: get %s: %w", key, err)
	}
	return e, nil
}

// List returns up to limit live entities owned by owner after sequence
// number after, plus the sequence number of the last one returned and
// whether more remain. An empty owner lists every entity.
func (db *DB) List(owner string, after int64, limit int, now time.Time) ([]remote.Entity, int64, bool, error) {
	rows, err := db.conn.Query(`
		SELECT key, owner, payload, attributes, expires_at, seq
		FROM entities
		WHERE (? = '' OR owner = ?) AND seq > ? AND (expires_at = 0 OR expires_at > ?)
		ORDER BY seq
		LIMIT ?
	`, owner, owner, after, now.Unix(), limit+1)
	if err != nil {
		return nil, 0, false, fmt.Errorf("devstore: list: %w", err)
	}
	defer rows.Close()

	var (
		out  []remote.Entity
		last int64
		more bool
	)
	for rows.Next() {
		if len(out) == limit {
			more = true
			break
		}
		e, seq, err := scanEntity(rows)
		if err != nil {
			return nil, 0, false, fmt.Errorf("devstore: list scan: %w", err)
		}
		out = append(out, *e)
		last = seq
	}
	return out, last, more, rows.Err()
}

// Owner returns the owner of a live entity.
func (db *DB) Owner(key string, now time.Time) (string, error) {
	e, err := db.Get(key, now)
	if err != nil {
		return "", err
	}
	return e.Owner, nil
}

// PurgeExpired deletes entities whose expiry has passed.
func (db *DB) PurgeExpired(now time.Time) (int64, error) {
	res, err := db.conn.Exec(`DELETE FROM entities WHERE expires_at != 0 AND expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("devstore: purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(s scanner) (*remote.Entity, int64, error) {
	var (
		e       remote.Entity
		attrs   string
		expires int64
		seq     int64
		err     error
	)
	if rows, ok := s.(*sql.Rows); ok {
		err = rows.Scan(&e.Key, &e.Owner, &e.Payload, &attrs, &expires, &seq)
	} else {
		err = s.Scan(&e.Key, &e.Owner, &e.Payload, &attrs, &expires)
	}
	if err != nil {
		return nil, 0, err
	}
	if attrs != "" {
		if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
			return nil, 0, fmt.Errorf("attributes of %s: %w", e.Key, err)
		}
	}
	if expires != 0 {
		e.ExpiresAt = time.Unix(expires, 0).UTC()
	}
	return &e, seq, nil
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
