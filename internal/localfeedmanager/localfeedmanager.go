// Package localfeedmanager implements the LocalFeedManager collaborator
// (spec.md §6): durable storage for signed subfeed messages, backing
// internal/subfeed.Store's Persistence seam. Grounded directly on the
// teacher's daemon/manager/persistence.go (sql.Open("sqlite", ...),
// schema-init-on-open, a mutex-guarded *sql.DB, INSERT OR REPLACE-style
// idempotent writes), swapped from QuantaraX's transfer-session/bitmap
// schema to one row per signed subfeed message.
package localfeedmanager

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kacheryhub/kachery-daemon/internal/subfeed"
)

// Manager is a SQLite-backed implementation of subfeed.Persistence,
// storing every subfeed's messages in one shared database keyed by
// (feed_id, subfeed_hash, message_number).
type Manager struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens (creating if necessary) a feed database at dbPath.
func Open(dbPath string) (*Manager, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("localfeedmanager: open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer-per-subfeed invariant extends to one shared connection
	db.SetConnMaxLifetime(time.Hour)

	m := &Manager{db: db, path: dbPath}
	if err := m.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS subfeed_messages (
			feed_id        TEXT NOT NULL,
			subfeed_hash   TEXT NOT NULL,
			message_number INTEGER NOT NULL,
			body_json      TEXT NOT NULL,
			signature      TEXT NOT NULL,
			PRIMARY KEY (feed_id, subfeed_hash, message_number)
		);

		CREATE INDEX IF NOT EXISTS idx_subfeed_messages_feed
			ON subfeed_messages(feed_id, subfeed_hash);
	`
	if _, err := m.db.Exec(schema); err != nil {
		return fmt.Errorf("localfeedmanager: initialize schema: %w", err)
	}
	return nil
}

func (m *Manager) Close() error { return m.db.Close() }

// LoadMessages returns every message persisted for (feedID, subfeedHash),
// ordered by message number, implementing subfeed.Persistence.
func (m *Manager) LoadMessages(feedID, subfeedHash string) ([]subfeed.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, err := m.db.Query(
		`SELECT body_json, signature FROM subfeed_messages
		 WHERE feed_id = ? AND subfeed_hash = ?
		 ORDER BY message_number ASC`,
		feedID, subfeedHash,
	)
	if err != nil {
		return nil, fmt.Errorf("localfeedmanager: query messages: %w", err)
	}
	defer rows.Close()

	var out []subfeed.Message
	for rows.Next() {
		var bodyJSON, sig string
		if err := rows.Scan(&bodyJSON, &sig); err != nil {
			return nil, fmt.Errorf("localfeedmanager: scan message row: %w", err)
		}
		var body subfeed.MessageBody
		if err := json.Unmarshal([]byte(bodyJSON), &body); err != nil {
			return nil, fmt.Errorf("localfeedmanager: malformed stored message body: %w", err)
		}
		out = append(out, subfeed.Message{Body: body, Signature: sig})
	}
	return out, rows.Err()
}

// AppendMessages persists msgs for (feedID, subfeedHash) atomically: all
// rows commit in a single transaction, or none do (spec.md §4.6's "append
// atomically — either all or none of the new range is on disk"). Writing
// the same message_number twice is a quiet no-op (INSERT OR IGNORE),
// tolerating the idempotent-replay case the spec calls out.
func (m *Manager) AppendMessages(feedID, subfeedHash string, msgs []subfeed.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("localfeedmanager: begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO subfeed_messages
		 (feed_id, subfeed_hash, message_number, body_json, signature)
		 VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("localfeedmanager: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, msg := range msgs {
		bodyJSON, err := json.Marshal(msg.Body)
		if err != nil {
			return fmt.Errorf("localfeedmanager: marshal message body: %w", err)
		}
		if _, err := stmt.Exec(feedID, subfeedHash, msg.Body.MessageNumber, string(bodyJSON), msg.Signature); err != nil {
			return fmt.Errorf("localfeedmanager: insert message %d: %w", msg.Body.MessageNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("localfeedmanager: commit transaction: %w", err)
	}
	return nil
}

// Probe runs a trivial round trip against the database, for
// observability.LocalFeedManagerCheck.
func (m *Manager) Probe(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var one int
	return m.db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// ListSubfeeds returns every distinct (feedID, subfeedHash) pair this
// database has at least one message for, so the daemon can re-open every
// known subfeed's in-memory Store on startup.
func (m *Manager) ListSubfeeds() ([]SubfeedKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, err := m.db.Query(`SELECT DISTINCT feed_id, subfeed_hash FROM subfeed_messages`)
	if err != nil {
		return nil, fmt.Errorf("localfeedmanager: list subfeeds: %w", err)
	}
	defer rows.Close()

	var out []SubfeedKey
	for rows.Next() {
		var k SubfeedKey
		if err := rows.Scan(&k.FeedID, &k.SubfeedHash); err != nil {
			return nil, fmt.Errorf("localfeedmanager: scan subfeed key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// SubfeedKey identifies one subfeed by its owning feed's public key and
// subfeed name hash (spec.md §3).
type SubfeedKey struct {
	FeedID      string
	SubfeedHash string
}
