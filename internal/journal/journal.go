// journal.go

// Package journal persists locally submitted operations in SQLite so a
// client can inspect or resubmit unacknowledged writes after a crash.
package journal

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	json "github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
)

// Entry is one journaled operation.
type Entry struct {
	ID         int64
	Src        string
	Seq        int64
	Collection string
	DocID      string
	Op         json.RawMessage
	Acked      bool
}

// Journal is an append-only op log.
type Journal struct {
	db *sql.DB
}

// Open initializes the journal database at path and creates the schema.
// WAL mode keeps appends from blocking reads; the busy timeout covers
// concurrent access from the janitor.
func Open(path string) (*Journal, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping journal database: %w", err)
	}

	schema := `
    CREATE TABLE IF NOT EXISTS oplog (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        timestamp TEXT NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
        src TEXT NOT NULL,
        seq INTEGER NOT NULL,
        collection_name TEXT NOT NULL,
        document_id TEXT NOT NULL,
        op JSON,
        acked INTEGER NOT NULL DEFAULT 0
    );
    CREATE UNIQUE INDEX IF NOT EXISTS oplog_src_seq ON oplog (src, seq);
    `
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create oplog schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append records one submitted op. Re-appending the same (src, seq), as
// happens when a document retries a send after reconnect, replaces the row.
func (j *Journal) Append(src string, seq int64, collection, docID string, op json.RawMessage) error {
	_, err := j.db.Exec(
		`INSERT OR REPLACE INTO oplog (src, seq, collection_name, document_id, op) VALUES (?, ?, ?, ?, json(?))`,
		src, seq, collection, docID, string(op),
	)
	if err != nil {
		return fmt.Errorf("failed to append op %s/%d: %w", src, seq, err)
	}
	return nil
}

// Ack marks one op acknowledged by the server.
func (j *Journal) Ack(src string, seq int64) error {
	_, err := j.db.Exec(`UPDATE oplog SET acked = 1 WHERE src = ? AND seq = ?`, src, seq)
	if err != nil {
		return fmt.Errorf("failed to ack op %s/%d: %w", src, seq, err)
	}
	return nil
}

// PendingCount returns the number of unacknowledged ops.
func (j *Journal) PendingCount() (int64, error) {
	var n int64
	err := j.db.QueryRow(`SELECT COUNT(*) FROM oplog WHERE acked = 0`).Scan(&n)
	return n, err
}

// Pending returns the unacknowledged ops for src in submission order.
func (j *Journal) Pending(src string) ([]Entry, error) {
	rows, err := j.db.Query(
		`SELECT id, src, seq, collection_name, document_id, op, acked FROM oplog WHERE acked = 0 AND src = ? ORDER BY seq ASC`,
		src,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var op sql.NullString
		var acked int
		if err := rows.Scan(&e.ID, &e.Src, &e.Seq, &e.Collection, &e.DocID, &op, &acked); err != nil {
			return nil, err
		}
		if op.Valid {
			e.Op = json.RawMessage(op.String)
		}
		e.Acked = acked != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecordOp satisfies the connection's op sink. Journal failures are logged;
// they must not block the send path.
func (j *Journal) RecordOp(src string, seq int64, collection, id string, op json.RawMessage) {
	if err := j.Append(src, seq, collection, id, op); err != nil {
		log.Printf("[journal] %v", err)
	}
}

// pruneAcked deletes acknowledged ops older than cutoff and reports how many
// rows went.
func (j *Journal) pruneAcked(cutoff time.Time) (int64, error) {
	result, err := j.db.Exec(
		`DELETE FROM oplog WHERE acked = 1 AND timestamp < ?`,
		cutoff.UTC().Format("2006-01-02 15:04:05"),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// RunJanitor starts a background goroutine that periodically prunes
// acknowledged ops older than the retention period.
func (j *Journal) RunJanitor(retention, interval time.Duration) {
	log.Printf("[journal] janitor started. Retention: %v, Interval: %v", retention, interval)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			removed, err := j.pruneAcked(time.Now().Add(-retention))
			if err != nil {
				log.Printf("[journal] janitor prune failed: %v", err)
				continue
			}
			if removed > 0 {
				log.Printf("[journal] janitor removed %d acked ops", removed)
			}
		}
	}()
}
