// Package checkpoint persists session snapshots to SQLite so a restart
// resumes conversations and counting chains where they left off.
package checkpoint

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tallybot/tallybot/pkg/counting"
	"github.com/tallybot/tallybot/pkg/domain"
	"github.com/tallybot/tallybot/pkg/logger"
	"github.com/tallybot/tallybot/pkg/session"
)

//go:embed schema.sql
var schema string

// DB is the checkpoint store, one row per channel key.
type DB struct {
	*sql.DB
	path string
}

// Open creates the parent directory if needed, opens the database and
// applies the schema.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("init checkpoint schema: %w", err)
	}

	logger.InfoCF("checkpoint", "checkpoint store opened", map[string]interface{}{
		"path": path,
	})
	return &DB{DB: sqlDB, path: path}, nil
}

// Save upserts one snapshot.
func (db *DB) Save(snap session.Snapshot) error {
	history, err := json.Marshal(snap.History)
	if err != nil {
		return fmt.Errorf("marshal history for %s: %w", snap.Key, err)
	}

	_, err = db.Exec(`
		INSERT INTO channel_contexts (key, origin, history, expected_next, last_contributor, last_count_message_id, approved, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			origin = excluded.origin,
			history = excluded.history,
			expected_next = excluded.expected_next,
			last_contributor = excluded.last_contributor,
			last_count_message_id = excluded.last_count_message_id,
			approved = excluded.approved,
			updated_at = excluded.updated_at
	`, snap.Key, snap.Origin, string(history),
		snap.Counting.ExpectedNext, snap.Counting.LastContributor,
		snap.Counting.LastMessageID, boolToInt(snap.Counting.Approved),
		snap.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", snap.Key, err)
	}
	return nil
}

// SaveAll upserts a batch of snapshots in one transaction.
func (db *DB) SaveAll(snaps []session.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin checkpoint tx: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO channel_contexts (key, origin, history, expected_next, last_contributor, last_count_message_id, approved, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			origin = excluded.origin,
			history = excluded.history,
			expected_next = excluded.expected_next,
			last_contributor = excluded.last_contributor,
			last_count_message_id = excluded.last_count_message_id,
			approved = excluded.approved,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare checkpoint upsert: %w", err)
	}
	defer stmt.Close()

	for _, snap := range snaps {
		history, err := json.Marshal(snap.History)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("marshal history for %s: %w", snap.Key, err)
		}
		if _, err := stmt.Exec(snap.Key, snap.Origin, string(history),
			snap.Counting.ExpectedNext, snap.Counting.LastContributor,
			snap.Counting.LastMessageID, boolToInt(snap.Counting.Approved),
			snap.UpdatedAt.UTC().Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("save checkpoint %s: %w", snap.Key, err)
		}
	}
	return tx.Commit()
}

// Load returns the snapshot for one key, or ok=false when there is none.
func (db *DB) Load(key string) (session.Snapshot, bool, error) {
	row := db.QueryRow(`
		SELECT key, origin, history, expected_next, last_contributor, last_count_message_id, approved, updated_at
		FROM channel_contexts WHERE key = ?
	`, key)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return session.Snapshot{}, false, nil
	}
	if err != nil {
		return session.Snapshot{}, false, err
	}
	return snap, true, nil
}

// LoadAll returns every stored snapshot, for the boot-time merge.
func (db *DB) LoadAll() ([]session.Snapshot, error) {
	rows, err := db.Query(`
		SELECT key, origin, history, expected_next, last_contributor, last_count_message_id, approved, updated_at
		FROM channel_contexts ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}
	defer rows.Close()

	var snaps []session.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// Delete removes one channel's checkpoint.
func (db *DB) Delete(key string) error {
	_, err := db.Exec("DELETE FROM channel_contexts WHERE key = ?", key)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (session.Snapshot, error) {
	var (
		snap      session.Snapshot
		history   string
		approved  int
		updatedAt string
	)
	if err := row.Scan(&snap.Key, &snap.Origin, &history,
		&snap.Counting.ExpectedNext, &snap.Counting.LastContributor,
		&snap.Counting.LastMessageID, &approved, &updatedAt); err != nil {
		return session.Snapshot{}, err
	}

	if err := json.Unmarshal([]byte(history), &snap.History); err != nil {
		return session.Snapshot{}, fmt.Errorf("unmarshal history for %s: %w", snap.Key, err)
	}
	snap.Counting.Approved = approved != 0
	if snap.Counting.ExpectedNext < 1 {
		snap.Counting = counting.Reset()
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		snap.UpdatedAt = domain.TimestampFrom(t)
	}
	return snap, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
