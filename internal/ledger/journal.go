package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Journal persists change-set records to SQLite so a later invocation can
// inspect what an earlier run touched. Attachment is optional; the
// in-memory ledger alone is the default.
type Journal struct {
	db   *sql.DB
	path string
}

// ChangeSetSummary is one journal row for listing.
type ChangeSetSummary struct {
	ID          string
	Description string
	Status      Status
	StartedAt   time.Time
	Records     int
}

// OpenJournal opens (creating if needed) the journal database at path.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	j := &Journal{db: db, path: path}
	if err := j.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS change_sets (
		id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		saved_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS change_records (
		set_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		path TEXT NOT NULL,
		existed INTEGER NOT NULL,
		prior BLOB,
		recorded_at INTEGER NOT NULL,
		PRIMARY KEY (set_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_records_set ON change_records(set_id);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("initializing journal schema: %w", err)
	}
	return nil
}

// Save upserts a change set and its records.
func (j *Journal) Save(cs *ChangeSet) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("journal save: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO change_sets (id, description, status, started_at, saved_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, saved_at = excluded.saved_at`,
		cs.ID, cs.Description, string(cs.status), cs.StartedAt.Unix(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("journal save set: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM change_records WHERE set_id = ?`, cs.ID); err != nil {
		return fmt.Errorf("journal clear records: %w", err)
	}
	for seq, rec := range cs.records {
		existed := 0
		if rec.Existed {
			existed = 1
		}
		_, err := tx.Exec(
			`INSERT INTO change_records (set_id, seq, path, existed, prior, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			cs.ID, seq, rec.Path, existed, rec.Prior, rec.RecordedAt.Unix())
		if err != nil {
			return fmt.Errorf("journal save record %s: %w", rec.Path, err)
		}
	}

	return tx.Commit()
}

// List returns saved change sets, newest first.
func (j *Journal) List() ([]ChangeSetSummary, error) {
	rows, err := j.db.Query(
		`SELECT cs.id, cs.description, cs.status, cs.started_at,
		        (SELECT COUNT(*) FROM change_records r WHERE r.set_id = cs.id)
		 FROM change_sets cs ORDER BY cs.started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("journal list: %w", err)
	}
	defer rows.Close()

	var out []ChangeSetSummary
	for rows.Next() {
		var s ChangeSetSummary
		var status string
		var started int64
		if err := rows.Scan(&s.ID, &s.Description, &status, &started, &s.Records); err != nil {
			return nil, fmt.Errorf("journal list scan: %w", err)
		}
		s.Status = Status(status)
		s.StartedAt = time.Unix(started, 0)
		out = append(out, s)
	}
	return out, rows.Err()
}

// LoadRecords returns the recorded prior states for one change set.
func (j *Journal) LoadRecords(setID string) ([]Record, error) {
	rows, err := j.db.Query(
		`SELECT path, existed, prior, recorded_at FROM change_records
		 WHERE set_id = ? ORDER BY seq`, setID)
	if err != nil {
		return nil, fmt.Errorf("journal load: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var existed int
		var recorded int64
		if err := rows.Scan(&rec.Path, &existed, &rec.Prior, &recorded); err != nil {
			return nil, fmt.Errorf("journal load scan: %w", err)
		}
		rec.Existed = existed == 1
		rec.RecordedAt = time.Unix(recorded, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
