package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend is a local, file-backed fallback store.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (or creates) the database at path. Use ":memory:"
// for an in-memory database.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection: :memory: databases are per-connection and SQLite
	// serialises writers anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL,
		owner_id   TEXT NOT NULL DEFAULT '',
		id         TEXT NOT NULL,
		payload    BLOB NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (collection, owner_id, id)
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

// Put uses INSERT OR REPLACE, which deletes the conflicting row and inserts
// the new one inside a single statement.
func (s *SQLiteBackend) Put(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO records (collection, owner_id, id, payload, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.Collection, rec.OwnerID, rec.ID, []byte(rec.Payload),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite put %s/%s: %w", rec.Collection, rec.ID, err)
	}
	return nil
}

func (s *SQLiteBackend) Get(ctx context.Context, collection, ownerID, id string) (Record, error) {
	var payload []byte
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, updated_at FROM records
		 WHERE collection = ? AND owner_id = ? AND id = ?`,
		collection, ownerID, id,
	).Scan(&payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("sqlite get %s/%s: %w", collection, id, err)
	}

	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("sqlite get %s/%s: updated_at: %w", collection, id, err)
	}
	return Record{Collection: collection, OwnerID: ownerID, ID: id, Payload: payload, UpdatedAt: ts}, nil
}

func (s *SQLiteBackend) List(ctx context.Context, collection, ownerID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, updated_at FROM records
		 WHERE collection = ? AND owner_id = ?
		 ORDER BY updated_at DESC`,
		collection, ownerID)
	if err != nil {
		return nil, fmt.Errorf("sqlite list %s: %w", collection, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			id        string
			payload   []byte
			updatedAt string
		)
		if err := rows.Scan(&id, &payload, &updatedAt); err != nil {
			return nil, fmt.Errorf("sqlite scan %s: %w", collection, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("sqlite list %s/%s: updated_at: %w", collection, id, err)
		}
		out = append(out, Record{Collection: collection, OwnerID: ownerID, ID: id, Payload: payload, UpdatedAt: ts})
	}
	return out, rows.Err()
}

func (s *SQLiteBackend) Delete(ctx context.Context, collection, ownerID, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND owner_id = ? AND id = ?`,
		collection, ownerID, id)
	if err != nil {
		return fmt.Errorf("sqlite delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
