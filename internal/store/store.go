// Package store keeps named whiteboards in a SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"whiteboard/internal/shape"
)

var ErrNotFound = errors.New("board not found")

type Board struct {
	Name        string `json:"name"`
	ShapeCount  int    `json:"shape_count"`
	SavedBy     string `json:"saved_by"`
	UpdatedAtMS int64  `json:"updated_at_ms"`
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path required")
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if path == ":memory:" {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	_, _ = db.Exec(`PRAGMA journal_mode = WAL;`)
	_, _ = db.Exec(`PRAGMA synchronous = NORMAL;`)
	_, _ = db.Exec(`PRAGMA busy_timeout = 5000;`)
	return db, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS boards (
  name TEXT PRIMARY KEY,
  shapes TEXT NOT NULL,
  shape_count INTEGER NOT NULL,
  saved_by TEXT NOT NULL,
  updated_at_ms INTEGER NOT NULL
);
`)
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save writes items under name, replacing any earlier version.
func (s *Store) Save(ctx context.Context, name, savedBy string, items []shape.Shape) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("board name required")
	}
	data, err := shape.Serialize(items)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO boards (name, shapes, shape_count, saved_by, updated_at_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET
  shapes = excluded.shapes,
  shape_count = excluded.shape_count,
  saved_by = excluded.saved_by,
  updated_at_ms = excluded.updated_at_ms
`, name, string(data), len(items), savedBy, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save board %q: %w", name, err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, name string) ([]shape.Shape, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT shapes FROM boards WHERE name = ?`, strings.TrimSpace(name)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load board %q: %w", name, err)
	}
	return shape.Deserialize([]byte(data))
}

// List returns saved boards, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Board, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, shape_count, saved_by, updated_at_ms
FROM boards
ORDER BY updated_at_ms DESC, name ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Board{}
	for rows.Next() {
		var b Board
		if err := rows.Scan(&b.Name, &b.ShapeCount, &b.SavedBy, &b.UpdatedAtMS); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM boards WHERE name = ?`, strings.TrimSpace(name))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}
