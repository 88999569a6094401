// Package tilestore provides the tile metadata table (bucket key -> image URL)
// backed by SQLite.
package tilestore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Row is one tile metadata record. BucketKey is kept as the integer-like
// string the table stores.
type Row struct {
	ID        int64     `json:"id"`
	BucketKey string    `json:"bucket_key"`
	ImageURL  string    `json:"image_url"`
	CreatedAt time.Time `json:"created_at"`
}

// Store provides the tile metadata table using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens (or creates) the metadata database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tiles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bucket_key TEXT NOT NULL,
		image_url TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tiles_bucket ON tiles(bucket_key);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert adds a tile row and returns its ID.
func (s *Store) Insert(ctx context.Context, bucketKey, imageURL string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tiles (bucket_key, image_url, created_at)
		VALUES (?, ?, ?)
	`, bucketKey, imageURL, time.Now().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// All returns every row of the table in one read.
func (s *Store) All(ctx context.Context) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bucket_key, image_url, created_at FROM tiles ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var createdAtStr string
		if err := rows.Scan(&r.ID, &r.BucketKey, &r.ImageURL, &createdAtStr); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the total number of rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tiles").Scan(&n)
	return n, err
}

// CountByBucket returns row counts per bucket key.
func (s *Store) CountByBucket(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket_key, COUNT(*) FROM tiles GROUP BY bucket_key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

// DeleteByURL removes every row pointing at imageURL.
func (s *Store) DeleteByURL(ctx context.Context, imageURL string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM tiles WHERE image_url = ?", imageURL)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
