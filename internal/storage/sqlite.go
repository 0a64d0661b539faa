package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"github.com/Radvylf/npsp2/internal/model"
	"github.com/Radvylf/npsp2/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// An in-memory database exists per connection.
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// MarkSeen records that an item has been announced (or deliberately skipped) in a room.
func (s *SQLite) MarkSeen(ctx context.Context, room, feedKey, itemID string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO seen_items (room, feed_key, item_id, seen_at) VALUES (?, ?, ?, ?)`,
		room, feedKey, itemID, now,
	)
	if err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

// IsSeen checks whether an item has already been recorded for a room.
func (s *SQLite) IsSeen(ctx context.Context, room, feedKey, itemID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM seen_items WHERE room = ? AND feed_key = ? AND item_id = ?`,
		room, feedKey, itemID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check seen: %w", err)
	}
	return count > 0, nil
}

// ListSeen returns the items recorded for a room at or after since.
func (s *SQLite) ListSeen(ctx context.Context, room string, since time.Time) ([]model.SeenItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room, feed_key, item_id, seen_at FROM seen_items
		 WHERE room = ? AND seen_at >= ? ORDER BY seen_at, feed_key, item_id`,
		room, since.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query seen items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []model.SeenItem
	for rows.Next() {
		var it model.SeenItem
		var seenAt string
		if err := rows.Scan(&it.Room, &it.FeedKey, &it.ItemID, &seenAt); err != nil {
			return nil, fmt.Errorf("scan seen item: %w", err)
		}
		it.SeenAt, _ = time.Parse(timeLayout, seenAt)
		items = append(items, it)
	}
	return items, rows.Err()
}

// PruneSeen deletes records older than before and reports how many were removed.
func (s *SQLite) PruneSeen(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM seen_items WHERE seen_at < ?`, before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune seen items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
