package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/joaoipiraja/chat-mom-offline/internal/models"
)

// SQLiteStore is an embedded single-file QueueStore.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/queues.db"
func NewSQLiteStore(ctx context.Context, dbPath string, opts Options) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/queues.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// One writer at a time keeps push's depth check atomic.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db, opts: opts}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS queues (
		user_id TEXT PRIMARY KEY,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS queued_envelopes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL REFERENCES queues(user_id) ON DELETE CASCADE,
		delivery_id TEXT NOT NULL UNIQUE,
		sender TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_queued_envelopes_user_seq ON queued_envelopes(user_id, seq);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateQueue inserts the queue row if missing.
func (s *SQLiteStore) CreateQueue(ctx context.Context, user string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO queues (user_id) VALUES (?)`, user)
	return err
}

// QueueExists reports whether the queue row exists.
func (s *SQLiteStore) QueueExists(ctx context.Context, user string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM queues WHERE user_id = ?`, user).Scan(&n)
	return n > 0, err
}

// Depth counts pending entries.
func (s *SQLiteStore) Depth(ctx context.Context, user string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM queued_envelopes WHERE user_id = ?`, user).Scan(&n)
	return n, err
}

// Push inserts env. Re-pushing a delivery id is a no-op.
func (s *SQLiteStore) Push(ctx context.Context, env *models.Envelope) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM queues WHERE user_id = ?`, env.Recipient).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return ErrQueueNotFound
	}

	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM queued_envelopes WHERE delivery_id = ?`, env.DeliveryID).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	if s.opts.MaxDepth > 0 {
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM queued_envelopes WHERE user_id = ?`, env.Recipient).Scan(&n); err != nil {
			return err
		}
		if n >= s.opts.MaxDepth {
			return ErrQueueFull
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO queued_envelopes (user_id, delivery_id, sender, body, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, env.Recipient, env.DeliveryID, env.Sender, env.Body, env.CreatedAt)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// Peek returns up to limit entries in push order.
func (s *SQLiteStore) Peek(ctx context.Context, user string, limit int) ([]models.Envelope, error) {
	if limit <= 0 {
		return []models.Envelope{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT delivery_id, sender, body, created_at
		FROM queued_envelopes
		WHERE user_id = ?
		ORDER BY seq
		LIMIT ?
	`, user, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	envs := make([]models.Envelope, 0, limit)
	for rows.Next() {
		env := models.Envelope{Recipient: user}
		if err := rows.Scan(&env.DeliveryID, &env.Sender, &env.Body, &env.CreatedAt); err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}

	return envs, rows.Err()
}

// removeChunk keeps each DELETE well below SQLite's bound parameter limit.
const removeChunk = 500

// Remove deletes entries by delivery id.
func (s *SQLiteStore) Remove(ctx context.Context, user string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	removed := 0
	for start := 0; start < len(ids); start += removeChunk {
		chunk := ids[start:min(start+removeChunk, len(ids))]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, user)
		for _, id := range chunk {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")

		res, err := s.db.ExecContext(ctx,
			`DELETE FROM queued_envelopes WHERE user_id = ? AND delivery_id IN (`+placeholders+`)`,
			args...,
		)
		if err != nil {
			return removed, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return removed, err
		}
		removed += int(n)
	}
	return removed, nil
}
