package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/joaoipiraja/chat-mom-offline/internal/models"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS queues (
		user_id    TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS queued_envelopes (
		seq         BIGSERIAL PRIMARY KEY,
		user_id     TEXT NOT NULL REFERENCES queues(user_id) ON DELETE CASCADE,
		delivery_id TEXT NOT NULL UNIQUE,
		sender      TEXT NOT NULL,
		body        TEXT NOT NULL,
		created_at  BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queued_envelopes_user_seq ON queued_envelopes(user_id, seq)`,
}

// PostgresStore keeps queues as rows ordered by a sequence column.
type PostgresStore struct {
	pool *pgxpool.Pool
	opts Options
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool
// and applies the schema. TLS is controlled by the URL's sslmode.
func NewPostgresStore(ctx context.Context, databaseURL string, opts Options) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &PostgresStore{pool: pool, opts: opts}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateQueue inserts the queue row if missing.
func (s *PostgresStore) CreateQueue(ctx context.Context, user string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queues (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, user)
	return err
}

// QueueExists reports whether the queue row exists.
func (s *PostgresStore) QueueExists(ctx context.Context, user string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM queues WHERE user_id = $1)
	`, user).Scan(&exists)
	return exists, err
}

// Depth counts pending entries.
func (s *PostgresStore) Depth(ctx context.Context, user string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM queued_envelopes WHERE user_id = $1
	`, user).Scan(&n)
	return n, err
}

// Push inserts env. The queue row is locked so the depth check and the
// insert are atomic per recipient. Re-pushing a delivery id is a no-op.
func (s *PostgresStore) Push(ctx context.Context, env *models.Envelope) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var owner string
		err := tx.QueryRow(ctx, `
			SELECT user_id FROM queues WHERE user_id = $1 FOR UPDATE
		`, env.Recipient).Scan(&owner)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrQueueNotFound
			}
			return err
		}

		var pending bool
		err = tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM queued_envelopes WHERE delivery_id = $1)
		`, env.DeliveryID).Scan(&pending)
		if err != nil {
			return err
		}
		if pending {
			return nil
		}

		if s.opts.MaxDepth > 0 {
			var n int
			err := tx.QueryRow(ctx, `
				SELECT count(*) FROM queued_envelopes WHERE user_id = $1
			`, env.Recipient).Scan(&n)
			if err != nil {
				return err
			}
			if n >= s.opts.MaxDepth {
				return ErrQueueFull
			}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO queued_envelopes (user_id, delivery_id, sender, body, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (delivery_id) DO NOTHING
		`, env.Recipient, env.DeliveryID, env.Sender, env.Body, env.CreatedAt)
		return err
	})
}

// Peek returns up to limit entries in push order.
func (s *PostgresStore) Peek(ctx context.Context, user string, limit int) ([]models.Envelope, error) {
	if limit <= 0 {
		return []models.Envelope{}, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT delivery_id, sender, body, created_at
		FROM queued_envelopes
		WHERE user_id = $1
		ORDER BY seq
		LIMIT $2
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

// Remove deletes entries by delivery id.
func (s *PostgresStore) Remove(ctx context.Context, user string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM queued_envelopes
		WHERE user_id = $1 AND delivery_id = ANY($2)
	`, user, ids)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
