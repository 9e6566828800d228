package store

import (
	"context"
	"errors"

	"github.com/joaoipiraja/chat-mom-offline/internal/models"
)

var (
	// ErrQueueNotFound means the recipient never had a queue created.
	ErrQueueNotFound = errors.New("queue not found")
	// ErrQueueFull means the recipient's queue reached its depth limit.
	ErrQueueFull = errors.New("queue full")

	errClosed = errors.New("store closed")
)

// QueueStore is the durable per-recipient queue backend. RedisStore,
// PostgresStore, SQLiteStore and MemoryStore implement it.
//
// Entries are kept in push order. Peek never removes anything; Remove
// deletes entries by delivery id, so concurrent readers can only cause
// redelivery, never loss.
type QueueStore interface {
	// Connection management
	Close() error
	Ping(ctx context.Context) error

	// Queue lifecycle
	CreateQueue(ctx context.Context, user string) error
	QueueExists(ctx context.Context, user string) (bool, error)
	Depth(ctx context.Context, user string) (int64, error)

	// Entry operations
	Push(ctx context.Context, env *models.Envelope) error
	Peek(ctx context.Context, user string, limit int) ([]models.Envelope, error)
	Remove(ctx context.Context, user string, ids []string) (int, error)
}

// Options tunes backend behaviour shared by all implementations.
type Options struct {
	// MaxDepth caps pending entries per queue. Zero disables the cap.
	MaxDepth int
}
