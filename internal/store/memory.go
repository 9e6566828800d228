package store

import (
	"context"
	"sync"

	"github.com/joaoipiraja/chat-mom-offline/internal/models"
)

// MemoryStore is a process-local QueueStore for development and tests.
// Nothing survives a restart.
type MemoryStore struct {
	mu     sync.Mutex
	queues map[string][]models.Envelope
	opts   Options
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		queues: make(map[string][]models.Envelope),
		opts:   opts,
	}
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	return ctx.Err()
}

func (s *MemoryStore) CreateQueue(ctx context.Context, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[user]; !ok {
		s.queues[user] = nil
	}
	return nil
}

func (s *MemoryStore) QueueExists(ctx context.Context, user string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queues[user]
	return ok, nil
}

func (s *MemoryStore) Depth(ctx context.Context, user string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queues[user])), nil
}

func (s *MemoryStore) Push(ctx context.Context, env *models.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[env.Recipient]
	if !ok {
		return ErrQueueNotFound
	}
	for _, e := range q {
		if e.DeliveryID == env.DeliveryID {
			return nil
		}
	}
	if s.opts.MaxDepth > 0 && len(q) >= s.opts.MaxDepth {
		return ErrQueueFull
	}
	s.queues[env.Recipient] = append(q, *env)
	return nil
}

func (s *MemoryStore) Peek(ctx context.Context, user string, limit int) ([]models.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[user]
	if limit > len(q) {
		limit = len(q)
	}
	if limit < 0 {
		limit = 0
	}
	out := make([]models.Envelope, limit)
	copy(out, q[:limit])
	return out, nil
}

func (s *MemoryStore) Remove(ctx context.Context, user string, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[user]
	if !ok || len(ids) == 0 {
		return 0, nil
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	kept := q[:0:0]
	for _, e := range q {
		if !drop[e.DeliveryID] {
			kept = append(kept, e)
		}
	}
	s.queues[user] = kept
	return len(q) - len(kept), nil
}
