package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joaoipiraja/chat-mom-offline/internal/models"
)

type storeFactory func(t *testing.T, opts Options) QueueStore

func envelope(to string, n int) *models.Envelope {
	return &models.Envelope{
		DeliveryID: fmt.Sprintf("01J%023d", n),
		Sender:     "ana",
		Recipient:  to,
		Body:       fmt.Sprintf("msg %d", n),
		CreatedAt:  int64(1000 + n),
	}
}

func ids(envs []models.Envelope) []string {
	out := make([]string, len(envs))
	for i, e := range envs {
		out[i] = e.DeliveryID
	}
	return out
}

func runQueueStoreSuite(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("push to missing queue", func(t *testing.T) {
		s := newStore(t, Options{})
		assert.ErrorIs(t, s.Push(ctx, envelope("carol", 1)), ErrQueueNotFound)

		exists, err := s.QueueExists(ctx, "carol")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("create is idempotent", func(t *testing.T) {
		s := newStore(t, Options{})
		require.NoError(t, s.CreateQueue(ctx, "bia"))
		require.NoError(t, s.CreateQueue(ctx, "bia"))

		exists, err := s.QueueExists(ctx, "bia")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("empty peek is empty, not nil", func(t *testing.T) {
		s := newStore(t, Options{})
		require.NoError(t, s.CreateQueue(ctx, "bia"))

		for i := 0; i < 2; i++ {
			envs, err := s.Peek(ctx, "bia", 10)
			require.NoError(t, err)
			assert.NotNil(t, envs)
			assert.Empty(t, envs)
		}
	})

	t.Run("fifo order and limit", func(t *testing.T) {
		s := newStore(t, Options{})
		require.NoError(t, s.CreateQueue(ctx, "bia"))
		for i := 1; i <= 5; i++ {
			require.NoError(t, s.Push(ctx, envelope("bia", i)))
		}

		envs, err := s.Peek(ctx, "bia", 3)
		require.NoError(t, err)
		require.Len(t, envs, 3)
		assert.Equal(t, "msg 1", envs[0].Body)
		assert.Equal(t, "msg 3", envs[2].Body)
		assert.Equal(t, "bia", envs[0].Recipient)
		assert.Equal(t, "ana", envs[0].Sender)
		assert.Equal(t, int64(1001), envs[0].CreatedAt)

		depth, err := s.Depth(ctx, "bia")
		require.NoError(t, err)
		assert.Equal(t, int64(5), depth)
	})

	t.Run("remove by id", func(t *testing.T) {
		s := newStore(t, Options{})
		require.NoError(t, s.CreateQueue(ctx, "bia"))
		for i := 1; i <= 4; i++ {
			require.NoError(t, s.Push(ctx, envelope("bia", i)))
		}

		n, err := s.Remove(ctx, "bia", []string{envelope("bia", 3).DeliveryID, envelope("bia", 1).DeliveryID})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = s.Remove(ctx, "bia", []string{envelope("bia", 1).DeliveryID})
		require.NoError(t, err)
		assert.Zero(t, n, "second remove is a no-op")

		envs, err := s.Peek(ctx, "bia", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{envelope("bia", 2).DeliveryID, envelope("bia", 4).DeliveryID}, ids(envs))
	})

	t.Run("re-push of a pending delivery id is a no-op", func(t *testing.T) {
		s := newStore(t, Options{MaxDepth: 2})
		require.NoError(t, s.CreateQueue(ctx, "bia"))
		require.NoError(t, s.Push(ctx, envelope("bia", 1)))
		require.NoError(t, s.Push(ctx, envelope("bia", 2)))
		require.NoError(t, s.Push(ctx, envelope("bia", 1)), "duplicate on a full queue is not QueueFull")

		depth, err := s.Depth(ctx, "bia")
		require.NoError(t, err)
		assert.Equal(t, int64(2), depth)

		envs, err := s.Peek(ctx, "bia", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{envelope("bia", 1).DeliveryID, envelope("bia", 2).DeliveryID}, ids(envs))
	})

	t.Run("queues are isolated", func(t *testing.T) {
		s := newStore(t, Options{})
		require.NoError(t, s.CreateQueue(ctx, "bia"))
		require.NoError(t, s.CreateQueue(ctx, "caio"))
		require.NoError(t, s.Push(ctx, envelope("bia", 1)))

		envs, err := s.Peek(ctx, "caio", 10)
		require.NoError(t, err)
		assert.Empty(t, envs)
	})

	t.Run("max depth", func(t *testing.T) {
		s := newStore(t, Options{MaxDepth: 2})
		require.NoError(t, s.CreateQueue(ctx, "bia"))
		require.NoError(t, s.Push(ctx, envelope("bia", 1)))
		require.NoError(t, s.Push(ctx, envelope("bia", 2)))
		assert.ErrorIs(t, s.Push(ctx, envelope("bia", 3)), ErrQueueFull)

		_, err := s.Remove(ctx, "bia", []string{envelope("bia", 1).DeliveryID})
		require.NoError(t, err)
		assert.NoError(t, s.Push(ctx, envelope("bia", 3)))
	})
}

func TestMemoryStore(t *testing.T) {
	runQueueStoreSuite(t, func(t *testing.T, opts Options) QueueStore {
		s := NewMemoryStore(opts)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestRedisStore(t *testing.T) {
	runQueueStoreSuite(t, func(t *testing.T, opts Options) QueueStore {
		mr := miniredis.RunT(t)
		s, err := NewRedisStore(context.Background(), "redis://"+mr.Addr(), opts)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestRedisStoreUsesQueueKeys(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(ctx, "redis://"+mr.Addr(), Options{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.CreateQueue(ctx, "bia"))
	require.NoError(t, s.Push(ctx, envelope("bia", 1)))

	assert.True(t, mr.Exists("queue.bia"))
	members, err := mr.Members(queuesKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"bia"}, members)

	pending, err := mr.Members("ids.bia")
	require.NoError(t, err)
	assert.Equal(t, []string{envelope("bia", 1).DeliveryID}, pending)

	_, err = s.Remove(ctx, "bia", []string{envelope("bia", 1).DeliveryID})
	require.NoError(t, err)
	assert.False(t, mr.Exists("ids.bia"), "removed ids leave the set")
}

func TestRedisStoreDropsCorruptEntries(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(ctx, "redis://"+mr.Addr(), Options{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.CreateQueue(ctx, "bia"))
	_, err = mr.Push("queue.bia", "{not json")
	require.NoError(t, err)
	require.NoError(t, s.Push(ctx, envelope("bia", 1)))

	envs, err := s.Peek(ctx, "bia", 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "msg 1", envs[0].Body)

	depth, err := s.Depth(ctx, "bia")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestRedisStoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisStore(context.Background(), "redis://"+addr, Options{})
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	runQueueStoreSuite(t, func(t *testing.T, opts Options) QueueStore {
		path := filepath.Join(t.TempDir(), "queues.db")
		s, err := NewSQLiteStore(context.Background(), path, opts)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queues.db")

	s, err := NewSQLiteStore(ctx, path, Options{})
	require.NoError(t, err)
	require.NoError(t, s.CreateQueue(ctx, "bia"))
	require.NoError(t, s.Push(ctx, envelope("bia", 1)))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(ctx, path, Options{})
	require.NoError(t, err)
	defer s.Close()

	envs, err := s.Peek(ctx, "bia", 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "msg 1", envs[0].Body)
}

func TestSQLiteStoreRemoveManyIDs(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "queues.db"), Options{})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.CreateQueue(ctx, "bia"))
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.Push(ctx, envelope("bia", i)))
	}

	list := make([]string, 0, 40000)
	for i := 0; i < 40000; i++ {
		list = append(list, fmt.Sprintf("missing-%d", i))
	}
	list = append(list, envelope("bia", 1).DeliveryID, envelope("bia", 3).DeliveryID)

	n, err := s.Remove(ctx, "bia", list)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	envs, err := s.Peek(ctx, "bia", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{envelope("bia", 2).DeliveryID}, ids(envs))
}

// TestPostgresStore runs against a real server when QUEUE_TEST_POSTGRES_URL
// points at a disposable database.
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("QUEUE_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("QUEUE_TEST_POSTGRES_URL not set")
	}

	runQueueStoreSuite(t, func(t *testing.T, opts Options) QueueStore {
		ctx := context.Background()
		s, err := NewPostgresStore(ctx, url, opts)
		require.NoError(t, err)
		_, err = s.pool.Exec(ctx, `TRUNCATE queues CASCADE`)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
