package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/joaoipiraja/chat-mom-offline/internal/models"
)

// queuesKey is the set of users whose queue was created.
const queuesKey = "queues"

// idsKey is the set of delivery ids pending in user's queue.
func idsKey(user string) string {
	return "ids." + user
}

// pushScript appends to a queue only if it was created and is below the
// depth limit. A delivery id already pending is a no-op. Returns -1 for a
// missing queue and -2 for a full one.
var pushScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
	return -1
end
if redis.call('SISMEMBER', KEYS[3], ARGV[4]) == 1 then
	return 0
end
local max = tonumber(ARGV[3])
if max > 0 and redis.call('LLEN', KEYS[2]) >= max then
	return -2
end
redis.call('SADD', KEYS[3], ARGV[4])
return redis.call('RPUSH', KEYS[2], ARGV[2])
`)

// RedisStore keeps one Redis list per recipient, named queue.<user>.
type RedisStore struct {
	client *redis.Client
	opts   Options
}

// NewRedisStore creates a new Redis store. rediss:// URLs enable TLS.
func NewRedisStore(ctx context.Context, redisURL string, opts Options) (*RedisStore, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(ropts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisStore{client: client, opts: opts}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// CreateQueue records the user's queue. Idempotent.
func (s *RedisStore) CreateQueue(ctx context.Context, user string) error {
	return s.client.SAdd(ctx, queuesKey, user).Err()
}

// QueueExists reports whether CreateQueue was ever called for user.
func (s *RedisStore) QueueExists(ctx context.Context, user string) (bool, error) {
	return s.client.SIsMember(ctx, queuesKey, user).Result()
}

// Depth returns the number of pending entries.
func (s *RedisStore) Depth(ctx context.Context, user string) (int64, error) {
	return s.client.LLen(ctx, models.QueueName(user)).Result()
}

// Push appends env to its recipient's queue.
func (s *RedisStore) Push(ctx context.Context, env *models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	res, err := pushScript.Run(ctx, s.client,
		[]string{queuesKey, models.QueueName(env.Recipient), idsKey(env.Recipient)},
		env.Recipient, string(data), s.opts.MaxDepth, env.DeliveryID,
	).Int64()
	if err != nil {
		return err
	}

	switch res {
	case -1:
		return ErrQueueNotFound
	case -2:
		return ErrQueueFull
	}
	return nil
}

// Peek returns up to limit entries from the head of the queue.
func (s *RedisStore) Peek(ctx context.Context, user string, limit int) ([]models.Envelope, error) {
	if limit <= 0 {
		return []models.Envelope{}, nil
	}

	key := models.QueueName(user)
	results, err := s.client.LRange(ctx, key, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}

	envs := make([]models.Envelope, 0, len(results))
	for _, data := range results {
		var env models.Envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil || env.DeliveryID == "" {
			// An undecodable entry can never be acknowledged; drop it.
			s.client.LRem(ctx, key, 1, data)
			continue
		}
		envs = append(envs, env)
	}

	return envs, nil
}

// Remove deletes the entries with the given delivery ids.
func (s *RedisStore) Remove(ctx context.Context, user string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	key := models.QueueName(user)
	results, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return 0, err
	}

	var cmds []*redis.IntCmd
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, data := range results {
			var env models.Envelope
			if err := json.Unmarshal([]byte(data), &env); err != nil {
				continue
			}
			if want[env.DeliveryID] {
				cmds = append(cmds, pipe.LRem(ctx, key, 1, data))
				pipe.SRem(ctx, idsKey(user), env.DeliveryID)
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("remove from %s: %w", key, err)
	}

	removed := 0
	for _, cmd := range cmds {
		removed += int(cmd.Val())
	}
	return removed, nil
}
