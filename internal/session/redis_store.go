package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"axon/internal/observability"
	"axon/internal/task"
)

// RedisStore keeps sessions in redis: an ordered list of steps per
// session, a digest string, and an advisory lock key.
//
// Key layout:
//
//	session:{id}:steps   list of JSON-encoded steps
//	session:{id}:digest  digest string (may be absent)
//	session:{id}:updated unix nanos of last write, drives retention
//	session:{id}:lock    advisory lock token
type RedisStore struct {
	rdb    *redis.Client
	logger *observability.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to the session endpoint and validates the
// connection.
func NewRedisStore(endpoint string) (*RedisStore, error) {
	opts, err := redis.ParseURL(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse session store endpoint: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session store ping: %w", err)
	}

	return &RedisStore{
		rdb:    rdb,
		logger: observability.NewComponentLogger("SessionRedisStore"),
	}, nil
}

func stepsKey(id string) string   { return "session:" + id + ":steps" }
func digestKey(id string) string  { return "session:" + id + ":digest" }
func updatedKey(id string) string { return "session:" + id + ":updated" }
func lockKey(id string) string    { return "session:" + id + ":lock" }

// LoadSession reads the full step list and digest. Unknown sessions come
// back empty rather than as an error.
func (s *RedisStore) LoadSession(ctx context.Context, id string) (*task.Session, error) {
	raw, err := s.rdb.LRange(ctx, stepsKey(id), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load session steps: %w", err)
	}
	steps := make([]task.Step, 0, len(raw))
	for _, item := range raw {
		var step task.Step
		if err := json.Unmarshal([]byte(item), &step); err != nil {
			s.logger.Warn("skipping undecodable session step", "session_id", id, "error", err)
			continue
		}
		steps = append(steps, step)
	}

	digest, err := s.Digest(ctx, id)
	if err != nil {
		return nil, err
	}

	var updatedAt time.Time
	if ts, err := s.rdb.Get(ctx, updatedKey(id)).Result(); err == nil {
		if nanos, parseErr := strconv.ParseInt(ts, 10, 64); parseErr == nil {
			updatedAt = time.Unix(0, nanos)
		}
	}

	return &task.Session{ID: id, Steps: steps, Digest: digest, UpdatedAt: updatedAt}, nil
}

// LoadTail reads at most n most recent steps.
func (s *RedisStore) LoadTail(ctx context.Context, id string, n int) ([]task.Step, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := s.rdb.LRange(ctx, stepsKey(id), int64(-n), -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load session tail: %w", err)
	}
	steps := make([]task.Step, 0, len(raw))
	for _, item := range raw {
		var step task.Step
		if err := json.Unmarshal([]byte(item), &step); err != nil {
			continue
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// AppendStep appends one step; the write is durable in redis before
// return.
func (s *RedisStore) AppendStep(ctx context.Context, id string, step task.Step) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("encode step: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, stepsKey(id), data)
	pipe.Set(ctx, updatedKey(id), strconv.FormatInt(time.Now().UnixNano(), 10), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append session step: %w", err)
	}
	return nil
}

// Digest returns the stored digest, empty when absent.
func (s *RedisStore) Digest(ctx context.Context, id string) (string, error) {
	digest, err := s.rdb.Get(ctx, digestKey(id)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load session digest: %w", err)
	}
	return digest, nil
}

// SetDigest stores the digest.
func (s *RedisStore) SetDigest(ctx context.Context, id, digest string) error {
	if err := s.rdb.Set(ctx, digestKey(id), digest, 0).Err(); err != nil {
		return fmt.Errorf("store session digest: %w", err)
	}
	return nil
}

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// AcquireLock takes the session's advisory lock with SET NX PX, polling
// until wait elapses. Two workers handed tasks for the same session
// serialize here.
func (s *RedisStore) AcquireLock(ctx context.Context, id string, ttl, wait time.Duration) (func(), error) {
	token := strconv.FormatInt(time.Now().UnixNano(), 36)
	deadline := time.Now().Add(wait)
	for {
		ok, err := s.rdb.SetNX(ctx, lockKey(id), token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire session lock: %w", err)
		}
		if ok {
			released := false
			return func() {
				if released {
					return
				}
				released = true
				releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := releaseScript.Run(releaseCtx, s.rdb, []string{lockKey(id)}, token).Err(); err != nil && err != redis.Nil {
					s.logger.Warn("release session lock", "session_id", id, "error", err)
				}
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLocked
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// Purge deletes sessions whose last write predates the cutoff.
func (s *RedisStore) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	var cursor uint64
	deleted := 0
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "session:*:updated", 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("scan sessions: %w", err)
		}
		for _, key := range keys {
			ts, err := s.rdb.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			nanos, err := strconv.ParseInt(ts, 10, 64)
			if err != nil || !time.Unix(0, nanos).Before(olderThan) {
				continue
			}
			id := strings.TrimSuffix(strings.TrimPrefix(key, "session:"), ":updated")
			if err := s.rdb.Del(ctx, stepsKey(id), digestKey(id), updatedKey(id)).Err(); err == nil {
				deleted++
			}
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// Close releases the redis connection.
func (s *RedisStore) Close() error { return s.rdb.Close() }
