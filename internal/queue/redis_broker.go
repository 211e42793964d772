package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"axon/internal/observability"
)

const payloadField = "task"

// statusKey is the per-task status hash.
func statusKey(taskID string) string { return "axon:task:" + taskID }

// statusTTL keeps terminal status hashes readable for a while after the
// task ends without growing redis forever.
const statusTTL = 7 * 24 * time.Hour

// RedisBroker implements Broker over redis streams.
type RedisBroker struct {
	rdb    *redis.Client
	logger *observability.Logger
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker connects to the queue endpoint and validates the
// connection.
func NewRedisBroker(endpoint string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse queue endpoint: %w", err)
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("queue ping: %w", err)
	}
	return &RedisBroker{rdb: rdb, logger: observability.NewComponentLogger("QueueBroker")}, nil
}

func (b *RedisBroker) Add(ctx context.Context, stream string, payload []byte) (string, error) {
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("%w: xadd %s: %v", ErrUnavailable, stream, err)
	}
	return id, nil
}

func (b *RedisBroker) EnsureGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%w: create group %s on %s: %v", ErrUnavailable, group, stream, err)
	}
	return nil
}

func (b *RedisBroker) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error) {
	streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: xreadgroup %s: %v", ErrUnavailable, stream, err)
	}
	var entries []Entry
	for _, s := range streams {
		for _, msg := range s.Messages {
			if e, ok := entryFromMessage(msg); ok {
				entries = append(entries, e)
			}
		}
	}
	return entries, nil
}

func (b *RedisBroker) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int) ([]Entry, error) {
	msgs, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: xautoclaim %s: %v", ErrUnavailable, stream, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	// Delivery counts come from the pending entries list.
	counts := make(map[string]int, len(msgs))
	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   stream,
		Group:    group,
		Start:    msgs[0].ID,
		End:      msgs[len(msgs)-1].ID,
		Count:    int64(len(msgs)),
		Consumer: consumer,
	}).Result()
	if err == nil {
		for _, p := range pending {
			counts[p.ID] = int(p.RetryCount)
		}
	}

	var entries []Entry
	for _, msg := range msgs {
		if e, ok := entryFromMessage(msg); ok {
			e.DeliveryCount = counts[msg.ID]
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func entryFromMessage(msg redis.XMessage) (Entry, bool) {
	raw, ok := msg.Values[payloadField]
	if !ok {
		return Entry{}, false
	}
	payload, ok := raw.(string)
	if !ok {
		return Entry{}, false
	}
	return Entry{ID: msg.ID, Payload: []byte(payload)}, true
}

func (b *RedisBroker) Ack(ctx context.Context, stream, group, id string) error {
	pipe := b.rdb.TxPipeline()
	pipe.XAck(ctx, stream, group, id)
	pipe.XDel(ctx, stream, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: ack %s on %s: %v", ErrUnavailable, id, stream, err)
	}
	return nil
}

func (b *RedisBroker) SetStatus(ctx context.Context, taskID string, fields map[string]any) error {
	key := statusKey(taskID)
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, statusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: status write %s: %v", ErrUnavailable, taskID, err)
	}
	return nil
}

func (b *RedisBroker) GetStatus(ctx context.Context, taskID string) (map[string]string, error) {
	fields, err := b.rdb.HGetAll(ctx, statusKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: status read %s: %v", ErrUnavailable, taskID, err)
	}
	return fields, nil
}

func (b *RedisBroker) Close() error { return b.rdb.Close() }
