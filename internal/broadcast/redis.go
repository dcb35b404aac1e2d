package broadcast

import (
	"context"
	"time"

	"ordersaga/internal/saga"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the Redis stream transitions are appended to.
const DefaultStream = "saga_state_events"

// RedisStateStore keeps the latest state of each saga in a hash and appends every transition to a stream.
type RedisStateStore struct {
	client    RedisPipelineClient
	stream    string
	keyPrefix string
	ttl       time.Duration
	maxLen    int64
}

// RedisPipelineClient is the minimal client surface used by RedisStateStore.
type RedisPipelineClient interface {
	Pipeline() RedisPipeliner
}

// RedisPipeliner is the subset of commands used within a pipeline.
type RedisPipeliner interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Exec(ctx context.Context) ([]redis.Cmder, error)
}

// NewRedisStateStore constructs a Redis-backed state sink.
func NewRedisStateStore(client RedisPipelineClient, stream string, ttl time.Duration, maxLen int64) *RedisStateStore {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStateStore{
		client:    client,
		stream:    stream,
		keyPrefix: "saga:",
		ttl:       ttl,
		maxLen:    maxLen,
	}
}

// Notify writes the latest state and appends the transition to the stream.
func (r *RedisStateStore) Notify(ctx context.Context, change saga.StateChange) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := r.keyPrefix + change.SagaID
	timestamp := change.At.UTC().Format(time.RFC3339Nano)

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, map[string]any{
		"saga_id":    change.SagaID,
		"state":      string(change.To),
		"event":      string(change.Event),
		"updated_at": timestamp,
	})
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"saga_id":   change.SagaID,
			"from":      string(change.From),
			"to":        string(change.To),
			"event":     string(change.Event),
			"timestamp": timestamp,
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	pipe.XAdd(ctx, args)

	_, err := pipe.Exec(ctx)
	return err
}

// ClientAdapter exposes a go-redis client through RedisPipelineClient.
type ClientAdapter struct {
	Client redis.UniversalClient
}

func (a ClientAdapter) Pipeline() RedisPipeliner {
	return pipelineAdapter{pipe: a.Client.Pipeline()}
}

type pipelineAdapter struct {
	pipe redis.Pipeliner
}

func (p pipelineAdapter) HSet(ctx context.Context, key string, values ...any) *redis.IntCmd {
	return p.pipe.HSet(ctx, key, values...)
}

func (p pipelineAdapter) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	return p.pipe.Expire(ctx, key, expiration)
}

func (p pipelineAdapter) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	return p.pipe.XAdd(ctx, a)
}

func (p pipelineAdapter) Exec(ctx context.Context) ([]redis.Cmder, error) {
	return p.pipe.Exec(ctx)
}
