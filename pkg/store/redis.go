package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dotsetgreg/shopkeeper/pkg/conversation"
)

var (
	_ conversation.SnapshotStore = (*RedisSnapshotStore)(nil)
	_ conversation.ActivityIndex = (*RedisSnapshotStore)(nil)
)

const (
	redisContextPrefix = "shopkeeper:context:"
	redisActiveKey     = "shopkeeper:active"
)

// RedisSnapshotStore keeps conversation snapshots in Redis with a TTL and
// indexes identities by last activity in a sorted set.
type RedisSnapshotStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSnapshotStore connects to url and verifies the connection.
func NewRedisSnapshotStore(ctx context.Context, url string, ttl time.Duration) (*RedisSnapshotStore, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisSnapshotStore{client: client, ttl: ttl}, nil
}

func (r *RedisSnapshotStore) Close() error {
	return r.client.Close()
}

func (r *RedisSnapshotStore) LoadSnapshot(ctx context.Context, identity string) (*conversation.Context, error) {
	raw, err := r.client.Get(ctx, redisContextPrefix+identity).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, conversation.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return conversation.DecodeSnapshot(raw)
}

func (r *RedisSnapshotStore) SaveSnapshot(ctx context.Context, c *conversation.Context) error {
	raw, err := conversation.EncodeSnapshot(c)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, redisContextPrefix+c.Identity, raw, r.ttl)
	pipe.ZAdd(ctx, redisActiveKey, redis.Z{Score: float64(c.LastActivityAt.UnixMilli()), Member: c.Identity})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// ListActiveIdentities reads the activity index and drops entries whose
// snapshot has expired.
func (r *RedisSnapshotStore) ListActiveIdentities(ctx context.Context, since time.Time) ([]string, error) {
	ids, err := r.client.ZRangeByScore(ctx, redisActiveKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list active identities: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisContextPrefix + id
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("check snapshots: %w", err)
	}

	out := make([]string, 0, len(ids))
	var stale []any
	for i, v := range vals {
		if v == nil {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, ids[i])
	}
	if len(stale) > 0 {
		_ = r.client.ZRem(ctx, redisActiveKey, stale...).Err()
	}
	return out, nil
}
