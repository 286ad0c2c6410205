package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/apphub-core/platform/internal/metadata"
)

// ManifestCache implements the optional remote cache layer: GetLatestPublished,
// InvalidateShard, InvalidateDataset.
type ManifestCache interface {
	GetLatestPublished(ctx context.Context, datasetID, shard string) (metadata.DatasetManifest, bool, error)
	Put(ctx context.Context, m metadata.DatasetManifest) error
	InvalidateShard(ctx context.Context, datasetID, shard string) error
	InvalidateDataset(ctx context.Context, datasetID string) error
}

type RedisManifestCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisManifestCache builds a RedisManifestCache against an already-connected client.
func NewRedisManifestCache(client *redis.Client, ttl time.Duration) *RedisManifestCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisManifestCache{client: client, ttl: ttl}
}

func shardKey(datasetID, shard string) string {
	return fmt.Sprintf("timestore:manifest:%s:%s", datasetID, shard)
}

func datasetPrefix(datasetID string) string {
	return fmt.Sprintf("timestore:manifest:%s:*", datasetID)
}

func (c *RedisManifestCache) GetLatestPublished(ctx context.Context, datasetID, shard string) (metadata.DatasetManifest, bool, error) {
	raw, err := c.client.Get(ctx, shardKey(datasetID, shard)).Bytes()
	if err == redis.Nil {
		return metadata.DatasetManifest{}, false, nil
	}
	if err != nil {
		return metadata.DatasetManifest{}, false, err
	}
	var m metadata.DatasetManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return metadata.DatasetManifest{}, false, err
	}
	return m, true, nil
}

func (c *RedisManifestCache) Put(ctx context.Context, m metadata.DatasetManifest) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, shardKey(m.DatasetID, m.ManifestShard), raw, c.ttl).Err()
}

func (c *RedisManifestCache) InvalidateShard(ctx context.Context, datasetID, shard string) error {
	return c.client.Del(ctx, shardKey(datasetID, shard)).Err()
}

func (c *RedisManifestCache) InvalidateDataset(ctx context.Context, datasetID string) error {
	keys, err := c.client.Keys(ctx, datasetPrefix(datasetID)).Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// InvalidationBus is a typed invalidation bus keyed by (datasetId, manifestShard);
// subscribers register interest at startup instead of caches invalidating each other
// recursively (manifest -> SQL runtime -> query planner).
type InvalidationBus struct {
	subscribers []func(datasetID, shard string)
}

// NewInvalidationBus builds an empty bus.
func NewInvalidationBus() *InvalidationBus { return &InvalidationBus{} }

// Subscribe registers fn to be called whenever a (datasetID, shard) is invalidated. Intended
// subscribers: the SQL runtime's dataset-to-table resolution cache and the
// query planner's manifest cache.
func (b *InvalidationBus) Subscribe(fn func(datasetID, shard string)) {
	b.subscribers = append(b.subscribers, fn)
}

// InvalidateShard notifies every subscriber; called commit-then-invalidate by every manifest
// mutation.
func (b *InvalidationBus) InvalidateShard(datasetID, shard string) {
	for _, fn := range b.subscribers {
		fn(datasetID, shard)
	}
}
