package status

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "reportflow:status:"

// redisCache is a Redis-backed snapshot cache for multi-instance
// deployments; eviction is delegated to Redis key TTLs.
type redisCache struct {
	client      *redis.Client
	statusTTL   time.Duration
	progressTTL time.Duration
}

// NewRedisCache builds a snapshot cache on an existing Redis client.
// Zero TTLs use the defaults.
func NewRedisCache(client *redis.Client, statusTTL, progressTTL time.Duration) Cache {
	if statusTTL <= 0 {
		statusTTL = DefaultStatusTTL
	}
	if progressTTL <= 0 {
		progressTTL = DefaultProgressTTL
	}
	return &redisCache{client: client, statusTTL: statusTTL, progressTTL: progressTTL}
}

func (c *redisCache) Put(ctx context.Context, s Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, redisKeyPrefix+s.TaskID, data, c.statusTTL).Err()
}

func (c *redisCache) Get(ctx context.Context, taskID string) (Snapshot, bool, error) {
	data, err := c.client.Get(ctx, redisKeyPrefix+taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		// Corrupt entry: evict defensively and report a miss.
		_ = c.client.Del(ctx, redisKeyPrefix+taskID).Err()
		return Snapshot{}, false, nil
	}
	if time.Since(s.ProgressAt) > c.progressTTL {
		s.Progress = 0
		s.Step = ""
	}
	return s, true, nil
}

func (c *redisCache) Delete(ctx context.Context, taskID string) error {
	return c.client.Del(ctx, redisKeyPrefix+taskID).Err()
}

func (c *redisCache) List(ctx context.Context) ([]Snapshot, error) {
	var out []Snapshot
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := c.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, err
		}
		var s Snapshot
		if err := json.Unmarshal(data, &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, iter.Err()
}
