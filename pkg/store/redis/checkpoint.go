package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Checkpoint persists the snapshot of the last successful poll pass so a
// restart resumes where the previous process stopped.
type Checkpoint struct {
	rdb redis.UniversalClient
	key string
}

func NewCheckpoint(c *Client, key string) *Checkpoint {
	return &Checkpoint{rdb: c.Client(), key: key}
}

// Load returns the stored instant, or ok=false when none was saved.
func (c *Checkpoint) Load(ctx context.Context) (time.Time, bool, error) {
	raw, err := c.rdb.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (c *Checkpoint) Save(ctx context.Context, t time.Time) error {
	return c.rdb.Set(ctx, c.key, t.UTC().Format(time.RFC3339Nano), 0).Err()
}
