package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/alertrelay/alertrelay/pkg/store/redis"
)

// Checkpoint stores the lower bound for the next fetch from the source.
type Checkpoint interface {
	Load(ctx context.Context) (time.Time, bool, error)
	Save(ctx context.Context, t time.Time) error
}

var _ Checkpoint = (*redis.Checkpoint)(nil)

// MemoryCheckpoint is used when redis is not configured. It does not survive
// a restart; the initial lookback covers that.
type MemoryCheckpoint struct {
	mu  sync.Mutex
	at  time.Time
	set bool
}

func (c *MemoryCheckpoint) Load(context.Context) (time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at, c.set, nil
}

func (c *MemoryCheckpoint) Save(_ context.Context, t time.Time) error {
	c.mu.Lock()
	c.at, c.set = t, true
	c.mu.Unlock()
	return nil
}
