package monitor

import (
	"context"
	"math/rand"
	"time"

	"github.com/alertrelay/alertrelay/pkg/config"
)

type Range struct {
	Min time.Duration
	Max time.Duration
}

func (r Range) pick(n func(int64) int64) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + time.Duration(n(int64(r.Max-r.Min)+1))
}

// Pacer spaces out sends within one pass. The first send of a pass goes out
// immediately, the second waits a First delay and every later one a
// Subsequent delay.
type Pacer struct {
	First      Range
	Subsequent Range

	rand  func(int64) int64
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPacer(cfg config.PacingConfig) *Pacer {
	return &Pacer{
		First:      Range{Min: cfg.FirstMin, Max: cfg.FirstMax},
		Subsequent: Range{Min: cfg.SubsequentMin, Max: cfg.SubsequentMax},
		rand:       rand.Int63n,
		sleep:      sleepCtx,
	}
}

// Delay returns the pause before the send numbered sent (zero-based) in the
// current pass.
func (p *Pacer) Delay(sent int) time.Duration {
	switch {
	case sent <= 0:
		return 0
	case sent == 1:
		return p.First.pick(p.rand)
	default:
		return p.Subsequent.pick(p.rand)
	}
}

func (p *Pacer) Wait(ctx context.Context, sent int) error {
	return p.sleep(ctx, p.Delay(sent))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
