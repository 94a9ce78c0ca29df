package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alertrelay/alertrelay/pkg/config"
)

func TestPacerDelayRanges(t *testing.T) {
	p := NewPacer(config.PacingConfig{
		FirstMin:      25 * time.Second,
		FirstMax:      35 * time.Second,
		SubsequentMin: 30 * time.Second,
		SubsequentMax: 45 * time.Second,
	})

	assert.Zero(t, p.Delay(0))
	for i := 0; i < 50; i++ {
		first := p.Delay(1)
		assert.GreaterOrEqual(t, first, 25*time.Second)
		assert.LessOrEqual(t, first, 35*time.Second)

		later := p.Delay(2 + i)
		assert.GreaterOrEqual(t, later, 30*time.Second)
		assert.LessOrEqual(t, later, 45*time.Second)
	}
}

func TestPacerFixedRange(t *testing.T) {
	p := NewPacer(config.PacingConfig{FirstMin: time.Second, SubsequentMin: 2 * time.Second})
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(5))
}

func TestPacerWaitCancelled(t *testing.T) {
	p := NewPacer(config.PacingConfig{FirstMin: time.Hour, FirstMax: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := p.Wait(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
