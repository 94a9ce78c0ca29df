package postgres

import (
	"context"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPing         = 90 * time.Second
)

// Notifier turns postgres NOTIFY events on a channel into wake-ups for the
// poll loop. Missed notifications are harmless; the loop still ticks.
type Notifier struct {
	listener *pq.Listener
	channel  string
	logger   *zap.Logger
	wake     chan struct{}
}

func NewNotifier(dsn, channel string, logger *zap.Logger) (*Notifier, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	report := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("inbound listener event", zap.Int("event", int(ev)), zap.Error(err))
		}
	}
	l := pq.NewListener(dsn, listenerMinReconnect, listenerMaxReconnect, report)
	if err := l.Listen(channel); err != nil {
		_ = l.Close()
		return nil, err
	}
	return &Notifier{
		listener: l,
		channel:  channel,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}, nil
}

// Wake delivers at most one pending signal; bursts collapse into one.
func (n *Notifier) Wake() <-chan struct{} {
	return n.wake
}

// Run forwards notifications until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	ping := time.NewTicker(listenerPing)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case note := <-n.listener.Notify:
			// nil after a reconnect; treat it as a wake-up too
			if note != nil {
				n.logger.Debug("inbound notification", zap.String("channel", n.channel), zap.String("event_id", note.Extra))
			}
			select {
			case n.wake <- struct{}{}:
			default:
			}
		case <-ping.C:
			if err := n.listener.Ping(); err != nil {
				n.logger.Warn("inbound listener ping failed", zap.Error(err))
			}
		}
	}
}

func (n *Notifier) Close() error {
	return n.listener.Close()
}
