package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/alertrelay/alertrelay/pkg/eventbus"
)

type Subscriber interface {
	Subscribe(ctx context.Context) <-chan *eventbus.Event
}

type EventsHandler struct {
	bus    Subscriber
	logger *zap.Logger
}

func NewEventsHandler(bus Subscriber, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{bus: bus, logger: logger}
}

// Stream relays trigger outcome events as server-sent events until the
// client goes away.
func (h *EventsHandler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	events := h.bus.Subscribe(ctx)
	h.logger.Debug("event stream opened", zap.String("subject", subject(c)))

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent(ev.Type, ev)
			c.Writer.Flush()
		}
	}
}
