package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

type Event struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

const (
	TypeTriggerSent      = "trigger.sent"
	TypeTriggerDuplicate = "trigger.duplicate"
	TypeTriggerFailed    = "trigger.failed"
)

// TriggerEvent describes the outcome of handling one trigger.
type TriggerEvent struct {
	EventID     string `json:"event_id"`
	ClientCode  string `json:"client_code,omitempty"`
	ClientPhone string `json:"client_phone,omitempty"`
	Contact     string `json:"contact,omitempty"`
	DuplicateOf string `json:"duplicate_of,omitempty"`
	Message     string `json:"message,omitempty"`
	Attempts    int    `json:"attempts,omitempty"`
}

const DefaultChannel = "alertrelay:events:trigger"

type Bus struct {
	client  redis.UniversalClient
	channel string
	now     func() time.Time
}

func NewBus(client redis.UniversalClient, channel string) *Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Bus{client: client, channel: channel, now: time.Now}
}

func (b *Bus) Channel() string {
	return b.channel
}

func (b *Bus) NewEvent(eventType string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:      eventType,
		Timestamp: b.now().Unix(),
		Data:      data,
	}, nil
}

// PublishTrigger wraps ev in an Event of the given type and publishes it.
func (b *Bus) PublishTrigger(ctx context.Context, eventType string, ev TriggerEvent) error {
	event, err := b.NewEvent(eventType, ev)
	if err != nil {
		return err
	}
	return b.Publish(ctx, event)
}

func (b *Bus) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Subscribe streams events until ctx is done. The returned channel is closed
// afterwards.
func (b *Bus) Subscribe(ctx context.Context) <-chan *Event {
	sub := b.client.Subscribe(ctx, b.channel)
	ch := make(chan *Event, 100)

	go func() {
		defer close(ch)
		for msg := range sub.Channel() {
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case ch <- &event:
			case <-ctx.Done():
			}
		}
	}()

	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()

	return ch
}
