package model

import (
	"errors"
	"fmt"
	"time"
)

type TriggerStatus string

const (
	TriggerPending    TriggerStatus = "pending"
	TriggerProcessing TriggerStatus = "processing"
	TriggerSent       TriggerStatus = "sent"
	TriggerFailed     TriggerStatus = "failed"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// transitions lists the legal next states for each status. sent has none.
var transitions = map[TriggerStatus][]TriggerStatus{
	TriggerPending:    {TriggerProcessing, TriggerSent, TriggerFailed},
	TriggerProcessing: {TriggerSent, TriggerFailed, TriggerPending},
	TriggerFailed:     {TriggerProcessing},
	TriggerSent:       nil,
}

func (s TriggerStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s TriggerStatus) CanTransitionTo(next TriggerStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Predecessors returns every status from which next may be reached.
func Predecessors(next TriggerStatus) []TriggerStatus {
	var out []TriggerStatus
	for _, from := range []TriggerStatus{TriggerPending, TriggerProcessing, TriggerFailed, TriggerSent} {
		if from.CanTransitionTo(next) {
			out = append(out, from)
		}
	}
	return out
}

func TransitionError(from, to TriggerStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Trigger is one inbound event that may produce a notification. ClientCode and
// ClientPhone form the dedup key.
type Trigger struct {
	ID              uint64        `gorm:"primaryKey;autoIncrement"`
	EventID         string        `gorm:"type:varchar(255);not null;uniqueIndex"`
	ThreadID        string        `gorm:"type:varchar(255)"`
	Subject         string        `gorm:"type:text"`
	FromAddress     string        `gorm:"type:varchar(255)"`
	ClientCode      string        `gorm:"type:varchar(64);not null;index:idx_triggers_client_day,priority:1"`
	ClientPhone     string        `gorm:"type:varchar(32);not null;index:idx_triggers_client_day,priority:2"`
	ReceivedAt      string        `gorm:"type:varchar(64);index;index:idx_triggers_client_day,priority:3"`
	ReceivedTS      time.Time     `gorm:"index"`
	Status          TriggerStatus `gorm:"type:varchar(20);not null;default:'pending';index;index:idx_triggers_client_day,priority:4"`
	PayloadSnapshot string        `gorm:"type:text"`
	RenderedMessage string        `gorm:"type:text"`
	TargetContact   string        `gorm:"type:varchar(32)"`
	Details         JSONB         `gorm:"type:jsonb"`
	Attempts        int           `gorm:"not null;default:0"`
	LastError       *string       `gorm:"type:text"`
	SentAt          *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time `gorm:"index"`
}

func (Trigger) TableName() string {
	return "triggers"
}

func (t *Trigger) IsSent() bool {
	return t != nil && t.Status == TriggerSent
}

// InboundMessage is the raw event-source row pushed by the mail fetcher.
type InboundMessage struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	EventID    string    `gorm:"type:varchar(255);not null;uniqueIndex"`
	ThreadID   string    `gorm:"type:varchar(255)"`
	Subject    string    `gorm:"type:text"`
	From       string    `gorm:"column:from_address;type:varchar(255)"`
	ReceivedAt string    `gorm:"type:varchar(64)"`
	ReceivedTS time.Time `gorm:"index"`
	Body       string    `gorm:"type:text"`
	IngestedAt time.Time `gorm:"not null;index"`
}

func (InboundMessage) TableName() string {
	return "inbound_messages"
}
