package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/alertrelay/alertrelay/pkg/dateparse"
	"github.com/alertrelay/alertrelay/pkg/model"
)

// InboundChannel is the NOTIFY channel raised when a message is ingested.
const InboundChannel = "inbound_messages"

var ErrInboundNotFound = errors.New("inbound message not found")

// InboundRepository is the event source: raw messages pushed by the mail
// fetcher, read back by the poll loop.
type InboundRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewInboundRepository(db *gorm.DB) *InboundRepository {
	return &InboundRepository{db: db, now: time.Now}
}

func (r *InboundRepository) WithClock(now func() time.Time) *InboundRepository {
	return &InboundRepository{db: r.db, now: now}
}

func (r *InboundRepository) Ingest(ctx context.Context, msg *model.InboundMessage) (bool, error) {
	if msg.IngestedAt.IsZero() {
		msg.IngestedAt = r.now()
	}
	if msg.ReceivedTS.IsZero() {
		if ts, err := dateparse.Default.Parse(msg.ReceivedAt); err == nil {
			msg.ReceivedTS = ts.UTC()
		} else {
			msg.ReceivedTS = msg.IngestedAt
		}
	}

	var isNew bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
			Create(msg)
		if res.Error != nil {
			return res.Error
		}
		isNew = res.RowsAffected == 1
		if isNew && tx.Dialector.Name() == DriverPostgres {
			return tx.Exec("SELECT pg_notify(?, ?)", InboundChannel, msg.EventID).Error
		}
		return nil
	})
	return isNew, err
}

// ListSince returns messages ingested after the given instant whose subject
// contains filter, case-insensitively, in ingestion order so a caller can
// page by advancing after to the last row's IngestedAt.
func (r *InboundRepository) ListSince(ctx context.Context, after time.Time, filter string, limit int) ([]model.InboundMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	query := r.db.WithContext(ctx).Where("ingested_at > ?", after)
	if filter = strings.TrimSpace(filter); filter != "" {
		query = query.Where("LOWER(subject) LIKE ?", "%"+strings.ToLower(filter)+"%")
	}
	var out []model.InboundMessage
	err := query.
		Order("ingested_at ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *InboundRepository) Get(ctx context.Context, eventID string) (*model.InboundMessage, error) {
	var msg model.InboundMessage
	err := r.db.WithContext(ctx).First(&msg, "event_id = ?", eventID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInboundNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
