package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/alertrelay/alertrelay/pkg/dateparse"
	"github.com/alertrelay/alertrelay/pkg/metrics"
	"github.com/alertrelay/alertrelay/pkg/model"
)

const (
	defaultInFlightWindow = 10 * time.Minute
	defaultMaxAttempts    = 5
	casRetries            = 3
)

var (
	ErrNotFound = errors.New("trigger not found")
	// ErrSentNotPersisted means a confirmed delivery could not be read back as
	// sent. It must never be swallowed.
	ErrSentNotPersisted = errors.New("sent status not persisted")
)

type TriggerStats struct {
	Total      int64 `json:"total"`
	Sent       int64 `json:"sent"`
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Failed     int64 `json:"failed"`
}

type TriggerRepository struct {
	db          *gorm.DB
	logger      *zap.Logger
	now         func() time.Time
	inFlight    time.Duration
	maxAttempts int
	dates       dateparse.Chain
}

type TriggerOption func(*TriggerRepository)

func WithClock(now func() time.Time) TriggerOption {
	return func(r *TriggerRepository) { r.now = now }
}

func WithInFlightWindow(d time.Duration) TriggerOption {
	return func(r *TriggerRepository) {
		if d > 0 {
			r.inFlight = d
		}
	}
}

func WithMaxAttempts(n int) TriggerOption {
	return func(r *TriggerRepository) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func NewTriggerRepository(db *gorm.DB, logger *zap.Logger, opts ...TriggerOption) *TriggerRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &TriggerRepository{
		db:          db,
		logger:      logger,
		now:         time.Now,
		inFlight:    defaultInFlightWindow,
		maxAttempts: defaultMaxAttempts,
		dates:       dateparse.Default,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *TriggerRepository) MaxAttempts() int {
	return r.maxAttempts
}

// Insert stores t unless its event id is already present. On collision it
// returns the existing id and isNew=false.
func (r *TriggerRepository) Insert(ctx context.Context, t *model.Trigger) (uint64, bool, error) {
	now := r.now()
	if t.Status == "" {
		t.Status = model.TriggerPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(t)
	if res.Error != nil {
		return 0, false, res.Error
	}
	if res.RowsAffected == 1 {
		return t.ID, true, nil
	}

	existing, err := r.GetByEventID(ctx, t.EventID)
	if err != nil {
		return 0, false, err
	}
	return existing.ID, false, nil
}

func (r *TriggerRepository) GetByEventID(ctx context.Context, eventID string) (*model.Trigger, error) {
	var t model.Trigger
	err := r.db.WithContext(ctx).First(&t, "event_id = ?", eventID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// MarkProcessing refreshes updated_at as a heartbeat. It never changes the
// status and only logs failures.
func (r *TriggerRepository) MarkProcessing(ctx context.Context, eventID string) {
	err := r.db.WithContext(ctx).
		Model(&model.Trigger{}).
		Where("event_id = ? AND status <> ?", eventID, model.TriggerSent).
		Update("updated_at", r.now()).Error
	if err != nil {
		r.logger.Warn("heartbeat failed", zap.String("event_id", eventID), zap.Error(err))
	}
}

// Claim moves a record into processing with a single compare-and-swap. A
// processing record whose lease went stale can be claimed again. It returns
// false when the record is sent, held by someone else, or missing.
func (r *TriggerRepository) Claim(ctx context.Context, eventID string) (bool, error) {
	now := r.now()
	stale := now.Add(-r.inFlight)
	res := r.db.WithContext(ctx).
		Model(&model.Trigger{}).
		Where("event_id = ?", eventID).
		Where(r.db.Where("status IN ?", model.Predecessors(model.TriggerProcessing)).
			Or("status = ? AND updated_at < ?", model.TriggerProcessing, stale)).
		Updates(map[string]interface{}{
			"status":     model.TriggerProcessing,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// UpdateStatus applies a forward-only transition. The legal predecessors are
// part of the UPDATE, so a concurrent change cannot slip past the check.
func (r *TriggerRepository) UpdateStatus(ctx context.Context, eventID string, to model.TriggerStatus) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", model.ErrInvalidTransition, to)
	}
	preds := model.Predecessors(to)
	if len(preds) == 0 {
		return fmt.Errorf("%w: nothing transitions to %s", model.ErrInvalidTransition, to)
	}

	updates := map[string]interface{}{
		"status":     to,
		"updated_at": r.now(),
	}
	if to == model.TriggerSent {
		updates["sent_at"] = r.now()
	}
	res := r.db.WithContext(ctx).
		Model(&model.Trigger{}).
		Where("event_id = ? AND status IN ?", eventID, preds).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	current, err := r.GetByEventID(ctx, eventID)
	if err != nil {
		return err
	}
	return model.TransitionError(current.Status, to)
}

// MarkSent records a confirmed delivery and queues its outbox event in the
// same transaction, then reads the row back. It returns false when no row
// matched. A read-back that disagrees yields ErrSentNotPersisted.
func (r *TriggerRepository) MarkSent(ctx context.Context, eventID, contact string) (bool, error) {
	now := r.now()
	matched := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t model.Trigger
		if err := tx.First(&t, "event_id = ?", eventID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		matched = true
		if t.Status == model.TriggerSent {
			return nil
		}

		updates := map[string]interface{}{
			"status":     model.TriggerSent,
			"sent_at":    now,
			"updated_at": now,
			"last_error": nil,
		}
		if contact != "" {
			updates["target_contact"] = contact
		}
		res := tx.Model(&model.Trigger{}).
			Where("event_id = ? AND status IN ?", eventID, model.Predecessors(model.TriggerSent)).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// lost a race; fine if the winner also marked it sent
			var cur model.Trigger
			if err := tx.First(&cur, "event_id = ?", eventID).Error; err != nil {
				return err
			}
			if cur.Status == model.TriggerSent {
				return nil
			}
			return model.TransitionError(cur.Status, model.TriggerSent)
		}

		if contact == "" {
			contact = t.TargetContact
		}
		event := &model.NotificationEvent{
			EventID:   uuid.New(),
			EventType: model.EventTypeNotificationSent,
			TriggerID: eventID,
			Payload: model.JSONB{
				"event_id":       eventID,
				"client_code":    t.ClientCode,
				"client_phone":   t.ClientPhone,
				"target_contact": contact,
				"sent_at":        now.UTC().Format(time.RFC3339),
			},
			Status:    model.OutboxStatusPending,
			CreatedAt: now,
		}
		return tx.Create(event).Error
	})
	if err != nil {
		return false, err
	}
	if !matched {
		return false, nil
	}

	check, err := r.GetByEventID(ctx, eventID)
	if err != nil {
		metrics.SentNotPersisted.Inc()
		return true, fmt.Errorf("%w: read-back of %s: %v", ErrSentNotPersisted, eventID, err)
	}
	if check.Status != model.TriggerSent {
		metrics.SentNotPersisted.Inc()
		return true, fmt.Errorf("%w: %s reads back as %s", ErrSentNotPersisted, eventID, check.Status)
	}
	return true, nil
}

// MarkFailed counts a failed delivery attempt. A processing record goes back
// to pending for a later pass, or to failed once the attempt cap is reached.
// Sent records are left alone.
func (r *TriggerRepository) MarkFailed(ctx context.Context, eventID, errMsg string) error {
	for i := 0; i < casRetries; i++ {
		t, err := r.GetByEventID(ctx, eventID)
		if err != nil {
			return err
		}
		if t.Status == model.TriggerSent {
			r.logger.Warn("ignoring failure for sent trigger", zap.String("event_id", eventID))
			return nil
		}

		attempts := t.Attempts + 1
		next := t.Status
		if next == model.TriggerProcessing {
			next = model.TriggerPending
		}
		if attempts >= r.maxAttempts && next == model.TriggerPending {
			next = model.TriggerFailed
		}

		res := r.db.WithContext(ctx).
			Model(&model.Trigger{}).
			Where("event_id = ? AND status = ? AND attempts = ?", eventID, t.Status, t.Attempts).
			Updates(map[string]interface{}{
				"status":     next,
				"attempts":   attempts,
				"last_error": errMsg,
				"updated_at": r.now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			if next == model.TriggerFailed && t.Status != model.TriggerFailed {
				r.logger.Warn("trigger reached max attempts",
					zap.String("event_id", eventID),
					zap.Int("attempts", attempts),
				)
			}
			return nil
		}
	}
	return fmt.Errorf("mark failed %s: concurrent updates", eventID)
}

// MarkAbandoned records a non-retryable failure and parks the record in
// failed. Only an explicit replay picks it up again.
func (r *TriggerRepository) MarkAbandoned(ctx context.Context, eventID, errMsg string) error {
	res := r.db.WithContext(ctx).
		Model(&model.Trigger{}).
		Where("event_id = ? AND status IN ?", eventID, model.Predecessors(model.TriggerFailed)).
		Updates(map[string]interface{}{
			"status":     model.TriggerFailed,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": errMsg,
			"updated_at": r.now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		current, err := r.GetByEventID(ctx, eventID)
		if err != nil {
			return err
		}
		return model.TransitionError(current.Status, model.TriggerFailed)
	}
	return nil
}

// Release hands a processing record back to pending without counting an
// attempt. Used when a send was skipped rather than tried.
func (r *TriggerRepository) Release(ctx context.Context, eventID string) error {
	return r.UpdateStatus(ctx, eventID, model.TriggerPending)
}

// FindByClientSameDay is the dedup query. A confirmed send whose received_at
// falls on today wins; otherwise a pending or processing record touched
// within the in-flight window counts as a delivery underway.
func (r *TriggerRepository) FindByClientSameDay(ctx context.Context, code, phone, excludeEventID string) (*model.Trigger, error) {
	var sent []model.Trigger
	err := r.db.WithContext(ctx).
		Where("client_code = ? AND client_phone = ? AND status = ? AND event_id <> ?",
			code, phone, model.TriggerSent, excludeEventID).
		Order("received_ts DESC").
		Find(&sent).Error
	if err != nil {
		return nil, err
	}

	today := dateparse.DateOf(r.now())
	for i := range sent {
		d, err := r.dates.Date(sent[i].ReceivedAt)
		if err != nil {
			r.logger.Warn("skipping sent record with unparseable received_at",
				zap.String("event_id", sent[i].EventID),
				zap.String("received_at", sent[i].ReceivedAt),
			)
			continue
		}
		if d == today {
			return &sent[i], nil
		}
	}

	var inFlight model.Trigger
	err = r.db.WithContext(ctx).
		Where("client_code = ? AND client_phone = ? AND status IN ? AND updated_at >= ? AND event_id <> ?",
			code, phone,
			[]model.TriggerStatus{model.TriggerPending, model.TriggerProcessing},
			r.now().Add(-r.inFlight), excludeEventID).
		Order("updated_at DESC").
		First(&inFlight).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inFlight, nil
}

// ListPending returns the retry queue: pending records plus processing ones
// whose lease went stale, oldest receipt first.
func (r *TriggerRepository) ListPending(ctx context.Context, limit int) ([]model.Trigger, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []model.Trigger
	err := r.db.WithContext(ctx).
		Where("status = ?", model.TriggerPending).
		Or("status = ? AND updated_at < ?", model.TriggerProcessing, r.now().Add(-r.inFlight)).
		Order("received_ts ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *TriggerRepository) ListUnsent(ctx context.Context, limit int) ([]model.Trigger, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []model.Trigger
	err := r.db.WithContext(ctx).
		Where("status <> ?", model.TriggerSent).
		Order("updated_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *TriggerRepository) IsSent(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Trigger{}).
		Where("event_id = ? AND status = ?", eventID, model.TriggerSent).
		Count(&count).Error
	return count > 0, err
}

func (r *TriggerRepository) SentEventIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var sent []string
	err := r.db.WithContext(ctx).
		Model(&model.Trigger{}).
		Where("event_id IN ? AND status = ?", ids, model.TriggerSent).
		Pluck("event_id", &sent).Error
	if err != nil {
		return nil, err
	}
	for _, id := range sent {
		out[id] = true
	}
	return out, nil
}

// DeleteStalePending removes pending records untouched for olderThan, or all
// pending records when olderThan is zero. Sent records are never touched.
func (r *TriggerRepository) DeleteStalePending(ctx context.Context, olderThan time.Duration) (int64, error) {
	q := r.db.WithContext(ctx).Where("status = ?", model.TriggerPending)
	if olderThan > 0 {
		q = q.Where("updated_at < ?", r.now().Add(-olderThan))
	}
	res := q.Delete(&model.Trigger{})
	return res.RowsAffected, res.Error
}

type statusCount struct {
	Status model.TriggerStatus
	Count  int64
}

func (r *TriggerRepository) Stats(ctx context.Context) (TriggerStats, error) {
	var rows []statusCount
	err := r.db.WithContext(ctx).
		Model(&model.Trigger{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return TriggerStats{}, err
	}

	var stats TriggerStats
	for _, row := range rows {
		stats.Total += row.Count
		switch row.Status {
		case model.TriggerSent:
			stats.Sent = row.Count
		case model.TriggerPending:
			stats.Pending = row.Count
		case model.TriggerProcessing:
			stats.Processing = row.Count
		case model.TriggerFailed:
			stats.Failed = row.Count
		}
	}
	return stats, nil
}

func (r *TriggerRepository) List(ctx context.Context, limit, offset int) ([]model.Trigger, int64, error) {
	var (
		out   []model.Trigger
		total int64
	)
	query := r.db.WithContext(ctx).Model(&model.Trigger{})
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query.
		Order("received_ts DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	return out, total, err
}
