package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/alertrelay/alertrelay/pkg/dispatcher"
	"github.com/alertrelay/alertrelay/pkg/eventbus"
	"github.com/alertrelay/alertrelay/pkg/extract"
	"github.com/alertrelay/alertrelay/pkg/metrics"
	"github.com/alertrelay/alertrelay/pkg/model"
	"github.com/alertrelay/alertrelay/pkg/resolver"
	"github.com/alertrelay/alertrelay/pkg/source"
	"github.com/alertrelay/alertrelay/pkg/store/postgres"
)

type Outcome string

const (
	OutcomeSent      Outcome = metrics.OutcomeSent
	OutcomeDuplicate Outcome = metrics.OutcomeDuplicate
	OutcomeFailed    Outcome = metrics.OutcomeFailed
	OutcomeSkipped   Outcome = metrics.OutcomeSkipped
	OutcomeInvalid   Outcome = metrics.OutcomeInvalid
)

// handle runs one trigger end to end. paced is false for operator replays,
// which skip pacing and may pick up failed records.
func (m *Monitor) handle(ctx context.Context, it item, dispatched *int, paced bool) (outcome Outcome, err error) {
	defer func() { metrics.TriggersTotal.WithLabelValues(string(outcome)).Inc() }()

	log := m.logger.With(zap.String("event_id", it.eventID))

	if sent, err := m.deps.Store.IsSent(ctx, it.eventID); err != nil || sent {
		return OutcomeSkipped, err
	}
	if !source.MatchesSubject(it.subject(), m.cfg.SubjectFilter) {
		return OutcomeSkipped, nil
	}

	release, ok := m.deps.Guard.TryAcquire(it.eventID)
	if !ok {
		log.Debug("trigger already in flight")
		return OutcomeSkipped, ErrBusy
	}
	metrics.InflightTriggers.Set(float64(m.deps.Guard.Len()))
	defer func() {
		release()
		metrics.InflightTriggers.Set(float64(m.deps.Guard.Len()))
	}()

	if sent, err := m.deps.Store.IsSent(ctx, it.eventID); err != nil || sent {
		return OutcomeSkipped, err
	}

	t := it.trigger
	if t == nil {
		var done bool
		t, outcome, done, err = m.admit(ctx, log, it.msg)
		if done {
			return outcome, err
		}
	}

	if paced && t.Status == model.TriggerFailed {
		return OutcomeSkipped, nil
	}
	claimed, err := m.deps.Store.Claim(ctx, t.EventID)
	if err != nil {
		return OutcomeFailed, err
	}
	if !claimed {
		log.Debug("trigger held elsewhere")
		return OutcomeSkipped, nil
	}

	return m.deliver(ctx, log, t, dispatched, paced)
}

func (it item) subject() string {
	if it.trigger != nil {
		return it.trigger.Subject
	}
	return it.msg.Subject
}

// admit turns a fresh source event into a stored trigger. Duplicates and
// unparseable bodies are never stored. done reports that handling is over.
func (m *Monitor) admit(ctx context.Context, log *zap.Logger, msg *model.InboundMessage) (*model.Trigger, Outcome, bool, error) {
	if existing, err := m.deps.Store.GetByEventID(ctx, msg.EventID); err == nil {
		return existing, "", false, nil
	} else if !errors.Is(err, postgres.ErrNotFound) {
		return nil, OutcomeFailed, true, err
	}

	id, err := extract.Extract(msg.Body)
	if err != nil {
		log.Warn("dropping trigger with missing fields", zap.Error(err))
		return nil, OutcomeInvalid, true, nil
	}

	dup, err := m.deps.Store.FindByClientSameDay(ctx, id.Code, id.Phone, msg.EventID)
	if err != nil {
		return nil, OutcomeFailed, true, err
	}
	if dup != nil {
		log.Info("duplicate trigger skipped",
			zap.String("outcome", string(OutcomeDuplicate)),
			zap.String("client_code", id.Code),
			zap.String("duplicate_of", dup.EventID),
		)
		m.publish(ctx, eventbus.TypeTriggerDuplicate, eventbus.TriggerEvent{
			EventID:     msg.EventID,
			ClientCode:  id.Code,
			ClientPhone: id.Phone,
			DuplicateOf: dup.EventID,
		})
		return nil, OutcomeDuplicate, true, nil
	}

	text, link := extract.Render(id, m.cfg.AuthorizationBaseURL)
	t := &model.Trigger{
		EventID:         msg.EventID,
		ThreadID:        msg.ThreadID,
		Subject:         msg.Subject,
		FromAddress:     msg.From,
		ClientCode:      id.Code,
		ClientPhone:     id.Phone,
		ReceivedAt:      msg.ReceivedAt,
		ReceivedTS:      msg.ReceivedTS,
		Status:          model.TriggerPending,
		PayloadSnapshot: msg.Body,
		RenderedMessage: text,
		TargetContact:   id.SellerPhone,
		Details:         model.JSONB(id.Details(link)),
	}
	if _, isNew, err := m.deps.Store.Insert(ctx, t); err != nil {
		return nil, OutcomeFailed, true, err
	} else if !isNew {
		existing, err := m.deps.Store.GetByEventID(ctx, msg.EventID)
		if err != nil {
			return nil, OutcomeFailed, true, err
		}
		return existing, "", false, nil
	}
	return t, "", false, nil
}

// deliver owns a claimed record and must leave it out of processing on every
// return path.
func (m *Monitor) deliver(ctx context.Context, log *zap.Logger, t *model.Trigger, dispatched *int, paced bool) (Outcome, error) {
	// store writes after a stop must still land
	store := context.WithoutCancel(ctx)

	if dup, err := m.deps.Store.FindByClientSameDay(ctx, t.ClientCode, t.ClientPhone, t.EventID); err != nil {
		m.release(store, log, t.EventID)
		return OutcomeFailed, err
	} else if dup != nil {
		return m.duplicate(store, log, t, dup)
	}

	message := t.RenderedMessage
	if message == "" {
		id, err := extract.Extract(t.PayloadSnapshot)
		if err != nil {
			return m.abandon(store, log, t, err)
		}
		message, _ = extract.Render(id, m.cfg.AuthorizationBaseURL)
	}

	resolution, err := m.deps.Resolver.Resolve(ctx, t.TargetContact)
	if err != nil {
		if errors.Is(err, resolver.ErrNoCandidate) {
			return m.abandon(store, log, t, err)
		}
		m.release(store, log, t.EventID)
		return OutcomeFailed, err
	}
	if resolution.Fallback {
		metrics.CandidatesResolved.Observe(0)
		log.Warn("no candidate validated, trying fallback", zap.String("number", resolution.Candidates[0].Number))
	} else {
		metrics.CandidatesResolved.Observe(float64(len(resolution.Candidates)))
	}

	if paced {
		if err := m.deps.Pacer.Wait(ctx, *dispatched); err != nil {
			m.release(store, log, t.EventID)
			return OutcomeSkipped, err
		}
	}
	*dispatched++

	var gateDup *model.Trigger
	result := m.deps.Dispatcher.Dispatch(store, dispatcher.Request{
		EventID:    t.EventID,
		Message:    message,
		Candidates: resolution.Candidates,
		Gate: func(ctx context.Context) error {
			if sent, err := m.deps.Store.IsSent(ctx, t.EventID); err != nil {
				return err
			} else if sent {
				return fmt.Errorf("%w: %s already sent", dispatcher.ErrDuplicate, t.EventID)
			}
			dup, err := m.deps.Store.FindByClientSameDay(ctx, t.ClientCode, t.ClientPhone, t.EventID)
			if err != nil {
				return err
			}
			if dup != nil {
				gateDup = dup
				return fmt.Errorf("%w: duplicate of %s", dispatcher.ErrDuplicate, dup.EventID)
			}
			return nil
		},
		Heartbeat: func(ctx context.Context) {
			m.deps.Store.MarkProcessing(ctx, t.EventID)
		},
	})

	switch {
	case result.Success:
		return m.sent(store, log, t, result.Contact)
	case result.Gated && gateDup != nil:
		return m.duplicate(store, log, t, gateDup)
	case result.Gated:
		m.release(store, log, t.EventID)
		return OutcomeSkipped, nil
	default:
		return m.failed(store, log, t, result.Err)
	}
}

func (m *Monitor) sent(ctx context.Context, log *zap.Logger, t *model.Trigger, contact string) (Outcome, error) {
	matched, err := m.deps.Store.MarkSent(ctx, t.EventID, contact)
	if errors.Is(err, postgres.ErrSentNotPersisted) {
		log.Error("delivered but the store does not confirm sent",
			zap.String("contact", contact),
			zap.Error(err),
		)
		return OutcomeSent, err
	}
	if err != nil {
		log.Error("delivered but marking sent failed", zap.String("contact", contact), zap.Error(err))
		return OutcomeSent, err
	}
	if !matched {
		err := fmt.Errorf("mark sent %s: %w", t.EventID, postgres.ErrNotFound)
		log.Error("delivered but the trigger record is gone", zap.Error(err))
		return OutcomeSent, err
	}

	log.Info("notification delivered",
		zap.String("outcome", string(OutcomeSent)),
		zap.String("client_code", t.ClientCode),
		zap.String("contact", contact),
	)
	m.publish(ctx, eventbus.TypeTriggerSent, eventbus.TriggerEvent{
		EventID:     t.EventID,
		ClientCode:  t.ClientCode,
		ClientPhone: t.ClientPhone,
		Contact:     contact,
	})
	return OutcomeSent, nil
}

// duplicate retires a record that lost to a confirmed same-day send, or hands
// it back to pending when the other delivery is still in flight.
func (m *Monitor) duplicate(ctx context.Context, log *zap.Logger, t, dup *model.Trigger) (Outcome, error) {
	var err error
	if dup.Status == model.TriggerSent {
		err = m.deps.Store.MarkAbandoned(ctx, t.EventID, "duplicate of "+dup.EventID)
	} else {
		err = m.deps.Store.Release(ctx, t.EventID)
	}
	log.Info("duplicate trigger skipped",
		zap.String("outcome", string(OutcomeDuplicate)),
		zap.String("client_code", t.ClientCode),
		zap.String("duplicate_of", dup.EventID),
		zap.String("duplicate_status", string(dup.Status)),
	)
	m.publish(ctx, eventbus.TypeTriggerDuplicate, eventbus.TriggerEvent{
		EventID:     t.EventID,
		ClientCode:  t.ClientCode,
		ClientPhone: t.ClientPhone,
		DuplicateOf: dup.EventID,
	})
	return OutcomeDuplicate, err
}

func (m *Monitor) abandon(ctx context.Context, log *zap.Logger, t *model.Trigger, cause error) (Outcome, error) {
	log.Warn("trigger cannot be delivered", zap.Error(cause))
	if err := m.deps.Store.MarkAbandoned(ctx, t.EventID, cause.Error()); err != nil {
		return OutcomeFailed, err
	}
	m.publish(ctx, eventbus.TypeTriggerFailed, eventbus.TriggerEvent{
		EventID:    t.EventID,
		ClientCode: t.ClientCode,
		Message:    cause.Error(),
		Attempts:   t.Attempts + 1,
	})
	return OutcomeFailed, nil
}

func (m *Monitor) failed(ctx context.Context, log *zap.Logger, t *model.Trigger, cause error) (Outcome, error) {
	msg := "delivery failed"
	if cause != nil {
		msg = cause.Error()
	}
	log.Warn("delivery failed",
		zap.String("outcome", string(OutcomeFailed)),
		zap.String("client_code", t.ClientCode),
		zap.String("error", msg),
	)
	if err := m.deps.Store.MarkFailed(ctx, t.EventID, msg); err != nil {
		return OutcomeFailed, err
	}
	m.publish(ctx, eventbus.TypeTriggerFailed, eventbus.TriggerEvent{
		EventID:    t.EventID,
		ClientCode: t.ClientCode,
		Message:    strings.TrimSpace(msg),
		Attempts:   t.Attempts + 1,
	})
	return OutcomeFailed, nil
}

func (m *Monitor) release(ctx context.Context, log *zap.Logger, eventID string) {
	if err := m.deps.Store.Release(ctx, eventID); err != nil {
		log.Warn("failed to release trigger", zap.Error(err))
	}
}
