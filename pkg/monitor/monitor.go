// Package monitor runs the poll loop: it reads new triggers from the source,
// merges them with the retry queue and drives each one through dedup,
// resolution and delivery.
package monitor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alertrelay/alertrelay/pkg/channel"
	"github.com/alertrelay/alertrelay/pkg/dispatcher"
	"github.com/alertrelay/alertrelay/pkg/eventbus"
	"github.com/alertrelay/alertrelay/pkg/guard"
	"github.com/alertrelay/alertrelay/pkg/metrics"
	"github.com/alertrelay/alertrelay/pkg/model"
	"github.com/alertrelay/alertrelay/pkg/resolver"
	"github.com/alertrelay/alertrelay/pkg/source"
	"github.com/alertrelay/alertrelay/pkg/store/postgres"
)

var (
	ErrAlreadyRunning  = errors.New("monitor already running")
	ErrChannelNotReady = errors.New("delivery channel not ready")
	ErrBusy            = errors.New("trigger is being handled")
	ErrAlreadySent     = errors.New("trigger already sent")
)

type Store interface {
	Insert(ctx context.Context, t *model.Trigger) (uint64, bool, error)
	GetByEventID(ctx context.Context, eventID string) (*model.Trigger, error)
	Claim(ctx context.Context, eventID string) (bool, error)
	MarkProcessing(ctx context.Context, eventID string)
	MarkSent(ctx context.Context, eventID, contact string) (bool, error)
	MarkFailed(ctx context.Context, eventID, errMsg string) error
	MarkAbandoned(ctx context.Context, eventID, errMsg string) error
	Release(ctx context.Context, eventID string) error
	FindByClientSameDay(ctx context.Context, code, phone, excludeEventID string) (*model.Trigger, error)
	ListPending(ctx context.Context, limit int) ([]model.Trigger, error)
	IsSent(ctx context.Context, eventID string) (bool, error)
	SentEventIDs(ctx context.Context, ids []string) (map[string]bool, error)
}

var _ Store = (*postgres.TriggerRepository)(nil)

type HealthChecker interface {
	Health(ctx context.Context) (channel.HealthStatus, error)
}

type Resolver interface {
	Resolve(ctx context.Context, raw string) (*resolver.Resolution, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatcher.Request) dispatcher.Result
}

// Publisher receives trigger outcomes. eventbus.Bus implements it.
type Publisher interface {
	PublishTrigger(ctx context.Context, eventType string, ev eventbus.TriggerEvent) error
}

type Config struct {
	PollInterval    time.Duration
	BatchSize       int
	SubjectFilter   string
	InitialLookback time.Duration
	// CheckpointOverlap moves the saved checkpoint back from the pass
	// snapshot. A row stamped before the snapshot but committed after it
	// is then still read by the next pass. Defaults to PollInterval.
	CheckpointOverlap time.Duration
	// AuthorizationBaseURL is embedded in rendered messages.
	AuthorizationBaseURL string
}

type Deps struct {
	Source     source.Source
	Store      Store
	Health     HealthChecker
	Resolver   Resolver
	Dispatcher Dispatcher
	Guard      *guard.Guard
	Pacer      *Pacer
	Checkpoint Checkpoint
	Events     Publisher
	// Wake, when set, triggers a pass before the next tick.
	Wake <-chan struct{}
}

type Status struct {
	Running    bool      `json:"running"`
	Passes     int64     `json:"passes"`
	LastPass   time.Time `json:"last_pass,omitempty"`
	LastBatch  int       `json:"last_batch"`
	LastError  string    `json:"last_error,omitempty"`
	Checkpoint time.Time `json:"checkpoint,omitempty"`
	InFlight   []string  `json:"in_flight,omitempty"`
}

type Monitor struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	now    func() time.Time

	// passMu serializes passes and replays.
	passMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	status Status
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func New(cfg Config, deps Deps, logger *zap.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.InitialLookback <= 0 {
		cfg.InitialLookback = 7 * 24 * time.Hour
	}
	if cfg.CheckpointOverlap <= 0 {
		cfg.CheckpointOverlap = cfg.PollInterval
	}
	if deps.Guard == nil {
		deps.Guard = guard.New()
	}
	if deps.Pacer == nil {
		deps.Pacer = &Pacer{sleep: sleepCtx}
	}
	if deps.Checkpoint == nil {
		deps.Checkpoint = &MemoryCheckpoint{}
	}
	m := &Monitor{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the loop in the background. The loop outlives ctx only until
// Stop is called or ctx is done.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.status.Running = true

	go m.run(loopCtx, m.done)

	m.logger.Info("monitor started",
		zap.Duration("poll_interval", m.cfg.PollInterval),
		zap.Int("batch_size", m.cfg.BatchSize),
		zap.String("subject_filter", m.cfg.SubjectFilter),
	)
	return nil
}

// Stop asks the loop to exit and waits for the current pass to wind down. A
// send already on the wire is allowed to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	<-done

	m.mu.Lock()
	m.cancel = nil
	m.done = nil
	m.status.Running = false
	m.mu.Unlock()
	m.logger.Info("monitor stopped")
}

func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	st := m.status
	m.mu.Unlock()

	st.InFlight = m.deps.Guard.Snapshot()
	sort.Strings(st.InFlight)
	return st
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.deps.Wake:
		}
		if ctx.Err() != nil {
			return
		}
		m.pass(ctx)
	}
}

func (m *Monitor) pass(ctx context.Context) {
	if _, err := m.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("poll pass failed", zap.Error(err))
	}
}

type PassResult struct {
	Fetched  int             `json:"fetched"`
	Retried  int             `json:"retried"`
	Outcomes map[Outcome]int `json:"outcomes"`
}

// RunOnce executes a single pass. The checkpoint advances once the batch
// is done even if individual triggers failed; it does not advance when the
// pass is aborted.
func (m *Monitor) RunOnce(ctx context.Context) (PassResult, error) {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	started := time.Now()
	defer func() { metrics.PollDuration.Observe(time.Since(started).Seconds()) }()

	res, next, err := m.runPass(ctx)

	m.mu.Lock()
	m.status.Passes++
	m.status.LastPass = m.now()
	m.status.LastBatch = res.Fetched + res.Retried
	if err != nil {
		m.status.LastError = err.Error()
	} else {
		m.status.LastError = ""
		m.status.Checkpoint = next
	}
	m.mu.Unlock()
	return res, err
}

func (m *Monitor) runPass(ctx context.Context) (PassResult, time.Time, error) {
	res := PassResult{Outcomes: map[Outcome]int{}}
	// taken before the fetch so events ingested meanwhile are seen next time
	snapshot := m.now()

	if err := m.checkChannel(ctx); err != nil {
		return res, time.Time{}, err
	}

	after, ok, err := m.deps.Checkpoint.Load(ctx)
	if err != nil {
		return res, time.Time{}, err
	}
	if !ok {
		after = snapshot.Add(-m.cfg.InitialLookback)
	}

	msgs, err := m.deps.Source.ListSince(ctx, after, m.cfg.SubjectFilter, m.cfg.BatchSize)
	if err != nil {
		return res, time.Time{}, err
	}
	next := nextCheckpoint(after, snapshot.Add(-m.cfg.CheckpointOverlap), msgs, m.cfg.BatchSize)

	retry, err := m.deps.Store.ListPending(ctx, m.cfg.BatchSize)
	if err != nil {
		return res, time.Time{}, err
	}

	items := merge(msgs, retry)
	res.Fetched, res.Retried = len(msgs), len(retry)
	metrics.PollBatchSize.Set(float64(len(items)))

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.eventID
	}
	sent, err := m.deps.Store.SentEventIDs(ctx, ids)
	if err != nil {
		return res, time.Time{}, err
	}

	dispatched := 0
	for _, it := range items {
		if ctx.Err() != nil {
			return res, time.Time{}, ctx.Err()
		}
		if sent[it.eventID] {
			continue
		}
		outcome, err := m.handle(ctx, it, &dispatched, true)
		res.Outcomes[outcome]++
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("trigger handling failed",
				zap.String("event_id", it.eventID),
				zap.String("outcome", string(outcome)),
				zap.Error(err),
			)
		}
	}

	if err := m.deps.Checkpoint.Save(ctx, next); err != nil {
		return res, time.Time{}, err
	}
	if len(items) > 0 {
		m.logger.Info("poll pass complete",
			zap.Int("fetched", res.Fetched),
			zap.Int("retried", res.Retried),
			zap.Int("dispatched", dispatched),
		)
	}
	return res, next, nil
}

// checkChannel gates every dispatch path on the bridge health probe.
func (m *Monitor) checkChannel(ctx context.Context) error {
	if m.deps.Health == nil {
		return nil
	}
	health, err := m.deps.Health.Health(ctx)
	if err != nil {
		return errors.Join(ErrChannelNotReady, err)
	}
	if !health.Ready() {
		return ErrChannelNotReady
	}
	return nil
}

// nextCheckpoint pages through a full batch by its last ingestion time and
// otherwise rewinds to the overlap mark. It never moves behind after.
func nextCheckpoint(after, mark time.Time, msgs []model.InboundMessage, batchSize int) time.Time {
	next := mark
	if len(msgs) > 0 && len(msgs) >= batchSize {
		next = msgs[len(msgs)-1].IngestedAt
	}
	if next.Before(after) {
		return after
	}
	return next
}

// item is one unit of work: a fresh source event or a stored trigger from
// the retry queue.
type item struct {
	eventID    string
	receivedTS time.Time
	msg        *model.InboundMessage
	trigger    *model.Trigger
}

// merge combines source events and retry-queue records, preferring the stored
// record when both carry the same event id, in ascending receipt order.
func merge(msgs []model.InboundMessage, retry []model.Trigger) []item {
	byID := make(map[string]int, len(msgs)+len(retry))
	var items []item
	for i := range retry {
		t := &retry[i]
		if _, dup := byID[t.EventID]; dup {
			continue
		}
		byID[t.EventID] = len(items)
		items = append(items, item{eventID: t.EventID, receivedTS: t.ReceivedTS, trigger: t})
	}
	for i := range msgs {
		msg := &msgs[i]
		if _, dup := byID[msg.EventID]; dup {
			continue
		}
		byID[msg.EventID] = len(items)
		items = append(items, item{eventID: msg.EventID, receivedTS: msg.ReceivedTS, msg: msg})
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].receivedTS.Before(items[j].receivedTS)
	})
	return items
}

// Replay pushes one stored trigger through the pipeline again, without
// pacing. Failed records become eligible again. Nothing is attempted while
// the channel is not ready.
func (m *Monitor) Replay(ctx context.Context, eventID string) (Outcome, error) {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	t, err := m.deps.Store.GetByEventID(ctx, eventID)
	if err != nil {
		return OutcomeFailed, err
	}
	if t.Status == model.TriggerSent {
		return OutcomeSkipped, ErrAlreadySent
	}
	if err := m.checkChannel(ctx); err != nil {
		return OutcomeSkipped, err
	}
	dispatched := 0
	return m.handle(ctx, item{eventID: t.EventID, receivedTS: t.ReceivedTS, trigger: t}, &dispatched, false)
}

func (m *Monitor) publish(ctx context.Context, eventType string, ev eventbus.TriggerEvent) {
	if m.deps.Events == nil {
		return
	}
	if err := m.deps.Events.PublishTrigger(ctx, eventType, ev); err != nil {
		m.logger.Warn("failed to publish trigger event",
			zap.String("event_id", ev.EventID),
			zap.String("type", eventType),
			zap.Error(err),
		)
	}
}
