package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/alertrelay/alertrelay/pkg/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: NewGormLogger(zap.NewNop()),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, NewStoreFromDB(db).AutoMigrate())
	return db
}

var day1 = time.Date(2025, 11, 27, 15, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T, opts ...TriggerOption) (*TriggerRepository, *fakeClock, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	clock := &fakeClock{now: day1}
	opts = append([]TriggerOption{WithClock(clock.Now)}, opts...)
	return NewTriggerRepository(db, zap.NewNop(), opts...), clock, db
}

func trigger(eventID, receivedAt string) *model.Trigger {
	return &model.Trigger{
		EventID:         eventID,
		ClientCode:      "3051288",
		ClientPhone:     "8897797542",
		ReceivedAt:      receivedAt,
		ReceivedTS:      day1,
		PayloadSnapshot: "body",
		RenderedMessage: "message",
		TargetContact:   "5585981622927",
	}
}

func TestInsertIsIdempotent(t *testing.T) {
	repo, _, db := newTestRepo(t)
	ctx := context.Background()

	id1, isNew, err := repo.Insert(ctx, trigger("evt-a", "Thu, 27 Nov 2025 10:00:00 -0300"))
	require.NoError(t, err)
	assert.True(t, isNew)

	id2, isNew, err := repo.Insert(ctx, trigger("evt-a", "Thu, 27 Nov 2025 10:00:00 -0300"))
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, id1, id2)

	var count int64
	require.NoError(t, db.Model(&model.Trigger{}).Where("event_id = ?", "evt-a").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSameDayDedupAndRollover(t *testing.T) {
	repo, clock, _ := newTestRepo(t)
	ctx := context.Background()

	_, _, err := repo.Insert(ctx, trigger("evt-a", "Thu, 27 Nov 2025 10:00:00 -0300"))
	require.NoError(t, err)
	claimed, err := repo.Claim(ctx, "evt-a")
	require.NoError(t, err)
	require.True(t, claimed)
	ok, err := repo.MarkSent(ctx, "evt-a", "5585981622927")
	require.NoError(t, err)
	require.True(t, ok)

	dup, err := repo.FindByClientSameDay(ctx, "3051288", "8897797542", "evt-b")
	require.NoError(t, err)
	require.NotNil(t, dup)
	assert.Equal(t, "evt-a", dup.EventID)

	// the record itself is excluded
	self, err := repo.FindByClientSameDay(ctx, "3051288", "8897797542", "evt-a")
	require.NoError(t, err)
	assert.Nil(t, self)

	clock.Set(time.Date(2025, 11, 28, 9, 0, 0, 0, time.UTC))
	dup, err = repo.FindByClientSameDay(ctx, "3051288", "8897797542", "evt-c")
	require.NoError(t, err)
	assert.Nil(t, dup)
}

func TestSameDayDedupUsesEachParser(t *testing.T) {
	for _, receivedAt := range []string{
		"2025-11-27T08:30:00",
		"Thu, 27 Nov 2025 08:30:00 -0300",
		"Thu, 27 Nov 2025 08:30:00",
	} {
		t.Run(receivedAt, func(t *testing.T) {
			repo, _, _ := newTestRepo(t)
			ctx := context.Background()
			_, _, err := repo.Insert(ctx, trigger("evt-a", receivedAt))
			require.NoError(t, err)
			require.NoError(t, repo.UpdateStatus(ctx, "evt-a", model.TriggerSent))

			dup, err := repo.FindByClientSameDay(ctx, "3051288", "8897797542", "evt-b")
			require.NoError(t, err)
			assert.NotNil(t, dup)
		})
	}
}

func TestInFlightWindow(t *testing.T) {
	repo, clock, _ := newTestRepo(t)
	ctx := context.Background()

	_, _, err := repo.Insert(ctx, trigger("evt-a", "2025-11-27T12:00:00"))
	require.NoError(t, err)
	claimed, err := repo.Claim(ctx, "evt-a")
	require.NoError(t, err)
	require.True(t, claimed)

	clock.Advance(2 * time.Minute)
	dup, err := repo.FindByClientSameDay(ctx, "3051288", "8897797542", "evt-b")
	require.NoError(t, err)
	require.NotNil(t, dup)
	assert.Equal(t, model.TriggerProcessing, dup.Status)

	clock.Advance(13 * time.Minute)
	dup, err = repo.FindByClientSameDay(ctx, "3051288", "8897797542", "evt-b")
	require.NoError(t, err)
	assert.Nil(t, dup)
}

func TestConfirmedSendWinsOverInFlight(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()

	_, _, err := repo.Insert(ctx, trigger("evt-inflight", "2025-11-27T13:00:00"))
	require.NoError(t, err)
	_, _, err = repo.Insert(ctx, trigger("evt-sent", "2025-11-27T09:00:00"))
	require.NoError(t, err)
	require.NoError(t, repo.UpdateStatus(ctx, "evt-sent", model.TriggerSent))

	dup, err := repo.FindByClientSameDay(ctx, "3051288", "8897797542", "evt-new")
	require.NoError(t, err)
	require.NotNil(t, dup)
	assert.Equal(t, "evt-sent", dup.EventID)
}

func TestForwardOnlyStatus(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()

	_, _, err := repo.Insert(ctx, trigger("evt-a", "2025-11-27T12:00:00"))
	require.NoError(t, err)
	ok, err := repo.MarkSent(ctx, "evt-a", "")
	require.NoError(t, err)
	require.True(t, ok)

	for _, to := range []model.TriggerStatus{model.TriggerPending, model.TriggerProcessing, model.TriggerFailed} {
		err := repo.UpdateStatus(ctx, "evt-a", to)
		assert.ErrorIs(t, err, model.ErrInvalidTransition, "sent -> %s", to)
	}

	claimed, err := repo.Claim(ctx, "evt-a")
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, repo.MarkFailed(ctx, "evt-a", "late failure"))
	assert.ErrorIs(t, repo.MarkAbandoned(ctx, "evt-a", "late"), model.ErrInvalidTransition)

	got, err := repo.GetByEventID(ctx, "evt-a")
	require.NoError(t, err)
	assert.Equal(t, model.TriggerSent, got.Status)
	assert.Equal(t, 0, got.Attempts)

	_, _, err = repo.Insert(ctx, trigger("evt-b", "2025-11-27T12:00:00"))
	require.NoError(t, err)
	require.NoError(t, repo.MarkAbandoned(ctx, "evt-b", "no candidate"))
	require.NoError(t, repo.UpdateStatus(ctx, "evt-b", model.TriggerProcessing))
}

func TestMarkSentWritesOutboxOnce(t *testing.T) {
	repo, _, db := newTestRepo(t)
	ctx := context.Background()

	ok, err := repo.MarkSent(ctx, "missing", "")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = repo.Insert(ctx, trigger("evt-a", "2025-11-27T12:00:00"))
	require.NoError(t, err)
	_, err = repo.Claim(ctx, "evt-a")
	require.NoError(t, err)

	ok, err = repo.MarkSent(ctx, "evt-a", "558581622927")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.MarkSent(ctx, "evt-a", "558581622927")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := repo.GetByEventID(ctx, "evt-a")
	require.NoError(t, err)
	assert.Equal(t, model.TriggerSent, got.Status)
	require.NotNil(t, got.SentAt)
	assert.Equal(t, "558581622927", got.TargetContact)

	events, err := NewOutboxRepository(db).ListByTrigger(ctx, "evt-a")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventTypeNotificationSent, events[0].EventType)
	assert.Equal(t, "3051288", events[0].Payload.String("client_code"))
	assert.Equal(t, "558581622927", events[0].Payload.String("target_contact"))
}

func TestMarkFailedRetriesUntilCap(t *testing.T) {
	repo, _, _ := newTestRepo(t, WithMaxAttempts(2))
	ctx := context.Background()

	_, _, err := repo.Insert(ctx, trigger("evt-a", "2025-11-27T12:00:00"))
	require.NoError(t, err)

	_, err = repo.Claim(ctx, "evt-a")
	require.NoError(t, err)
	require.NoError(t, repo.MarkFailed(ctx, "evt-a", "unconfirmed"))

	got, err := repo.GetByEventID(ctx, "evt-a")
	require.NoError(t, err)
	assert.Equal(t, model.TriggerPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "unconfirmed", *got.LastError)

	pending, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	_, err = repo.Claim(ctx, "evt-a")
	require.NoError(t, err)
	require.NoError(t, repo.MarkFailed(ctx, "evt-a", "unconfirmed again"))

	got, err = repo.GetByEventID(ctx, "evt-a")
	require.NoError(t, err)
	assert.Equal(t, model.TriggerFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)

	pending, err = repo.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// replay path
	claimed, err := repo.Claim(ctx, "evt-a")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestClaimIsExclusiveUntilLeaseGoesStale(t *testing.T) {
	repo, clock, _ := newTestRepo(t)
	ctx := context.Background()

	_, _, err := repo.Insert(ctx, trigger("evt-a", "2025-11-27T12:00:00"))
	require.NoError(t, err)

	first, err := repo.Claim(ctx, "evt-a")
	require.NoError(t, err)
	second, err := repo.Claim(ctx, "evt-a")
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	pending, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	clock.Advance(11 * time.Minute)
	pending, err = repo.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	again, err := repo.Claim(ctx, "evt-a")
	require.NoError(t, err)
	assert.True(t, again)
}

func TestMarkProcessingRefreshesLease(t *testing.T) {
	repo, clock, _ := newTestRepo(t)
	ctx := context.Background()

	_, _, err := repo.Insert(ctx, trigger("evt-a", "2025-11-27T12:00:00"))
	require.NoError(t, err)
	_, err = repo.Claim(ctx, "evt-a")
	require.NoError(t, err)

	clock.Advance(9 * time.Minute)
	repo.MarkProcessing(ctx, "evt-a")
	clock.Advance(9 * time.Minute)

	dup, err := repo.FindByClientSameDay(ctx, "3051288", "8897797542", "evt-b")
	require.NoError(t, err)
	require.NotNil(t, dup)

	got, err := repo.GetByEventID(ctx, "evt-a")
	require.NoError(t, err)
	assert.Equal(t, model.TriggerProcessing, got.Status)
}

func TestReleaseDoesNotCountAttempt(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()

	_, _, err := repo.Insert(ctx, trigger("evt-a", "2025-11-27T12:00:00"))
	require.NoError(t, err)
	_, err = repo.Claim(ctx, "evt-a")
	require.NoError(t, err)
	require.NoError(t, repo.Release(ctx, "evt-a"))

	got, err := repo.GetByEventID(ctx, "evt-a")
	require.NoError(t, err)
	assert.Equal(t, model.TriggerPending, got.Status)
	assert.Equal(t, 0, got.Attempts)

	// only a processing record can be handed back
	assert.ErrorIs(t, repo.Release(ctx, "evt-a"), model.ErrInvalidTransition)
	assert.ErrorIs(t, repo.Release(ctx, "missing"), ErrNotFound)
}

func TestDeleteStalePendingKeepsSent(t *testing.T) {
	repo, clock, _ := newTestRepo(t)
	ctx := context.Background()

	_, _, err := repo.Insert(ctx, trigger("evt-old", "2025-11-27T08:00:00"))
	require.NoError(t, err)
	_, _, err = repo.Insert(ctx, trigger("evt-sent", "2025-11-27T08:00:00"))
	require.NoError(t, err)
	require.NoError(t, repo.UpdateStatus(ctx, "evt-sent", model.TriggerSent))

	clock.Advance(2 * time.Hour)
	_, _, err = repo.Insert(ctx, trigger("evt-new", "2025-11-27T10:00:00"))
	require.NoError(t, err)

	n, err := repo.DeleteStalePending(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.GetByEventID(ctx, "evt-old")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err = repo.DeleteStalePending(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	sent, err := repo.IsSent(ctx, "evt-sent")
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestStatsListAndSentIDs(t *testing.T) {
	repo, clock, _ := newTestRepo(t)
	ctx := context.Background()

	for i, id := range []string{"evt-1", "evt-2", "evt-3", "evt-4"} {
		tr := trigger(id, "2025-11-27T12:00:00")
		tr.ReceivedTS = day1.Add(time.Duration(i) * time.Minute)
		_, _, err := repo.Insert(ctx, tr)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	require.NoError(t, repo.UpdateStatus(ctx, "evt-1", model.TriggerSent))
	_, err := repo.Claim(ctx, "evt-2")
	require.NoError(t, err)
	require.NoError(t, repo.MarkAbandoned(ctx, "evt-3", "no candidate"))

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, TriggerStats{Total: 4, Sent: 1, Pending: 1, Processing: 1, Failed: 1}, stats)

	page, total, err := repo.List(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	require.Len(t, page, 2)
	assert.Equal(t, "evt-4", page[0].EventID)
	assert.Equal(t, "evt-3", page[1].EventID)

	unsent, err := repo.ListUnsent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, unsent, 3)

	sent, err := repo.SentEventIDs(ctx, []string{"evt-1", "evt-2", "evt-x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"evt-1": true}, sent)
}
