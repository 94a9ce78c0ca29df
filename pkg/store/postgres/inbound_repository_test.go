package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alertrelay/alertrelay/pkg/model"
)

func TestInboundIngestAndListSince(t *testing.T) {
	db := newTestDB(t)
	clock := &fakeClock{now: day1}
	repo := NewInboundRepository(db).WithClock(clock.Now)
	ctx := context.Background()

	isNew, err := repo.Ingest(ctx, &model.InboundMessage{
		EventID:    "msg-2",
		Subject:    "Erro de Login WhatsApp - cliente 3051288",
		ReceivedAt: "Thu, 27 Nov 2025 11:00:00 -0300",
		Body:       "b2",
	})
	require.NoError(t, err)
	assert.True(t, isNew)

	clock.Advance(time.Second)
	_, err = repo.Ingest(ctx, &model.InboundMessage{
		EventID:    "msg-1",
		Subject:    "erro de login whatsapp",
		ReceivedAt: "Thu, 27 Nov 2025 10:00:00 -0300",
		Body:       "b1",
	})
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = repo.Ingest(ctx, &model.InboundMessage{
		EventID:    "msg-other",
		Subject:    "Weekly report",
		ReceivedAt: "Thu, 27 Nov 2025 09:00:00 -0300",
	})
	require.NoError(t, err)

	again, err := repo.Ingest(ctx, &model.InboundMessage{EventID: "msg-1", Subject: "dup"})
	require.NoError(t, err)
	assert.False(t, again)

	got, err := repo.ListSince(ctx, day1.Add(-time.Minute), "Erro de Login Whatsapp", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "msg-2", got[0].EventID)
	assert.Equal(t, "msg-1", got[1].EventID)
	assert.True(t, got[1].ReceivedTS.Before(got[0].ReceivedTS))

	got, err = repo.ListSince(ctx, day1, "Erro de Login Whatsapp", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "msg-1", got[0].EventID)

	got, err = repo.ListSince(ctx, day1.Add(-time.Minute), "Erro de Login Whatsapp", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "msg-2", got[0].EventID)

	msg, err := repo.Get(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, "b1", msg.Body)

	_, err = repo.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrInboundNotFound)
}
