package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/alertrelay/alertrelay/pkg/apiserver/middleware"
	"github.com/alertrelay/alertrelay/pkg/model"
	"github.com/alertrelay/alertrelay/pkg/monitor"
	"github.com/alertrelay/alertrelay/pkg/store/postgres"
)

type StatsReader interface {
	Stats(ctx context.Context) (postgres.TriggerStats, error)
}

type TriggerStore interface {
	StatsReader
	ListUnsent(ctx context.Context, limit int) ([]model.Trigger, error)
	List(ctx context.Context, limit, offset int) ([]model.Trigger, int64, error)
	GetByEventID(ctx context.Context, eventID string) (*model.Trigger, error)
	DeleteStalePending(ctx context.Context, olderThan time.Duration) (int64, error)
}

type OutboxReader interface {
	ListByTrigger(ctx context.Context, triggerID string) ([]model.NotificationEvent, error)
}

type Replayer interface {
	Replay(ctx context.Context, eventID string) (monitor.Outcome, error)
}

type TriggerHandler struct {
	store    TriggerStore
	outbox   OutboxReader
	replayer Replayer
	logger   *zap.Logger
}

func NewTriggerHandler(store TriggerStore, outbox OutboxReader, replayer Replayer, logger *zap.Logger) *TriggerHandler {
	return &TriggerHandler{store: store, outbox: outbox, replayer: replayer, logger: logger}
}

type triggerResponse struct {
	EventID       string      `json:"event_id"`
	ThreadID      string      `json:"thread_id,omitempty"`
	Subject       string      `json:"subject"`
	ClientCode    string      `json:"client_code"`
	ClientPhone   string      `json:"client_phone"`
	TargetContact string      `json:"target_contact"`
	Status        string      `json:"status"`
	Attempts      int         `json:"attempts"`
	LastError     *string     `json:"last_error,omitempty"`
	ReceivedAt    string      `json:"received_at"`
	SentAt        *string     `json:"sent_at,omitempty"`
	UpdatedAt     *string     `json:"updated_at,omitempty"`
	Details       model.JSONB `json:"details,omitempty"`
}

type triggerDetailResponse struct {
	triggerResponse
	Message string          `json:"message"`
	Events  []eventResponse `json:"events"`
}

type eventResponse struct {
	EventID     string      `json:"event_id"`
	EventType   string      `json:"event_type"`
	Status      string      `json:"status"`
	Payload     model.JSONB `json:"payload"`
	CreatedAt   *string     `json:"created_at"`
	PublishedAt *string     `json:"published_at,omitempty"`
}

func (h *TriggerHandler) Stats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err, "failed to load statistics")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Pending lists every record not yet sent, with its attempt count and last
// error.
func (h *TriggerHandler) Pending(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 100)
	triggers, err := h.store.ListUnsent(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err, "failed to list pending triggers")
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": mapTriggers(triggers), "count": len(triggers)})
}

func (h *TriggerHandler) History(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 20)
	offset := parseOffset(c.Query("offset"))

	triggers, total, err := h.store.List(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, err, "failed to list triggers")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items":  mapTriggers(triggers),
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *TriggerHandler) Get(c *gin.Context) {
	eventID := c.Param("event_id")
	t, err := h.store.GetByEventID(c.Request.Context(), eventID)
	if err != nil {
		respondError(c, err, "failed to load trigger")
		return
	}

	resp := triggerDetailResponse{
		triggerResponse: mapTrigger(t),
		Message:         t.RenderedMessage,
		Events:          []eventResponse{},
	}
	if h.outbox != nil {
		events, err := h.outbox.ListByTrigger(c.Request.Context(), eventID)
		if err != nil {
			respondError(c, err, "failed to load trigger events")
			return
		}
		for _, ev := range events {
			created := ev.CreatedAt
			resp.Events = append(resp.Events, eventResponse{
				EventID:     ev.EventID.String(),
				EventType:   ev.EventType,
				Status:      ev.Status,
				Payload:     ev.Payload,
				CreatedAt:   formatTime(&created),
				PublishedAt: formatTime(ev.PublishedAt),
			})
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *TriggerHandler) Replay(c *gin.Context) {
	eventID := c.Param("event_id")
	outcome, err := h.replayer.Replay(c.Request.Context(), eventID)
	if err != nil {
		respondError(c, err, "replay failed")
		return
	}
	h.logger.Info("trigger replayed",
		zap.String("event_id", eventID),
		zap.String("outcome", string(outcome)),
		zap.String("subject", subject(c)),
	)
	c.JSON(http.StatusOK, gin.H{"event_id": eventID, "outcome": outcome})
}

// DeletePending purges pending records. older_than is a Go duration; without
// it every pending record goes.
func (h *TriggerHandler) DeletePending(c *gin.Context) {
	var olderThan time.Duration
	if raw := strings.TrimSpace(c.Query("older_than")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid older_than"})
			return
		}
		olderThan = d
	}

	deleted, err := h.store.DeleteStalePending(c.Request.Context(), olderThan)
	if err != nil {
		respondError(c, err, "failed to delete pending triggers")
		return
	}
	h.logger.Info("pending triggers deleted",
		zap.Int64("deleted", deleted),
		zap.Duration("older_than", olderThan),
		zap.String("subject", subject(c)),
	)
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func mapTriggers(triggers []model.Trigger) []triggerResponse {
	out := make([]triggerResponse, 0, len(triggers))
	for i := range triggers {
		out = append(out, mapTrigger(&triggers[i]))
	}
	return out
}

func mapTrigger(t *model.Trigger) triggerResponse {
	updated := t.UpdatedAt
	return triggerResponse{
		EventID:       t.EventID,
		ThreadID:      t.ThreadID,
		Subject:       t.Subject,
		ClientCode:    t.ClientCode,
		ClientPhone:   t.ClientPhone,
		TargetContact: t.TargetContact,
		Status:        string(t.Status),
		Attempts:      t.Attempts,
		LastError:     t.LastError,
		ReceivedAt:    t.ReceivedAt,
		SentAt:        formatTime(t.SentAt),
		UpdatedAt:     formatTime(&updated),
		Details:       t.Details,
	}
}

func subject(c *gin.Context) string {
	if claims, ok := middleware.Claims(c); ok {
		return claims.Subject
	}
	return ""
}
