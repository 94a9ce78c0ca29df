package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	validation "github.com/jellydator/validation"
	"go.uber.org/zap"

	"github.com/alertrelay/alertrelay/pkg/model"
)

type Ingester interface {
	Ingest(ctx context.Context, msg *model.InboundMessage) (bool, error)
}

type InboundHandler struct {
	store  Ingester
	logger *zap.Logger
}

func NewInboundHandler(store Ingester, logger *zap.Logger) *InboundHandler {
	return &InboundHandler{store: store, logger: logger}
}

type inboundRequest struct {
	EventID    string `json:"event_id"`
	ThreadID   string `json:"thread_id"`
	Subject    string `json:"subject"`
	From       string `json:"from"`
	ReceivedAt string `json:"received_at"`
	Body       string `json:"body"`
}

func (r inboundRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.EventID, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.ThreadID, validation.Length(0, 255)),
		validation.Field(&r.Subject, validation.Required),
		validation.Field(&r.From, validation.Length(0, 255)),
		validation.Field(&r.ReceivedAt, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.Body, validation.Required),
	)
}

func (h *InboundHandler) Ingest(c *gin.Context) {
	var req inboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err})
		return
	}

	msg := &model.InboundMessage{
		EventID:    req.EventID,
		ThreadID:   req.ThreadID,
		Subject:    req.Subject,
		From:       req.From,
		ReceivedAt: req.ReceivedAt,
		Body:       req.Body,
	}
	isNew, err := h.store.Ingest(c.Request.Context(), msg)
	if err != nil {
		h.logger.Error("failed to ingest message", zap.String("event_id", req.EventID), zap.Error(err))
		respondError(c, err, "failed to ingest message")
		return
	}

	status := http.StatusCreated
	if !isNew {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"event_id": req.EventID, "created": isNew})
}
