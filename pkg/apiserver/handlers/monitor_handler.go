package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/alertrelay/alertrelay/pkg/monitor"
)

type MonitorController interface {
	Start(ctx context.Context) error
	Stop()
	Status() monitor.Status
	RunOnce(ctx context.Context) (monitor.PassResult, error)
}

type MonitorHandler struct {
	monitor MonitorController
	stats   StatsReader
	// base outlives requests; the loop started by Start runs under it.
	base   context.Context
	logger *zap.Logger
}

func NewMonitorHandler(base context.Context, m MonitorController, stats StatsReader, logger *zap.Logger) *MonitorHandler {
	if base == nil {
		base = context.Background()
	}
	return &MonitorHandler{monitor: m, stats: stats, base: base, logger: logger}
}

func (h *MonitorHandler) Start(c *gin.Context) {
	if err := h.monitor.Start(h.base); err != nil {
		respondError(c, err, "failed to start monitor")
		return
	}
	h.logger.Info("monitor started by operator", zap.String("subject", subject(c)))
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (h *MonitorHandler) Stop(c *gin.Context) {
	h.monitor.Stop()
	h.logger.Info("monitor stopped by operator", zap.String("subject", subject(c)))
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

type monitorStatusResponse struct {
	monitor.Status
	Statistics interface{} `json:"statistics,omitempty"`
}

func (h *MonitorHandler) Status(c *gin.Context) {
	resp := monitorStatusResponse{Status: h.monitor.Status()}
	if h.stats != nil {
		stats, err := h.stats.Stats(c.Request.Context())
		if err != nil {
			respondError(c, err, "failed to load statistics")
			return
		}
		resp.Statistics = stats
	}
	c.JSON(http.StatusOK, resp)
}

// Run executes one pass now, in the request. It covers the pending queue as
// well as new source events.
func (h *MonitorHandler) Run(c *gin.Context) {
	res, err := h.monitor.RunOnce(c.Request.Context())
	if err != nil {
		respondError(c, err, "poll pass failed")
		return
	}
	c.JSON(http.StatusOK, res)
}
