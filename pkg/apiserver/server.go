package apiserver

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/alertrelay/alertrelay/pkg/apiserver/handlers"
	"github.com/alertrelay/alertrelay/pkg/apiserver/middleware"
	"github.com/alertrelay/alertrelay/pkg/auth"
	"github.com/alertrelay/alertrelay/pkg/config"
)

// Monitor is what the admin surface drives.
type Monitor interface {
	handlers.MonitorController
	handlers.Replayer
}

type Deps struct {
	// Base is the lifetime of loops started through the API.
	Base     context.Context
	Monitor  Monitor
	Triggers handlers.TriggerStore
	Outbox   handlers.OutboxReader
	Inbound  handlers.Ingester
	// Events is optional; without it /api/v1/events is not served.
	Events handlers.Subscriber
	Tokens *auth.TokenManager
}

type Server struct {
	router *gin.Engine
	deps   Deps
	cfg    *config.Config
	logger *zap.Logger
}

func NewServer(deps Deps, cfg *config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.CORS())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	{
		api.Use(middleware.Auth(s.deps.Tokens))
		api.Use(middleware.RateLimit(s.cfg.RateLimit.RequestsPerSec, s.cfg.RateLimit.Burst))

		read := middleware.RequireScope(auth.ScopeRead)
		operate := middleware.RequireScope(auth.ScopeOperate)

		monitorHandler := handlers.NewMonitorHandler(s.deps.Base, s.deps.Monitor, s.deps.Triggers, s.logger)
		api.POST("/monitor/start", operate, monitorHandler.Start)
		api.POST("/monitor/stop", operate, monitorHandler.Stop)
		api.POST("/monitor/run", operate, monitorHandler.Run)
		api.GET("/monitor/status", read, monitorHandler.Status)

		triggerHandler := handlers.NewTriggerHandler(s.deps.Triggers, s.deps.Outbox, s.deps.Monitor, s.logger)
		api.GET("/triggers/stats", read, triggerHandler.Stats)
		api.GET("/triggers/pending", read, triggerHandler.Pending)
		api.DELETE("/triggers/pending", operate, triggerHandler.DeletePending)
		api.GET("/triggers/history", read, triggerHandler.History)
		api.GET("/triggers/:event_id", read, triggerHandler.Get)
		api.POST("/triggers/:event_id/replay", operate, triggerHandler.Replay)

		if s.deps.Events != nil {
			eventsHandler := handlers.NewEventsHandler(s.deps.Events, s.logger)
			api.GET("/events", read, eventsHandler.Stream)
		}

		inboundHandler := handlers.NewInboundHandler(s.deps.Inbound, s.logger)
		api.POST("/inbound", middleware.RequireScope(auth.ScopeIngest), inboundHandler.Ingest)
	}

	s.router = r
}

func (s *Server) Router() *gin.Engine {
	return s.router
}
