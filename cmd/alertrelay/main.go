package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/alertrelay/alertrelay/pkg/apiserver"
	"github.com/alertrelay/alertrelay/pkg/apiserver/handlers"
	"github.com/alertrelay/alertrelay/pkg/auth"
	"github.com/alertrelay/alertrelay/pkg/channel"
	"github.com/alertrelay/alertrelay/pkg/config"
	"github.com/alertrelay/alertrelay/pkg/dispatcher"
	"github.com/alertrelay/alertrelay/pkg/eventbus"
	"github.com/alertrelay/alertrelay/pkg/guard"
	"github.com/alertrelay/alertrelay/pkg/logging"
	"github.com/alertrelay/alertrelay/pkg/monitor"
	"github.com/alertrelay/alertrelay/pkg/resolver"
	"github.com/alertrelay/alertrelay/pkg/store/postgres"
	redisclient "github.com/alertrelay/alertrelay/pkg/store/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.NewStore(&cfg.Database, logger.Named("gorm"))
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.AutoMigrate(); err != nil {
		logger.Fatal("failed to migrate database", zap.Error(err))
	}

	triggers := postgres.NewTriggerRepository(db.DB(), logger.Named("store"),
		postgres.WithInFlightWindow(cfg.Monitor.InFlightWindow),
		postgres.WithMaxAttempts(cfg.Monitor.MaxAttempts),
	)
	inbound := postgres.NewInboundRepository(db.DB())
	outboxRepo := postgres.NewOutboxRepository(db.DB())

	var (
		checkpoint monitor.Checkpoint = &monitor.MemoryCheckpoint{}
		events     monitor.Publisher
		stream     handlers.Subscriber
	)
	if cfg.Redis.Enabled() {
		redis, err := redisclient.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer redis.Close()
		checkpoint = redisclient.NewCheckpoint(redis, cfg.Redis.CheckpointKey)
		bus := eventbus.NewBus(redis.Client(), cfg.Redis.EventChannel)
		events, stream = bus, bus
	} else {
		logger.Info("redis not configured, checkpoint kept in memory")
	}

	var wake <-chan struct{}
	if db.Driver() == postgres.DriverPostgres {
		notifier, err := postgres.NewNotifier(cfg.Database.DSN(), postgres.InboundChannel, logger.Named("notifier"))
		if err != nil {
			logger.Warn("inbound notifications unavailable, relying on the poll interval", zap.Error(err))
		} else {
			defer notifier.Close()
			go notifier.Run(ctx)
			wake = notifier.Wake()
		}
	}

	bridge := channel.NewClient(cfg.Channel.BaseURL, channel.Options{
		PrepareTimeout: cfg.Channel.PrepareTimeout,
		SendTimeout:    cfg.Channel.SendTimeout,
		HealthTimeout:  cfg.Channel.HealthTimeout,
	}, logger.Named("channel"))

	mon := monitor.New(monitor.Config{
		PollInterval:         cfg.Monitor.PollInterval,
		BatchSize:            cfg.Monitor.BatchSize,
		SubjectFilter:        cfg.Monitor.SubjectFilter,
		InitialLookback:      cfg.Monitor.InitialLookback,
		CheckpointOverlap:    cfg.Monitor.CheckpointOverlap,
		AuthorizationBaseURL: cfg.Message.AuthorizationBaseURL,
	}, monitor.Deps{
		Source:     inbound,
		Store:      triggers,
		Health:     bridge,
		Resolver:   resolver.New(bridge, cfg.Channel.CountryPrefix, logger.Named("resolver")),
		Dispatcher: dispatcher.New(bridge, logger.Named("dispatcher"), dispatcher.WithBackoff(cfg.Channel.CandidateBackoff)),
		Guard:      guard.New(),
		Pacer:      monitor.NewPacer(cfg.Monitor.Pacing),
		Checkpoint: checkpoint,
		Events:     events,
		Wake:       wake,
	}, logger.Named("monitor"))

	var tokens *auth.TokenManager
	if cfg.Auth.JWTSecret != "" {
		tokens = auth.NewTokenManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL, cfg.Auth.Issuer)
	} else {
		logger.Warn("auth.jwt_secret is empty, the admin API will reject every request")
	}

	server := apiserver.NewServer(apiserver.Deps{
		Base:     ctx,
		Monitor:  mon,
		Triggers: triggers,
		Outbox:   outboxRepo,
		Inbound:  inbound,
		Events:   stream,
		Tokens:   tokens,
	}, cfg, logger.Named("api"))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.ReadTimeout * 2,
	}

	go func() {
		logger.Info("starting admin server", zap.Int("port", cfg.Server.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	if cfg.Monitor.Autostart {
		if err := mon.Start(ctx); err != nil {
			logger.Error("failed to start monitor", zap.Error(err))
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	mon.Stop()
	cancel()
}
