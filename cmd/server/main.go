package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"realtime-service/internal/adapters/kafka"
	"realtime-service/internal/api/handlers"
	"realtime-service/internal/api/middleware"
	"realtime-service/internal/api/routes"
	"realtime-service/internal/config"
	"realtime-service/internal/database"
	"realtime-service/internal/repositories/postgres"
	"realtime-service/internal/services"
	"realtime-service/internal/websocket"
	"realtime-service/pkg/logger"
)

// @title Realtime Service API
// @version 1.0
// @description Real-time notifications and messaging for the job board.
// @BasePath /api/v1
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	appLogger := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(appLogger)
	appLogger.Info("Starting realtime server")

	var (
		deps    websocket.Dependencies
		opts    = routes.Options{Pingers: map[string]handlers.Pinger{}}
		closers []func() error
	)

	// Redis backs presence and rate limiting. Without it both are off.
	if cfg.Redis.URI != "" {
		redisClient, err := database.NewRedisConnection(&cfg.Redis, appLogger)
		if err != nil {
			appLogger.Warn("Redis unavailable, presence and rate limiting disabled", "error", err)
		} else {
			closers = append(closers, redisClient.Close)
			redisService := services.NewRedisService(redisClient, cfg.Redis.PresenceTTL, appLogger)
			deps.Presence = websocket.NewPresenceBreaker(redisService, 3, 30*time.Second, appLogger)
			opts.Presence = redisService
			opts.RateLimiter = middleware.RateLimiter(redisService)
			opts.Pingers["redis"] = redisService
		}
	}

	// PostgreSQL resolves applicants for status changes that omit them.
	if cfg.Database.Enabled {
		db, err := database.NewPostgresConnection(cfg.Database.ConnString())
		if err != nil {
			appLogger.Error("Failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		closers = append(closers, func() error { return database.ClosePostgres(db) })
		deps.Directory = postgres.NewApplicationRepository(db)
	}

	if cfg.Kafka.Enabled() {
		producer, err := kafka.InitKafkaProducer(cfg.Kafka.Brokers)
		if err != nil {
			appLogger.Error("Failed to create Kafka producer", "error", err)
			os.Exit(1)
		}
		outbox := kafka.NewMessageOutbox(producer, cfg.Kafka.MessagesTopic, appLogger)
		closers = append(closers, outbox.Close)
		deps.Outbox = outbox
	}

	// Initialize WebSocket hub
	hub := websocket.NewHub(websocket.Config{
		SendBufferSize:      cfg.Realtime.SendBufferSize,
		MaxMessageSize:      cfg.Realtime.MaxMessageSize,
		TypingExpiry:        cfg.Realtime.TypingExpiry,
		TypingSweepInterval: cfg.Realtime.TypingSweepInterval,
		PollIdleTimeout:     cfg.Realtime.PollIdleTimeout,
		BackgroundQueueSize: cfg.Realtime.BackgroundQueueSize,
	}, deps, appLogger)
	go hub.Run()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumerDone := make(chan struct{})
	if cfg.Kafka.Enabled() {
		consumer := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.EventsTopic,
			GroupID: cfg.Kafka.GroupID,
		}, services.NewNotificationService(hub, appLogger), appLogger)
		consumer.OnError = func(err error) {
			hub.Errors().HandleDependencyError(websocket.ConsumerError, "consume_event", err)
		}
		go func() {
			defer close(consumerDone)
			defer consumer.Close()
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				appLogger.Error("Kafka consumer stopped", "error", err)
			}
		}()
	} else {
		close(consumerDone)
	}

	// Initialize router with all dependencies
	router := routes.NewRouter(cfg, hub, opts, appLogger)
	router.SetupRoutes()

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router.GetEngine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		appLogger.Info("Server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	appLogger.Info("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop the hub first so open websockets and long polls end.
	hub.Stop(cfg.Server.ShutdownTimeout)

	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", "error", err)
	}

	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		appLogger.Warn("Timeout waiting for Kafka consumer")
	}

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			appLogger.Warn("Failed to close dependency", "error", err)
		}
	}

	appLogger.Info("Server stopped")
}
