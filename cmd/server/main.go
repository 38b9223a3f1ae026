// Package main runs the event ticketing HTTP server with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eventdesk/backend/config"
	"github.com/eventdesk/backend/internal/admission"
	"github.com/eventdesk/backend/internal/auth"
	"github.com/eventdesk/backend/internal/events"
	"github.com/eventdesk/backend/internal/ledger"
	"github.com/eventdesk/backend/internal/middleware"
	"github.com/eventdesk/backend/internal/realtime"
	"github.com/eventdesk/backend/internal/registrations"
	"github.com/eventdesk/backend/internal/tickets"
	"github.com/eventdesk/backend/internal/worker"
	"github.com/eventdesk/backend/pkg/database"
	"github.com/eventdesk/backend/pkg/queue"
	"github.com/eventdesk/backend/pkg/redis"
	"github.com/eventdesk/backend/pkg/response"
	"github.com/eventdesk/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{MaxConns: cfg.Database.MaxConns}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.TicketsBucket != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			Endpoint:             cfg.AWS.Endpoint,
			TicketsBucket:        cfg.AWS.TicketsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
			s3Client = nil
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	limiter := redis.NewRateLimiter(rdb.Client, cfg.RateLimit.Registrations, time.Duration(cfg.RateLimit.WindowSeconds)*time.Second)

	// Registration ledger
	store := ledger.NewPostgres(pool)

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Events
	eventService := events.NewService(events.NewRepository(pool), logger)
	eventHandler := events.NewHandler(eventService, logger)

	// Admission: availability goes to the websocket feed, approvals to the pass worker
	admissionService := admission.NewService(store, logger)
	admissionService.SetPublisher(hub)
	registrationHandler := registrations.NewHandler(admissionService, logger)

	// Tickets
	var passes tickets.PassStore
	if s3Client != nil {
		passes = s3Client
		admissionService.SetEnqueuer(jobQueue)
	}
	ticketService := tickets.NewService(store, passes, logger)
	ticketHandler := tickets.NewHandler(ticketService, logger)
	passProcessor := worker.NewTicketPassProcessor(ticketService, jobQueue, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) {
		response.OK(c, gin.H{"status": "ok", "timestamp": time.Now().UTC().Format(time.RFC3339)})
	})

	// Public: event page, registration, ticket lookup
	public := router.Group("/public")
	{
		public.GET("/events/:id", registrationHandler.PublicEvent)
		public.POST("/events/:id/registrations",
			middleware.RateLimit(limiter, "registrations", logger),
			registrationHandler.Register,
		)
	}
	router.GET("/tickets/:ticketCode", ticketHandler.Get)
	router.GET("/tickets/:ticketCode/pass", ticketHandler.Pass)

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/signup", authHandler.Signup)
		authGroup.POST("/login", authHandler.Login)
		authGroup.GET("/me", middleware.JWT(jwtService), authHandler.Me)
	}

	// Organizer API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/events", eventHandler.Create)
		api.GET("/events", eventHandler.List)
		api.GET("/events/:id", eventHandler.Get)
		api.PUT("/events/:id", eventHandler.Update)
		api.DELETE("/events/:id", eventHandler.Delete)

		api.GET("/events/:id/registrations", registrationHandler.ListByEvent)
		api.PUT("/registrations/:id/status", registrationHandler.UpdateStatus)
	}

	// WebSocket availability feed (public)
	router.GET("/ws/events/:id/availability", realtime.ServeWs(hub, admissionService, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background worker (ticket pass archive to S3)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if s3Client != nil {
		go passProcessor.Run(workerCtx)
		logger.Info("ticket pass worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
