package http

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"snapsummary/internal/ai"
	appsvc "snapsummary/internal/app"
	"snapsummary/internal/bootstrap"
	"snapsummary/internal/cache"
	"snapsummary/internal/metrics"
	"snapsummary/internal/platform/rabbitmq"
	"snapsummary/internal/repository"
	"snapsummary/internal/storage"
	"snapsummary/internal/transport/http/handler"
	"snapsummary/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	cfg := app.Config
	logger := app.Logger

	gin.SetMode(cfg.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery(), metrics.GinMiddleware())

	timeouts := appsvc.Timeouts{
		Storage:   cfg.Timeouts.Storage.Duration,
		Metadata:  cfg.Timeouts.Metadata.Duration,
		Inference: cfg.Timeouts.Inference.Duration,
		Fetch:     cfg.Timeouts.Fetch.Duration,
	}
	gemini := ai.NewGeminiClient()
	visionModel := ai.ModelConfig{
		BaseURL:    cfg.Gemini.BaseURL,
		APIVersion: cfg.Gemini.APIVersion,
		APIKey:     cfg.Gemini.APIKey,
		Model:      cfg.Gemini.VisionModel,
	}
	chatModel := visionModel
	chatModel.Model = cfg.Gemini.ChatModel

	uploadRepo := repository.NewUploadRepository(app.MySQL)
	userRepo := repository.NewUserRepository(app.MySQL)
	sessionRepo := repository.NewChatSessionRepository(app.MySQL)
	messageRepo := repository.NewChatMessageRepository(app.MySQL)
	events := rabbitmq.NewEventPublisher(app.MQConn, cfg.RabbitMQ.UploadEventsQueue)

	authService := appsvc.NewAuthService(
		userRepo,
		cache.NewSessionRevocations(app.Redis),
		cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.JWTExpireMinute)*time.Minute,
	)
	uploadService := appsvc.NewUploadService(
		app.Blobs,
		uploadRepo,
		events,
		appsvc.UploadLimits{MaxBytes: cfg.Upload.MaxBytes, AllowedMIMETypes: cfg.Upload.AllowedMIMETypes},
		timeouts,
		logger,
	)
	summaryService := appsvc.NewSummaryService(
		uploadRepo,
		app.Blobs,
		storage.NewHTTPFetcher(cfg.Upload.MaxBytes),
		gemini,
		events,
		appsvc.SummaryConfig{
			Model:        visionModel,
			Prompt:       cfg.Gemini.SummaryPrompt,
			SignedURLTTL: cfg.S3.SignedURLTTL.Duration,
		},
		timeouts,
		logger,
	)
	chatService := appsvc.NewChatService(
		sessionRepo,
		messageRepo,
		rabbitmq.NewMessagePublisher(app.MQConn, cfg.RabbitMQ.MessagePersistQueue),
		cache.NewHistoryCache(app.Redis,
			time.Duration(cfg.Redis.HistoryTTLSeconds)*time.Second,
			time.Duration(cfg.Redis.HistoryDirtyTTLSeconds)*time.Second,
		),
		gemini,
		chatModel,
		cfg.Gemini.MaxContextMessage,
		timeouts,
		logger,
	)

	healthHandler := handler.NewHealthHandler(
		handler.HealthInfo{Name: cfg.App.Name, Env: cfg.App.Env, StartedAt: app.StartedAt},
		map[string]handler.Check{
			"mysql": func(ctx context.Context) error {
				sqlDB, err := app.MySQL.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
			"redis": func(ctx context.Context) error {
				return app.Redis.Ping(ctx).Err()
			},
			"rabbitmq": func(context.Context) error {
				return rabbitmq.Ping(app.MQConn)
			},
			"s3": app.Blobs.Ping,
		},
	)
	authHandler := handler.NewAuthHandler(authService, logger)
	uploadHandler := handler.NewUploadHandler(uploadService, cfg.Upload.MaxBytes, cfg.S3.SignedURLTTL.Duration, logger)
	summaryHandler := handler.NewSummaryHandler(summaryService, logger)
	chatHandler := handler.NewChatHandler(chatService, logger)

	router.GET("/healthz", healthHandler.Check)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	requireAuth := middleware.AuthJWT(authService)
	v1 := router.Group("/api/v1")

	authGroup := v1.Group("/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)
	authGroup.POST("/logout", requireAuth, authHandler.Logout)
	authGroup.GET("/me", requireAuth, authHandler.Me)

	uploadGroup := v1.Group("/uploads", requireAuth)
	uploadGroup.POST("", uploadHandler.Create)
	uploadGroup.GET("", uploadHandler.List)
	uploadGroup.GET("/latest", uploadHandler.Latest)
	uploadGroup.GET("/:id/url", uploadHandler.SignedURL)
	uploadGroup.POST("/:id/summary", summaryHandler.SummarizeUpload)

	v1.POST("/summaries/latest", requireAuth, summaryHandler.SummarizeLatest)

	chatGroup := v1.Group("/chat", requireAuth)
	chatGroup.POST("/sessions", chatHandler.CreateSession)
	chatGroup.GET("/sessions", chatHandler.ListSessions)
	chatGroup.DELETE("/sessions/:id", chatHandler.DeleteSession)
	chatGroup.POST("/messages", chatHandler.SendMessage)
	chatGroup.POST("/stream", chatHandler.StreamMessage)
	chatGroup.GET("/history", chatHandler.GetHistory)

	return router
}
