package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"snapsummary/internal/config"
	"snapsummary/internal/model"
	mysqlClient "snapsummary/internal/platform/mysql"
	rabbitmqClient "snapsummary/internal/platform/rabbitmq"
	redisClient "snapsummary/internal/platform/redis"
	s3Client "snapsummary/internal/platform/s3"
	"snapsummary/internal/repository"
	"snapsummary/internal/storage"
	"snapsummary/internal/worker"
)

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	MySQL         *gorm.DB
	Redis         *redis.Client
	MQConn        *amqp.Connection
	Blobs         *storage.S3BlobStore
	MessageWorker *worker.MessagePersistWorker

	StartedAt time.Time
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	logger := NewLogger(cfg.App.LogLevel).With(
		slog.String("app", cfg.App.Name),
		slog.String("env", cfg.App.Env),
	)

	app := &App{Config: cfg, Logger: logger}
	if err := app.connect(ctx); err != nil {
		_ = app.Close()
		return nil, err
	}
	app.StartedAt = time.Now()
	return app, nil
}

func (a *App) connect(ctx context.Context) error {
	cfg := a.Config

	mysqlDB, err := mysqlClient.New(ctx, cfg.MySQLDSN(), mysqlClient.Options{}, a.Logger)
	if err != nil {
		return err
	}
	a.MySQL = mysqlDB
	if err := mysqlDB.AutoMigrate(&model.User{}, &model.UploadRecord{}, &model.ChatSession{}, &model.ChatMessage{}); err != nil {
		return fmt.Errorf("auto migrate tables failed: %w", err)
	}

	a.Redis, err = redisClient.New(ctx, redisClient.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return err
	}

	a.MQConn, err = rabbitmqClient.New(ctx, cfg.RabbitMQ.URL, cfg.RabbitMQ.MessagePersistQueue, cfg.RabbitMQ.UploadEventsQueue)
	if err != nil {
		return err
	}

	s3Cli, err := s3Client.New(ctx, s3Client.Options{
		Endpoint:     cfg.S3.Endpoint,
		Region:       cfg.S3.Region,
		AccessKey:    cfg.S3.AccessKey,
		SecretKey:    cfg.S3.SecretKey,
		Bucket:       cfg.S3.Bucket,
		UsePathStyle: cfg.S3.UsePathStyle,
	})
	if err != nil {
		return err
	}
	a.Blobs = storage.NewS3BlobStore(s3Cli, cfg.S3.Bucket)

	messageRepo := repository.NewChatMessageRepository(mysqlDB)
	a.MessageWorker = worker.NewMessagePersistWorker(a.MQConn, messageRepo, cfg.RabbitMQ.MessagePersistQueue, a.Logger)
	if err := a.MessageWorker.Start(ctx); err != nil {
		return fmt.Errorf("start message worker failed: %w", err)
	}

	a.Logger.Info("dependencies ready",
		slog.String("mysql", fmt.Sprintf("%s:%d/%s", cfg.MySQL.Host, cfg.MySQL.Port, cfg.MySQL.DB)),
		slog.String("redis", cfg.Redis.Addr),
		slog.String("bucket", cfg.S3.Bucket),
	)
	return nil
}

func (a *App) Close() error {
	var errs []error
	if a.MessageWorker != nil {
		a.MessageWorker.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis failed: %w", err))
		}
	}
	if a.MQConn != nil && !a.MQConn.IsClosed() {
		if err := a.MQConn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close rabbitmq failed: %w", err))
		}
	}
	if a.MySQL != nil {
		if sqlDB, err := a.MySQL.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close mysql failed: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}
