package bootstrap

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"aichat/internal/ai"
	"aichat/internal/app"
	"aichat/internal/cache"
	"aichat/internal/config"
	"aichat/internal/model"
	mysqlClient "aichat/internal/platform/mysql"
	rabbitmqClient "aichat/internal/platform/rabbitmq"
	redisClient "aichat/internal/platform/redis"
	"aichat/internal/repository"
	"aichat/internal/stream"
	"aichat/internal/worker"
)

// App wires every dependency once at process start; nothing in the codebase
// reaches for implicit globals.
type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	MySQL       *gorm.DB
	Redis       *redis.Client
	MQConn      *amqp.Connection
	UsageWorker *worker.UsageWorker
	ChatService *app.ChatService
	AuthService *app.AuthService

	StartedAt time.Time
}

func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("build logger failed: %w", err)
	}

	mysqlDB, err := mysqlClient.New(ctx, cfg.MySQLDSN())
	if err != nil {
		return nil, err
	}
	if err := mysqlDB.AutoMigrate(
		&model.User{},
		&model.Session{},
		&model.Message{},
		&model.UsageRecord{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate tables failed: %w", err)
	}

	redisCli, err := redisClient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}

	mqConn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL)
	if err != nil {
		return nil, err
	}

	usageRepo := repository.NewUsageRecordRepository(mysqlDB)
	usageWorker := worker.NewUsageWorker(mqConn, usageRepo, cfg.RabbitMQ.UsageQueue, logger)
	if err := usageWorker.Start(ctx); err != nil {
		return nil, fmt.Errorf("start usage worker failed: %w", err)
	}

	sessionRepo := repository.NewSessionRepository(mysqlDB)
	messageRepo := repository.NewMessageRepository(mysqlDB)
	userRepo := repository.NewUserRepository(mysqlDB)

	historyCache := cache.NewHistoryCache(
		redisCli,
		time.Duration(cfg.Redis.HistoryTTLSeconds)*time.Second,
		time.Duration(cfg.Redis.HistoryDirtyTTLSeconds)*time.Second,
	)
	usagePublisher := rabbitmqClient.NewUsagePublisher(mqConn, cfg.RabbitMQ.UsageQueue)

	chatService := app.NewChatService(
		sessionRepo,
		messageRepo,
		usagePublisher,
		historyCache,
		ai.NewClient(),
		ai.ChatConfig{
			BaseURL: cfg.LLM.BaseURL,
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
		},
		stream.Options{
			MinChars: cfg.Stream.MinChars,
			MaxWait:  time.Duration(cfg.Stream.MaxWaitMS) * time.Millisecond,
		},
		logger,
	)
	authService := app.NewAuthService(
		userRepo,
		cfg.Auth.JWTSecret,
		time.Duration(cfg.Auth.JWTExpireMinute)*time.Minute,
	)

	return &App{
		Config:      cfg,
		Logger:      logger,
		MySQL:       mysqlDB,
		Redis:       redisCli,
		MQConn:      mqConn,
		UsageWorker: usageWorker,
		ChatService: chatService,
		AuthService: authService,
		StartedAt:   time.Now(),
	}, nil
}

func (a *App) Close() error {
	var closeErr error
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.UsageWorker != nil {
		a.UsageWorker.Close()
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MySQL != nil {
		sqlDB, err := a.MySQL.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
	return closeErr
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.App.Env == "dev" {
		return zap.NewDevelopment()
	}
	zapCfg := zap.NewProductionConfig()
	return zapCfg.Build()
}
