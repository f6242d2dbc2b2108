package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/biowallet/internal/app"
	"github.com/example/biowallet/internal/auth"
	"github.com/example/biowallet/internal/config"
	"github.com/example/biowallet/internal/events"
	"github.com/example/biowallet/internal/handlers"
	"github.com/example/biowallet/internal/logging"
	"github.com/example/biowallet/internal/repository"
	"github.com/example/biowallet/internal/usecase"
)

func main() {
	cfg, err := config.Load(os.Getenv("BIOWALLET_CONFIG"))
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Logging.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.ValidateServer(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ethClient, err := app.ConnectChain(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to connect to chain", zap.Error(err))
	}
	defer ethClient.Close()

	identities, err := app.NewIdentityStore(cfg, ethClient, logger)
	if err != nil {
		logger.Fatal("failed to build identity store", zap.Error(err))
	}
	oracle, err := app.NewOracle(ctx, cfg, ethClient, logger)
	if err != nil {
		logger.Fatal("failed to bind oracle", zap.Error(err))
	}

	recognizer, recognizerCloser, err := app.NewRecognizer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to connect to face recognition", zap.Error(err))
	}
	if recognizerCloser != nil {
		defer recognizerCloser.Close()
	}

	deps := usecase.Dependencies{
		Identities: identities,
		Oracle:     oracle,
		Recognizer: recognizer,
	}

	if cfg.Database.DSN != "" {
		db := initDatabase(ctx, cfg.Database, logger)
		repo := repository.NewVerificationRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		deps.Repo = repo
	} else {
		logger.Warn("database.dsn not set; verification audit log disabled")
	}

	if cfg.Redis.Addr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		redisClient := initRedis(redisCtx, cfg.Redis.Addr, logger)
		defer redisClient.Close()
		deps.Cache = usecase.NewRedisCache(redisClient)
	}

	if cfg.RabbitMQ.URL != "" {
		publisher, err := events.NewRabbitMQPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.RoutingKey, logger)
		if err != nil {
			logger.Fatal("failed to connect to rabbitmq", zap.Error(err))
		}
		defer publisher.Close()
		deps.Events = publisher
	}

	uc := usecase.NewVerificationUseCase(deps, app.UseCaseOptions(cfg), logger)

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize

	authMiddleware := auth.JWTMiddleware(cfg.JWT.Secret, cfg.JWT.Audience)
	handlers.RegisterRoutes(r, uc, authMiddleware, logger)

	server := &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           r,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
	}

	logger.Info("biowallet verification API listening",
		zap.String("addr", cfg.HTTP.Address),
		zap.Duration("poll_interval", cfg.Oracle.PollInterval),
		zap.Int("max_poll_attempts", cfg.Oracle.MaxPollAttempts),
		zap.Float64("match_threshold", cfg.Oracle.MatchThreshold),
	)
	if err := serveHTTPServer(server, cfg.HTTP.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
