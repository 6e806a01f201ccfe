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

	"github.com/example/yolo-serve/internal/auth"
	"github.com/example/yolo-serve/internal/config"
	"github.com/example/yolo-serve/internal/handlers"
	"github.com/example/yolo-serve/internal/imageprocessor"
	"github.com/example/yolo-serve/internal/loader"
	"github.com/example/yolo-serve/internal/logging"
	"github.com/example/yolo-serve/internal/metrics"
	"github.com/example/yolo-serve/internal/repository"
	"github.com/example/yolo-serve/internal/upload"
	"github.com/example/yolo-serve/internal/usecase"
)

func main() {
	cfg := config.Load()

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	model := loader.GetModel(cfg.ModelAdapter, cfg.ModelWeights, loader.OptionsFromConfig(cfg), logger)
	defer func() {
		if err := model.Close(); err != nil {
			logger.Warn("failed to close model", zap.Error(err))
		}
	}()

	store, err := upload.NewStore(upload.Options{
		Dir:       cfg.UploadDir,
		MaxSize:   cfg.MaxUploadSize,
		Validator: imageprocessor.NewDecodeValidator(),
	}, logger)
	if err != nil {
		logger.Fatal("failed to prepare upload dir", zap.Error(err))
	}

	var repo usecase.PredictionRepository
	if cfg.DatabaseDSN != "" {
		db := initDatabase(ctx, cfg.DatabaseDSN, logger)
		predictions := repository.NewPredictionRepository(db, logger)
		if err := predictions.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		repo = predictions
	}

	var cache usecase.Cache
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
		redisCancel()
		defer redisClient.Close()
		cache = usecase.NewRedisCache(redisClient)
	}

	m := metrics.New()
	uc := usecase.NewPredictionUseCase(model, repo, cache, m, logger)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	var middleware []gin.HandlerFunc
	if cfg.JWTSecret != "" {
		middleware = append(middleware, auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience))
	}
	handlers.RegisterRoutes(r, handlers.Dependencies{
		UseCase: uc,
		Store:   store,
		Metrics: m,
		Logger:  logger,
	}, middleware...)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	meta := model.Meta()
	logger.Info("prediction server listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("adapter", meta.Adapter),
		zap.String("mode", meta.Mode),
		zap.Bool("history", repo != nil),
		zap.Bool("cache", cache != nil),
		zap.Bool("auth", len(middleware) > 0),
	)
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

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
