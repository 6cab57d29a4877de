package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/face-restore/internal/config"
	"github.com/example/face-restore/internal/engine"
	"github.com/example/face-restore/internal/handlers"
	"github.com/example/face-restore/internal/logging"
	"github.com/example/face-restore/internal/repository"
	"github.com/example/face-restore/internal/usecase"
)

func newServeCmd() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the reconstruction API server",
		Long: `Starts the HTTP orchestrator that accepts multipart image uploads on
POST /api/reconstruct, runs the external analysis engine on each upload, and
returns the engine's JSON verdict unchanged.`,
		Example: `  # Start the server with settings from the environment / .env
  facerestore serve

  # Start on a custom port
  facerestore serve --port 3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if port != "" {
				cfg.Port = port
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "Port to listen on (overrides PORT)")

	return cmd
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	db, err := initDatabase(initCtx, cfg.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	repo := repository.NewAnalysisRepository(db, logger)
	if err := repo.AutoMigrate(initCtx); err != nil {
		logger.Error("auto migrate failed", zap.Error(err))
		return err
	}

	redisCtx, redisCancel := context.WithTimeout(initCtx, 5*time.Second)
	defer redisCancel()
	redisClient, err := initRedis(redisCtx, cfg.RedisAddr, logger)
	if err != nil {
		return err
	}

	runner := engine.NewExecRunner(cfg.EngineCommand, cfg.EngineArgs(), cfg.ChildEnv(), cfg.EngineTimeout, logger)
	cache := usecase.NewRedisCache(redisClient)
	uc := usecase.NewReconstructionUseCase(repo, cache, runner, cfg.TempDir, cfg.EngineMaxConcurrent, logger)

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, uc)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	logger.Info("reconstruction API listening",
		zap.String("addr", server.Addr),
		zap.String("engine", cfg.EngineCommand),
		zap.Int("max_concurrent", cfg.EngineMaxConcurrent))
	return serveHTTPServer(ctx, server, 15*time.Second, logger)
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Info)})
	if err != nil {
		zapLogger.Error("failed to connect to database", zap.Error(err))
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Error("failed to access db handle", zap.Error(err))
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Error("database ping failed", zap.Error(err))
		return nil, err
	}

	return db, nil
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Error("redis connection failed", zap.Error(err))
		return nil, err
	}
	return client, nil
}

func serveHTTPServer(ctx context.Context, server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(ctx, server, shutdownTimeout, logger, nil, nil)
}

// serveHTTPServerWithOptions runs the server until the context is canceled, a
// signal arrives on signalCh, or the server itself fails. The listener and
// signal channel are injectable for tests; both may be nil.
func serveHTTPServerWithOptions(ctx context.Context, server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
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

	shutdown := func(reason string) error {
		logger.Info("shutting down server", zap.String("reason", reason))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return shutdown("context canceled")
	case sig, ok := <-signalCh:
		if !ok {
			return <-errCh
		}
		return shutdown(sig.String())
	}
}
