// Command devgateway serves the DM REST API and real-time namespaces for
// local development of the client.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"skatedm-client/internal/auth"
	"skatedm-client/internal/config"
	"skatedm-client/internal/gateway"
	"skatedm-client/internal/logging"
	"skatedm-client/internal/store"
	"skatedm-client/internal/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig(".env")
	if err != nil {
		log.Fatalf("Error: configuration not loaded: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Error: logger not built: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	logging.Warnings(logger, cfg.Warnings)

	logger.Info("dev gateway starting",
		zap.String("port", cfg.ServerPort),
		zap.String("jwt_secret_preview", previewSecret(cfg.JWTSecret)),
		zap.String("database_host", databaseHost(cfg.DatabaseURL)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := openStores(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal("unable to open stores", zap.Error(err))
	}
	defer stores.Close()

	if err := auth.SeedUsers(ctx, stores.Users, cfg.DevUsers, utils.DefaultCost, logger); err != nil {
		logger.Fatal("unable to seed dev users", zap.Error(err))
	}

	gin.SetMode(gin.ReleaseMode)
	gw := gateway.New(cfg, stores, logger)
	gw.Start(ctx)

	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: gw.Handler(),
	}

	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	logger.Info("server exiting")
}

func openStores(ctx context.Context, databaseURL string, logger *zap.Logger) (*store.Stores, error) {
	if databaseURL == "" {
		logger.Info("DATABASE_URL not set, using in-memory stores")
		return store.NewMemoryStores(), nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	stores, err := store.OpenPostgres(connectCtx, databaseURL)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to PostgreSQL")
	return stores, nil
}

func previewSecret(secret string) string {
	if len(secret) >= 5 {
		return secret[:5] + "..."
	}
	return secret
}

func databaseHost(dbURL string) string {
	if dbURL == "" {
		return "memory"
	}
	if i := strings.Index(dbURL, "@"); i != -1 {
		rest := dbURL[i+1:]
		if j := strings.Index(rest, "/"); j != -1 {
			return rest[:j]
		}
		return rest
	}
	if rest, ok := strings.CutPrefix(dbURL, "postgres://"); ok {
		if j := strings.Index(rest, "/"); j != -1 {
			return rest[:j]
		}
		return rest
	}
	return "unknown"
}
