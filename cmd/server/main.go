package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"gwi.com/coursechat/internal/api"
	"gwi.com/coursechat/internal/backend"
	"gwi.com/coursechat/internal/config"
	"gwi.com/coursechat/internal/core"
	"gwi.com/coursechat/internal/logger"
	"gwi.com/coursechat/internal/store"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig
	if err := cfg.ValidateGateway(); err != nil {
		log.Fatalf("Invalid gateway configuration: %v", err)
	}

	zlog := logger.New(cfg.LogLevel, cfg.LogFile)
	defer func() { _ = zlog.Sync() }()

	loc, err := cfg.Location()
	if err != nil {
		zlog.Fatal("invalid display timezone", zap.Error(err))
	}

	client := backend.NewClient(cfg.BackendURL,
		backend.WithTimeout(cfg.HTTPTimeout),
		backend.WithLogger(zlog),
	)

	sessions, err := openStore(cfg)
	if err != nil {
		zlog.Fatal("failed to initialize session store", zap.String("type", cfg.SessionStore), zap.Error(err))
	}
	defer sessions.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if sq, ok := sessions.(*store.SQLiteStore); ok {
		go purgeLoop(ctx, sq, zlog)
	}

	apiHandler := api.NewAPIHandler(api.Deps{
		API:           client,
		Store:         sessions,
		Options:       core.OptionsFromConfig(cfg, zlog),
		SessionSecret: cfg.SessionSecret,
		SessionTTL:    cfg.SessionTTL,
		Location:      loc,
		SecureCookie:  cfg.SecureCookie,
		Logger:        zlog,
	})
	router := api.NewRouter(apiHandler)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.HTTPTimeout + 15*time.Second, // ask and upload wait on the backend
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		zlog.Info("starting gateway",
			zap.String("addr", serverAddr),
			zap.String("backend", cfg.BackendURL),
			zap.String("auth_mode", string(cfg.AuthMode)),
			zap.String("session_store", cfg.SessionStore),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("could not listen", zap.String("addr", serverAddr), zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info("shutting down gateway")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal("gateway forced to shutdown", zap.Error(err))
	}
	zlog.Info("gateway exited")
}

func openStore(cfg config.Config) (store.Store, error) {
	opts := []store.Option{store.WithTTL(cfg.SessionTTL)}
	switch store.StoreType(cfg.SessionStore) {
	case store.StoreTypeSQLite:
		opts = append(opts, store.WithSQLiteDSN(cfg.DatabaseURL))
	case store.StoreTypeRedis:
		client, err := store.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, store.WithRedisClient(client))
	}
	return store.NewStore(store.StoreType(cfg.SessionStore), opts...)
}

// purgeLoop removes idle SQLite sessions; the other drivers expire entries themselves.
func purgeLoop(ctx context.Context, s *store.SQLiteStore, log *zap.Logger) {
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeExpired(ctx)
			if err != nil {
				log.Warn("session purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Debug("purged expired sessions", zap.Int64("count", n))
			}
		}
	}
}
