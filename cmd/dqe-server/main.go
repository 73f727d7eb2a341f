package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/veridata/dqe/pkg/anomaly"
	"github.com/veridata/dqe/pkg/api"
	"github.com/veridata/dqe/pkg/config"
	"github.com/veridata/dqe/pkg/repository"
	"github.com/veridata/dqe/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := cfg.Logger()
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("using database", zap.String("path", cfg.DBPath))

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		logger.Fatal("open sqlite db", zap.Error(err))
	}
	defer db.Close()

	// Pragmas for better performance
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")

	ctx := context.Background()
	st, err := store.NewSQLite(ctx, db)
	if err != nil {
		logger.Fatal("ensure state schema", zap.Error(err))
	}
	repo, err := repository.NewSQLite(ctx, db)
	if err != nil {
		logger.Fatal("ensure history schema", zap.Error(err))
	}

	// Baseline detector over every metric. It abstains until a series
	// has twenty points, so fresh databases stay quiet.
	registry := anomaly.NewRegistry(anomaly.WithRegistryLogger(logger))
	if err := registry.Register("*", &anomaly.ZScore{}); err != nil {
		logger.Fatal("register detector", zap.Error(err))
	}

	r := mux.NewRouter()
	h := api.NewHandler(db, st, repo, registry, api.WithLogger(logger))
	api.RegisterRoutes(r, h)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  cfg.Server.IdleTimeout.Std(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", zap.Error(err))
		}
	}
	logger.Info("server stopped")
}
