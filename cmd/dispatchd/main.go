package main

import (
	"context"
	"log"
	"os"

	"github.com/joho/godotenv"

	"dispatchd/internal/api"
	"dispatchd/internal/config"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/engine"
	"dispatchd/internal/handler"
	"dispatchd/internal/handler/httpcall"
	"dispatchd/internal/handler/shellcmd"
	"dispatchd/internal/model"
	"dispatchd/internal/store"
	"dispatchd/internal/tracing"
)

func main() {
	// A missing .env file is fine; the environment is read either way.
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("dispatchd: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"workers", cfg.Workers,
	)

	if cfg.TracingEnabled {
		shutdown, err := tracing.Init("dispatchd", os.Stdout)
		if err != nil {
			log.Fatalf("failed to init tracing: %v", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("tracing shutdown", "error", err)
			}
		}()
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	// Tasks left pending or running by a previous process can never finish;
	// fail them now so joins and listings see a consistent picture.
	swept, err := db.FailUnfinished(context.Background(), "server restarted")
	if err != nil {
		log.Fatalf("failed to sweep unfinished tasks: %v", err)
	}
	if swept > 0 {
		logger.Warn("failed unfinished tasks from previous run", "count", swept)
	}

	reg := handler.NewRegistry()
	if cfg.ShellEnabled {
		reg.Register(model.KindShell, shellcmd.New(shellcmd.LoadConfig()))
	}
	if cfg.HTTPEnabled {
		reg.Register(model.KindHTTP, httpcall.New())
	}
	logger.Info("handlers registered", "kinds", reg.Kinds())

	poolMetrics := dispatch.NewMetrics("dispatchd")
	pool, err := dispatch.NewDispatcher(dispatch.Options{
		Workers: cfg.Workers,
		Hooks:   poolMetrics.Hooks(),
	})
	if err != nil {
		log.Fatalf("failed to create worker pool: %v", err)
	}

	eng := engine.NewEngine(db, reg, pool, logger)
	srv := api.NewServer(cfg.ListenAddr, db, reg, eng, logger)

	err = srv.Run()

	// Drain queued tasks before closing the store so accepted work still
	// runs to a persisted outcome.
	logger.Info("draining worker pool")
	eng.Shutdown()

	if err != nil {
		log.Fatalf("server error: %v", err)
	}
}
