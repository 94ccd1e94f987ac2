// testserver starts a dispatchd API server with stub handlers for E2E testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"dispatchd/internal/api"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/engine"
	"dispatchd/internal/handler"
	"dispatchd/internal/model"
	"dispatchd/internal/store"
)

// stubHandler is a configurable mock handler for E2E tests.
type stubHandler struct {
	name     string
	delay    time.Duration
	output   []byte
	logLines []string
}

func (s *stubHandler) Execute(_ context.Context, spec handler.TaskSpec) (handler.TaskResult, error) {
	time.Sleep(s.delay)

	if spec.LogWriter != nil {
		for _, line := range s.logLines {
			spec.LogWriter(line)
		}
	}

	return handler.TaskResult{
		ExitCode: 0,
		Output:   s.output,
	}, nil
}

func (s *stubHandler) Capabilities() handler.Capabilities {
	return handler.Capabilities{
		Name:          s.name,
		Description:   "stub handler for E2E tests",
		StreamsOutput: len(s.logLines) > 0,
	}
}

func main() {
	addr := ":8080"
	if v := os.Getenv("DISPATCHD_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := handler.NewRegistry()
	reg.Register(model.KindShell, &stubHandler{
		name:     "stub-shell",
		delay:    500 * time.Millisecond,
		output:   []byte("hello from stub shell"),
		logLines: []string{"[shell] starting", "[shell] running command", "[shell] done"},
	})
	reg.Register(model.KindHTTP, &stubHandler{
		name:   "stub-http",
		delay:  500 * time.Millisecond,
		output: []byte(`{"status":200}`),
	})

	pool, err := dispatch.NewDispatcher(dispatch.Options{Workers: 4})
	if err != nil {
		log.Fatalf("failed to create worker pool: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	eng := engine.NewEngine(db, reg, pool, logger)
	srv := api.NewServer(addr, db, reg, eng, logger)

	logger.Info("testserver: starting", "addr", addr)
	err = srv.Run()
	eng.Shutdown()
	if err != nil {
		log.Fatalf("server error: %v", err)
	}
}
