package handler

import (
	"context"
	"encoding/json"
)

// Handler is the interface implemented by every task kind. Each kind (shell
// command, HTTP call) provides its own implementation of these methods.
type Handler interface {
	// Execute runs a task according to the given spec and returns the result.
	// The context carries deadlines and cancellation signals for timeout
	// enforcement. A non-nil error means the handler itself failed before or
	// while running the task; task-level failure is reported in TaskResult.
	Execute(ctx context.Context, spec TaskSpec) (TaskResult, error)

	// Capabilities reports what this handler supports.
	Capabilities() Capabilities
}

// TaskSpec describes a task to be executed by a handler.
type TaskSpec struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	TimeoutS int             `json:"timeout_s"`

	// LogWriter is an optional callback that handlers invoke to emit output
	// lines during execution. Each call delivers one line to connected
	// subscribers. Handlers may call it from multiple goroutines.
	LogWriter func(line string) `json:"-"`
}

// TaskResult holds the outcome produced by a handler after executing a task.
type TaskResult struct {
	ExitCode int    `json:"exit_code"`
	Output   []byte `json:"output"`
	Error    string `json:"error"`
}

// Capabilities describes what a handler supports.
type Capabilities struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	StreamsOutput bool   `json:"streams_output"`
}
