// Package shellcmd implements the shell command task handler. It runs each
// task's command line under a configurable shell, streaming stdout and stderr
// lines back to the engine while they are produced.
package shellcmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dispatchd/internal/handler"
)

// defaultTimeout applies when a task spec carries no timeout of its own.
const defaultTimeout = 30 * time.Second

// payload is the JSON document carried by shell tasks.
type payload struct {
	Command string            `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
}

// Compile-time interface satisfaction check.
var _ handler.Handler = (*Handler)(nil)

// Handler executes shell command tasks.
type Handler struct {
	cfg    Config
	tracer trace.Tracer
}

// New creates a shell command handler with the given configuration.
func New(cfg Config) *Handler {
	if cfg.ShellBin == "" {
		cfg.ShellBin = DefaultShellBin
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return &Handler{
		cfg:    cfg,
		tracer: otel.Tracer("dispatchd-shell-handler"),
	}
}

// Capabilities reports what the shell handler supports.
func (h *Handler) Capabilities() handler.Capabilities {
	return handler.Capabilities{
		Name:          "shell",
		Description:   "runs a command line under " + h.cfg.ShellBin,
		StreamsOutput: true,
	}
}

// Execute runs the task's command line and collects its combined output.
// A non-zero exit or a timeout is reported in the result, not as an error.
func (h *Handler) Execute(ctx context.Context, spec handler.TaskSpec) (handler.TaskResult, error) {
	var p payload
	if err := json.Unmarshal(spec.Payload, &p); err != nil {
		return handler.TaskResult{}, fmt.Errorf("decode shell payload: %w", err)
	}
	if p.Command == "" {
		return handler.TaskResult{}, errors.New("shell payload missing command")
	}

	ctx, span := h.tracer.Start(ctx, "handler.shell.Execute",
		trace.WithAttributes(
			attribute.String("task.id", spec.ID),
			attribute.String("shell.command", p.Command),
		))
	defer span.End()

	timeout := time.Duration(spec.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, h.cfg.ShellBin, "-c", p.Command)
	if h.cfg.WorkDir != "" {
		cmd.Dir = h.cfg.WorkDir
	}
	cmd.Env = os.Environ()
	for k, v := range p.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return handler.TaskResult{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return handler.TaskResult{}, fmt.Errorf("stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		commandsTotal.WithLabelValues(statusFailed).Inc()
		span.SetStatus(codes.Error, "start failed")
		span.RecordError(err)
		return handler.TaskResult{}, fmt.Errorf("start command: %w", err)
	}

	// Mutex serializes the stdout and stderr goroutines against each other,
	// both for the retained output and for the caller's LogWriter.
	var mu sync.Mutex
	var output strings.Builder
	emit := func(line string) {
		mu.Lock()
		if output.Len() < h.cfg.MaxOutputBytes {
			output.WriteString(line)
			output.WriteString("\n")
		}
		if spec.LogWriter != nil {
			spec.LogWriter(line)
		}
		mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		streamLines(stdoutPipe, emit)
	}()

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		streamLines(stderrPipe, emit)
	}()

	<-done
	<-stderrDone

	waitErr := cmd.Wait()
	commandDuration.Observe(time.Since(start).Seconds())

	exitCode := 0
	errMsg := ""
	if waitErr != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			errMsg = fmt.Sprintf("timeout after %s", timeout)
		} else {
			errMsg = waitErr.Error()
		}
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}

	span.SetAttributes(attribute.Int("shell.exit_code", exitCode))
	if errMsg != "" {
		commandsTotal.WithLabelValues(statusFailed).Inc()
		span.SetStatus(codes.Error, "shell command failed")
		span.RecordError(waitErr)
	} else {
		commandsTotal.WithLabelValues(statusCompleted).Inc()
	}

	return handler.TaskResult{
		ExitCode: exitCode,
		Output:   []byte(output.String()),
		Error:    errMsg,
	}, nil
}

// streamLines reads lines from r and hands each one to emit.
func streamLines(r io.Reader, emit func(string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		emit(scanner.Text())
	}
}
