package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/basket/taskdeck/internal/fault"
	"github.com/basket/taskdeck/internal/runmanager"
	"github.com/basket/taskdeck/internal/store"
)

// commandExecutor shells out to a configured command for every unit of
// work. The prompt is piped to stdin, context about the unit arrives as
// TASKDECK_* environment variables, and stdout becomes the result.
type commandExecutor struct {
	command string
	logger  *slog.Logger
}

func newCommandExecutor(command string, logger *slog.Logger) *commandExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &commandExecutor{
		command: strings.TrimSpace(command),
		logger:  logger.With("component", "executor"),
	}
}

// ProcessTask executes one claimed task.
func (e *commandExecutor) ProcessTask(ctx context.Context, task store.Task) (string, error) {
	return e.run(ctx, task.Prompt, []string{
		"TASKDECK_TASK_ID=" + task.ID,
		"TASKDECK_AGENT_ID=" + task.AgentID,
		"TASKDECK_SESSION_ID=" + task.SessionID,
		"TASKDECK_ATTEMPT=" + strconv.Itoa(task.Attempts+1),
	})
}

// RunSession executes one session run.
func (e *commandExecutor) RunSession(ctx context.Context, run *runmanager.Run) error {
	_, err := e.run(ctx, run.Prompt, []string{
		"TASKDECK_RUN_ID=" + run.ID,
		"TASKDECK_SESSION_ID=" + run.SessionID,
		"TASKDECK_RUN_MODE=" + string(run.Mode),
		"TASKDECK_RUN_SOURCE=" + run.Source,
	})
	return err
}

func (e *commandExecutor) run(ctx context.Context, prompt string, env []string) (string, error) {
	if e.command == "" {
		return "", fault.Upstream(errors.New("executor.command is not configured"), "no executor attached")
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", e.command)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// Cancellation surfaces as the context error so the worker can
		// distinguish aborts and timeouts from executor failures.
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fault.Upstream(err, "executor command failed: %s", fault.Truncate(detail))
	}
	return stdout.String(), nil
}
