// Package scanner provides executors that run an artifact scan on a worker.
package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/artifact-analyst/internal/app/worker"
	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
	"github.com/ahrav/artifact-analyst/pkg/common/logger"
)

// maxStderr is how much of a failing command's stderr ends up in the report.
const maxStderr = 4 << 10

// waitDelay bounds how long output pipes are drained after the command was killed.
const waitDelay = time.Second

var _ worker.Executor = (*CommandExecutor)(nil)

// Environment variables describing the artifact to the scan command.
const (
	EnvSubtaskID   = "ANALYST_SUBTASK_ID"
	EnvProjectID   = "ANALYST_PROJECT_ID"
	EnvRepoName    = "ANALYST_REPO_NAME"
	EnvFullPath    = "ANALYST_FULL_PATH"
	EnvSha256      = "ANALYST_SHA256"
	EnvSize        = "ANALYST_SIZE"
	EnvScanner     = "ANALYST_SCANNER"
	EnvScannerType = "ANALYST_SCANNER_TYPE"
)

// CommandExecutor runs an external scan command per artifact. The command
// learns about the artifact from its environment and prints the raw scanner
// output as one JSON object on stdout. Exit code zero means SUCCESS, any other
// exit FAILED; exceeding the scanner's time budget is reported as a deadline.
type CommandExecutor struct {
	command []string

	logger *logger.Logger
	tracer trace.Tracer
}

// NewCommandExecutor creates an executor for command, its first element being
// the program.
func NewCommandExecutor(command []string, logger *logger.Logger, tracer trace.Tracer) (*CommandExecutor, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, errors.New("scan command is empty")
	}
	return &CommandExecutor{
		command: append([]string(nil), command...),
		logger:  logger.With("component", "command_executor"),
		tracer:  tracer,
	}, nil
}

// Execute runs the command for a within the scanner's time budget.
func (c *CommandExecutor) Execute(ctx context.Context, a worker.Assignment) (worker.Result, error) {
	budget := a.Scanner.MaxScanDuration(a.Subtask.Size)
	ctx, span := c.tracer.Start(ctx, "command_executor.scanning.execute",
		trace.WithAttributes(
			attribute.String("program", c.command[0]),
			attribute.String("subtask_id", a.Subtask.ID.String()),
			attribute.Int64("size", a.Subtask.Size),
			attribute.String("budget", budget.String()),
		))
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.command[0], c.command[1:]...)
	cmd.Env = append(os.Environ(), environ(a)...)
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() != nil {
		span.RecordError(runCtx.Err())
		span.SetStatus(codes.Error, "scan exceeded its budget")
		return worker.Result{}, runCtx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to start scan command")
			return worker.Result{}, fmt.Errorf("run scan command: %w", err)
		}
		c.logger.Warn(ctx, "scan command failed",
			"subtask_id", a.Subtask.ID.String(),
			"exit_code", exitErr.ExitCode(),
		)
		span.SetAttributes(attribute.Int("exit_code", exitErr.ExitCode()))
		return worker.Result{
			Status: domain.SubtaskStatusFailed,
			Output: map[string]any{
				"exitCode": exitErr.ExitCode(),
				"stderr":   tail(stderr.String(), maxStderr),
			},
		}, nil
	}

	out := map[string]any{}
	if b := bytes.TrimSpace(stdout.Bytes()); len(b) > 0 {
		if err := json.Unmarshal(b, &out); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid scan output")
			return worker.Result{}, fmt.Errorf("decode scan output: %w", err)
		}
	}

	span.SetStatus(codes.Ok, "scan completed")
	return worker.Result{Status: domain.SubtaskStatusSuccess, Output: out}, nil
}

func environ(a worker.Assignment) []string {
	st := a.Subtask
	return []string{
		EnvSubtaskID + "=" + st.ID.String(),
		EnvProjectID + "=" + st.ProjectID,
		EnvRepoName + "=" + st.RepoName,
		EnvFullPath + "=" + st.FullPath,
		EnvSha256 + "=" + st.Sha256,
		EnvSize + "=" + strconv.FormatInt(st.Size, 10),
		EnvScanner + "=" + a.Scanner.Name,
		EnvScannerType + "=" + a.Scanner.Type,
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
