package symbolizer

import (
	"context"
	"log/slog"
	"os/exec"
)

// CommandRunner runs an external tool to completion and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type ExecRunner struct{}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	slog.Debug("Running external tool", "cmd", name, "args", args)
	return exec.CommandContext(ctx, name, args...).Output()
}
