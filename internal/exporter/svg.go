package exporter

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Renderer turns folded stacks into an image.
type Renderer interface {
	Render(ctx context.Context, data *FlamegraphData) ([]byte, error)
}

// FlamegraphPL renders SVGs with Brendan Gregg's flamegraph.pl, reading the
// folded text from stdin and the SVG from stdout.
type FlamegraphPL struct {
	Command string
	// Args are passed after the data's own renderer arguments.
	Args []string
}

func NewFlamegraphPL(command string, args []string) *FlamegraphPL {
	if command == "" {
		command = "flamegraph.pl"
	}
	return &FlamegraphPL{Command: command, Args: args}
}

func (f *FlamegraphPL) Render(ctx context.Context, data *FlamegraphData) ([]byte, error) {
	args := make([]string, 0, len(data.RendererArgs)+len(f.Args))
	args = append(args, data.RendererArgs...)
	args = append(args, f.Args...)

	cmd := exec.CommandContext(ctx, f.Command, args...)
	cmd.Stdin = bytes.NewReader(data.Folded)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Debug("Running flamegraph renderer", "cmd", f.Command, "args", args)
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("failed to run %s: %w: %s", f.Command, err, msg)
		}
		return nil, fmt.Errorf("failed to run %s: %w", f.Command, err)
	}
	return stdout.Bytes(), nil
}
