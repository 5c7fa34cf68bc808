package symbolizer

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// NmSymbolSource reads symbol tables with binutils nm and section headers
// with readelf.
type NmSymbolSource struct {
	runner      CommandRunner
	matcher     *SectionMatcher
	NmPath      string
	ReadelfPath string
}

func NewNmSymbolSource(runner CommandRunner, matcher *SectionMatcher) *NmSymbolSource {
	return &NmSymbolSource{runner: runner, matcher: matcher, NmPath: "nm", ReadelfPath: "readelf"}
}

func (s *NmSymbolSource) ListSymbols(ctx context.Context, path string, kind SymbolTableKind) ([]SymbolEntry, error) {
	args := []string{"-C", "-n", "--defined-only", "--no-recurse-limit"}
	if kind == DynamicSymbols {
		args = append(args, "-D")
	}
	args = append(args, path)

	out, err := s.run(ctx, s.NmPath, args...)
	if err != nil {
		return nil, err
	}
	return parseNmOutput(out), nil
}

func (s *NmSymbolSource) CodeSectionBias(ctx context.Context, path string) (uint64, error) {
	out, err := s.run(ctx, s.ReadelfPath, "-W", "-S", path)
	if err != nil {
		return 0, err
	}
	return s.matcher.Bias(out)
}

// run treats a tool that started but exited non-zero like one that printed
// nothing; nm does that for objects without a symbol table.
func (s *NmSymbolSource) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := s.runner.Run(ctx, name, args...)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		slog.Debug("External tool exited with error", "cmd", name, "args", args, "error", err, "stderr", string(exitErr.Stderr))
		return out, nil
	}
	return out, err
}

// Format: "0000000000001139 T main" (addr type name). The name is the rest
// of the line and may contain spaces once demangled.
func parseNmOutput(out []byte) []SymbolEntry {
	var entries []SymbolEntry
	for line := range strings.Lines(string(out)) {
		line = strings.TrimRight(line, "\r\n")
		addrStr, rest, ok := cutSpace(line)
		if !ok {
			continue
		}
		_, name, ok := cutSpace(rest)
		if !ok || name == "" {
			continue
		}
		addr, err := strconv.ParseUint(addrStr, 16, 64)
		if err != nil {
			continue
		}
		entries = append(entries, SymbolEntry{Addr: addr, Name: name})
	}
	return entries
}

func cutSpace(s string) (before, after string, found bool) {
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, "", false
	}
	return s[:i], strings.TrimLeft(s[i:], " \t"), true
}
