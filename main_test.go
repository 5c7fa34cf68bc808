package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/VladMinzatu/gperf2flamegraph/internal/exporter"
	"github.com/VladMinzatu/gperf2flamegraph/internal/symbolizer"
	"github.com/google/go-cmp/cmp"
	"github.com/google/pprof/profile"
	"github.com/spf13/afero"
)

type fakeSource struct{}

func (fakeSource) ListSymbols(_ context.Context, path string, kind symbolizer.SymbolTableKind) ([]symbolizer.SymbolEntry, error) {
	if path != "/bin/app" || kind != symbolizer.DefinedSymbols {
		return nil, nil
	}
	return []symbolizer.SymbolEntry{{Addr: 0x1000, Name: "main"}}, nil
}

func (fakeSource) CodeSectionBias(context.Context, string) (uint64, error) { return 0x1000, nil }

type fakeRenderer struct {
	got *exporter.FlamegraphData
	err error
}

func (r *fakeRenderer) Render(_ context.Context, data *exporter.FlamegraphData) ([]byte, error) {
	r.got = data
	if r.err != nil {
		return nil, r.err
	}
	return []byte("<svg>" + string(data.Folded) + "</svg>"), nil
}

func traceFile(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, w := range []uint64{0, 3, 0, 1000, 0, 2, 1, 0x1000, 0, 1, 0} {
		if err := binary.Write(&buf, binary.LittleEndian, w); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	buf.WriteString("00001000-00002000 r-xp 00000000 08:01 1 /build/app\n")
	return buf.Bytes()
}

func testEnv(t *testing.T, renderer *fakeRenderer) (afero.Fs, deps) {
	t.Helper()
	fs := afero.NewMemMapFs()
	for path, data := range map[string][]byte{"/bin/app": []byte("\x7fELF"), "/data/cpu.prof": traceFile(t)} {
		if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	if err := fs.MkdirAll("/out", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	return fs, deps{
		fs:       fs,
		source:   func(string) (symbolizer.SymbolSource, error) { return fakeSource{}, nil },
		renderer: func(*config) exporter.Renderer { return renderer },
		now:      func() time.Time { return time.Unix(100, 0) },
	}
}

func execute(d deps, args ...string) error {
	cmd := newRootCommand(d)
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(context.Background())
}

func readString(t *testing.T, fs afero.Fs, path string) string {
	t.Helper()
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

func TestRun_TextOutput(t *testing.T) {
	tests := []struct {
		name  string
		flags []string
		want  string
	}{
		{name: "sample counts", want: "main 2\n"},
		{name: "microseconds", flags: []string{"--to-microsecond"}, want: "main 2000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, d := testEnv(t, &fakeRenderer{})
			args := append([]string{"/bin/app", "/data/cpu.prof", "--text-output", "/out/stacks.txt"}, tt.flags...)
			if err := execute(d, args...); err != nil {
				t.Fatalf("execute: %v", err)
			}
			if got := readString(t, fs, "/out/stacks.txt"); got != tt.want {
				t.Fatalf("text output = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRun_AllFileOutputs(t *testing.T) {
	renderer := &fakeRenderer{}
	fs, d := testEnv(t, renderer)

	err := execute(d, "/bin/app", "/data/cpu.prof",
		"--to-microsecond",
		"--svg-output", "/out/graph.svg",
		"--pprof-output", "/out/cpu.pb.gz",
		"--otlp-output", "/out/cpu.otlp")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if got := readString(t, fs, "/out/graph.svg"); got != "<svg>main 2000\n</svg>" {
		t.Fatalf("svg output = %q", got)
	}
	if diff := cmp.Diff([]string{"--countname", "us"}, renderer.got.RendererArgs); diff != "" {
		t.Fatalf("renderer args mismatch (-want +got):\n%s", diff)
	}

	p, err := profile.Parse(bytes.NewReader([]byte(readString(t, fs, "/out/cpu.pb.gz"))))
	if err != nil {
		t.Fatalf("parse pprof output: %v", err)
	}
	if len(p.Sample) != 1 || p.Sample[0].Value[0] != 2000 {
		t.Fatalf("unexpected pprof samples %v", p.Sample)
	}

	if readString(t, fs, "/out/cpu.otlp") == "" {
		t.Fatalf("expected OTLP output")
	}
}

func TestRun_RenderFailureWritesNothing(t *testing.T) {
	fs, d := testEnv(t, &fakeRenderer{err: errors.New("flamegraph.pl exploded")})

	err := execute(d, "/bin/app", "/data/cpu.prof", "--text-output", "/out/stacks.txt", "--svg-output", "/out/graph.svg")
	if err == nil {
		t.Fatalf("expected render error")
	}
	if exists, _ := afero.Exists(fs, "/out/stacks.txt"); exists {
		t.Fatalf("text output must not be written when rendering fails")
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "missing positional", args: []string{"/bin/app"}},
		{name: "missing trace", args: []string{"/bin/app", "/data/none.prof", "--text-output", "/out/a.txt"}},
		{name: "bad log level", args: []string{"/bin/app", "/data/cpu.prof", "--log-level", "loud"}},
		{name: "negative parallelism", args: []string{"/bin/app", "/data/cpu.prof", "--parallelism", "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, d := testEnv(t, &fakeRenderer{})
			if err := execute(d, tt.args...); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestNewSymbolSource(t *testing.T) {
	for _, kind := range []string{"nm", "elf"} {
		if _, err := newSymbolSource(kind); err != nil {
			t.Fatalf("newSymbolSource(%q): %v", kind, err)
		}
	}
	if _, err := newSymbolSource("objdump"); err == nil {
		t.Fatalf("expected error for unknown symbol source")
	}
}

func TestRun_MetricsOutput(t *testing.T) {
	fs, d := testEnv(t, &fakeRenderer{})

	if err := execute(d, "/bin/app", "/data/cpu.prof", "--text-output", "/out/stacks.txt", "--metrics-output", "/out/run.prom"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	got := readString(t, fs, "/out/run.prom")
	for _, want := range []string{
		"gperf2flamegraph_records_decoded_total 1",
		"gperf2flamegraph_addresses_resolved_total 1",
		"gperf2flamegraph_folded_stacks 1",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, got)
		}
	}
}

func TestRun_MetricsOutputIsPartOfTheCommit(t *testing.T) {
	fs, d := testEnv(t, &fakeRenderer{err: errors.New("flamegraph.pl exploded")})

	err := execute(d, "/bin/app", "/data/cpu.prof", "--svg-output", "/out/graph.svg", "--metrics-output", "/out/run.prom")
	if err == nil {
		t.Fatalf("expected render error")
	}
	if exists, _ := afero.Exists(fs, "/out/run.prom"); exists {
		t.Fatalf("metrics must not be written when the run fails")
	}
}
