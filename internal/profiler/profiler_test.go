package profiler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/VladMinzatu/gperf2flamegraph/internal/metrics"
	"github.com/VladMinzatu/gperf2flamegraph/internal/symbolizer"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
)

const testMapText = "build=/home/ci/app\n" +
	"00001000-00002000 r-xp 00000000 08:01 1 /home/ci/app\n" +
	"7f0000001000-7f0000002000 r-xp 00001000 08:01 2 /lib/libc.so.6\n" +
	"7f0000005000-7f0000006000 r-xp 00000000 08:01 3 /lib/libgone.so\n"

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "valid", opts: Options{ExecutablePath: "/bin/app", TracePath: "/tmp/prof"}},
		{name: "missing executable", opts: Options{TracePath: "/tmp/prof"}, wantErr: true},
		{name: "missing trace", opts: Options{ExecutablePath: "/bin/app"}, wantErr: true},
		{name: "negative parallelism", opts: Options{ExecutablePath: "/bin/app", TracePath: "/tmp/prof", Parallelism: -1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.opts.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProcessor_Process(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/bin/app", "\x7fELF")
	writeFile(t, fs, "/lib/libc.so.6", "\x7fELF")
	writeFile(t, fs, "/tmp/prof", string(traceBytes(1000, [][]uint64{
		{2, 1, 0x1000},
		{3, 3, 0x1010, 0x7f0000001100, 0x9999},
		{1, 0},
	}, testMapText)))

	builder := &mockIndexBuilder{indices: map[string]*symbolizer.SymbolIndex{
		"/bin/app": symbolizer.NewSymbolIndex([]symbolizer.SymbolEntry{
			{Addr: 0x1000, Name: "main"},
			{Addr: 0x1008, Name: "std::vector<int>::push_back(int)"},
		}, 0x1000),
		"/lib/libc.so.6": symbolizer.NewSymbolIndex([]symbolizer.SymbolEntry{
			{Addr: 0x1000, Name: "malloc"},
		}, 0),
	}}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	p, err := NewProcessor(Options{
		ExecutablePath: "/bin/app",
		TracePath:      "/tmp/prof",
		Simplify:       true,
		AnnotateOrigin: true,
		Parallelism:    2,
	}, fs, builder, nil, m)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}

	trace, err := p.Process(context.Background())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	want := []StackRecord{
		{SampleCount: 2, PCs: []uint64{0x1000}, Symbols: []string{"main"}},
		{
			SampleCount: 3,
			PCs:         []uint64{0x1010, 0x7f0000001100, 0x9999},
			Symbols:     []string{"std::vector::push_back", "malloc [libc.so.6]", symbolizer.UnknownSymbol},
		},
		{SampleCount: 1, PCs: []uint64{}, Symbols: []string{}},
	}
	if diff := cmp.Diff(want, trace.Records); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
	if trace.SamplingPeriod != 1000 {
		t.Fatalf("SamplingPeriod = %d, want 1000", trace.SamplingPeriod)
	}

	if got := testutil.ToFloat64(m.RecordsDecoded); got != 3 {
		t.Fatalf("RecordsDecoded = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.ObjectsLoaded); got != 2 {
		t.Fatalf("ObjectsLoaded = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SymbolsLoaded); got != 3 {
		t.Fatalf("SymbolsLoaded = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.AddressesResolved); got != 3 {
		t.Fatalf("AddressesResolved = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.AddressesUnresolved); got != 1 {
		t.Fatalf("AddressesUnresolved = %v, want 1", got)
	}
}

func TestProcessor_ExecutableOnly(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/bin/app", "\x7fELF")
	writeFile(t, fs, "/lib/libc.so.6", "\x7fELF")
	writeFile(t, fs, "/tmp/prof", string(traceBytes(1000, [][]uint64{
		{1, 2, 0x7f0000001100, 0x1000},
	}, testMapText)))

	builder := &mockIndexBuilder{indices: map[string]*symbolizer.SymbolIndex{
		"/bin/app": symbolizer.NewSymbolIndex([]symbolizer.SymbolEntry{{Addr: 0x1000, Name: "main"}}, 0x1000),
	}}
	p, err := NewProcessor(Options{ExecutablePath: "/bin/app", TracePath: "/tmp/prof", ExecutableOnly: true}, fs, builder, nil, nil)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	trace, err := p.Process(context.Background())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if diff := cmp.Diff([]string{symbolizer.UnknownSymbol, "main"}, trace.Records[0].Symbols); diff != "" {
		t.Fatalf("symbols mismatch (-want +got):\n%s", diff)
	}
	if builder.calls["/lib/libc.so.6"] != 0 {
		t.Fatalf("shared object must not be loaded in executable-only mode")
	}
}

func TestProcessor_Errors(t *testing.T) {
	t.Run("missing trace", func(t *testing.T) {
		p, err := NewProcessor(Options{ExecutablePath: "/bin/app", TracePath: "/nope"}, afero.NewMemMapFs(), &mockIndexBuilder{}, nil, nil)
		if err != nil {
			t.Fatalf("NewProcessor: %v", err)
		}
		if _, err := p.Process(context.Background()); err == nil {
			t.Fatalf("expected error for missing trace")
		}
	})

	t.Run("malformed header", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeFile(t, fs, "/tmp/prof", string(encodeWords(0, 4, 0, 1000, 0)))
		p, _ := NewProcessor(Options{ExecutablePath: "/bin/app", TracePath: "/tmp/prof"}, fs, &mockIndexBuilder{}, nil, nil)
		trace, err := p.Process(context.Background())
		var formatErr *FormatError
		if !errors.As(err, &formatErr) || trace != nil {
			t.Fatalf("expected FormatError and no trace, got %v, %v", trace, err)
		}
	})

	t.Run("object without symbols", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		writeFile(t, fs, "/bin/app", "\x7fELF")
		writeFile(t, fs, "/tmp/prof", string(traceBytes(1000, [][]uint64{{1, 1, 0x1000}}, testMapText)))
		p, _ := NewProcessor(Options{ExecutablePath: "/bin/app", TracePath: "/tmp/prof"}, fs, &mockIndexBuilder{}, nil, nil)
		_, err := p.Process(context.Background())
		var extractErr *symbolizer.SymbolExtractionError
		if !errors.As(err, &extractErr) || extractErr.Path != "/bin/app" {
			t.Fatalf("expected SymbolExtractionError for /bin/app, got %v", err)
		}
	})

	t.Run("invalid options", func(t *testing.T) {
		if _, err := NewProcessor(Options{}, nil, nil, nil, nil); err == nil {
			t.Fatalf("expected validation error")
		}
	})
}

func TestDistinctPCs(t *testing.T) {
	records := []StackRecord{
		{SampleCount: 1, PCs: []uint64{3, 1, 3}},
		{SampleCount: 1},
		{SampleCount: 2, PCs: []uint64{2, 1}},
	}
	if diff := cmp.Diff([]uint64{3, 1, 2}, DistinctPCs(records)); diff != "" {
		t.Fatalf("DistinctPCs mismatch (-want +got):\n%s", diff)
	}
}

func TestAttachSymbols(t *testing.T) {
	records := []StackRecord{{SampleCount: 1, PCs: []uint64{1, 2}}}
	AttachSymbols(records, map[uint64]string{2: "b"})
	if diff := cmp.Diff([]string{symbolizer.UnknownSymbol, "b"}, records[0].Symbols); diff != "" {
		t.Fatalf("AttachSymbols mismatch (-want +got):\n%s", diff)
	}
}

func writeFile(t *testing.T, fs afero.Fs, path, data string) {
	t.Helper()
	if err := afero.WriteFile(fs, path, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

type mockIndexBuilder struct {
	mu      sync.Mutex
	indices map[string]*symbolizer.SymbolIndex
	calls   map[string]int
}

func (m *mockIndexBuilder) Build(_ context.Context, path string) (*symbolizer.SymbolIndex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[path]++
	idx, ok := m.indices[path]
	if !ok {
		return nil, &symbolizer.SymbolExtractionError{Path: path}
	}
	return idx, nil
}
