package profiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/VladMinzatu/gperf2flamegraph/internal/metrics"
	"github.com/VladMinzatu/gperf2flamegraph/internal/symbolizer"
	"github.com/samber/lo"
	"github.com/spf13/afero"
)

type Options struct {
	ExecutablePath string
	TracePath      string

	// ExecutableOnly resolves frames of the primary executable only.
	ExecutableOnly bool
	Simplify       bool
	AnnotateOrigin bool
	Parallelism    int
}

func (o Options) Validate() error {
	if o.ExecutablePath == "" {
		return errors.New("invalid options; executable path is required")
	}
	if o.TracePath == "" {
		return errors.New("invalid options; trace path is required")
	}
	if o.Parallelism < 0 {
		return errors.New("invalid options; parallelism must be >= 0")
	}
	return nil
}

// Processor turns a recorded trace into a trace whose records carry symbol
// names.
type Processor struct {
	opts    Options
	fs      afero.Fs
	builder symbolizer.IndexBuilder
	names   *symbolizer.NameCache
	metrics *metrics.Metrics
}

func NewProcessor(opts Options, fs afero.Fs, builder symbolizer.IndexBuilder, names *symbolizer.NameCache, m *metrics.Metrics) (*Processor, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Processor{opts: opts, fs: fs, builder: builder, names: names, metrics: m}, nil
}

// Process decodes the trace, loads the symbols of every object mapped in it
// and attaches a name to each frame. Frames no object could resolve get
// symbolizer.UnknownSymbol.
func (p *Processor) Process(ctx context.Context) (*Trace, error) {
	trace, err := DecodeFile(p.fs, p.opts.TracePath)
	if err != nil {
		return nil, err
	}
	p.metrics.RecordsDecoded.Add(float64(len(trace.Records)))

	mapped := symbolizer.ParseMappedObjects(trace.MapText, p.opts.ExecutablePath, symbolizer.MapOptions{
		ExecutableOnly: p.opts.ExecutableOnly,
		Fs:             p.fs,
	})
	objects, err := symbolizer.LoadObjects(ctx, mapped, p.builder, p.opts.Parallelism)
	if err != nil {
		return nil, fmt.Errorf("failed to load mapped objects: %w", err)
	}
	p.metrics.ObjectsLoaded.Add(float64(len(objects)))
	for _, obj := range objects {
		p.metrics.SymbolsLoaded.Add(float64(obj.Index.Len()))
	}

	pcs := DistinctPCs(trace.Records)
	resolver := symbolizer.NewResolver(objects, p.names)
	resolved, err := resolver.ResolveBatch(ctx, pcs, symbolizer.ResolveOptions{
		Simplify:       p.opts.Simplify,
		AnnotateOrigin: p.opts.AnnotateOrigin,
		Parallelism:    p.opts.Parallelism,
	})
	if err != nil {
		return nil, err
	}
	p.metrics.AddressesResolved.Add(float64(len(resolved)))
	p.metrics.AddressesUnresolved.Add(float64(len(pcs) - len(resolved)))

	AttachSymbols(trace.Records, resolved)
	slog.Info("Resolved trace", "records", len(trace.Records), "objects", len(objects),
		"addresses", len(pcs), "resolved", len(resolved))
	return trace, nil
}

// DistinctPCs returns every address appearing in records, once, in order of
// first appearance.
func DistinctPCs(records []StackRecord) []uint64 {
	return lo.Uniq(lo.FlatMap(records, func(r StackRecord, _ int) []uint64 { return r.PCs }))
}

// AttachSymbols fills the Symbols of every record from resolved, using
// symbolizer.UnknownSymbol for addresses missing from it.
func AttachSymbols(records []StackRecord, resolved map[uint64]string) {
	for i := range records {
		r := &records[i]
		r.Symbols = make([]string, len(r.PCs))
		for j, pc := range r.PCs {
			name, ok := resolved[pc]
			if !ok {
				name = symbolizer.UnknownSymbol
			}
			r.Symbols[j] = name
		}
	}
}
