package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/VladMinzatu/gperf2flamegraph/internal/exporter"
	"github.com/VladMinzatu/gperf2flamegraph/internal/metrics"
	"github.com/VladMinzatu/gperf2flamegraph/internal/pprof"
	"github.com/VladMinzatu/gperf2flamegraph/internal/profiler"
	"github.com/VladMinzatu/gperf2flamegraph/internal/symbolizer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	profilespb "go.opentelemetry.io/proto/otlp/profiles/v1development"
)

const nameCacheSize = 1 << 16

type config struct {
	svgOutput     string
	textOutput    string
	pprofOutput   string
	otlpOutput    string
	otlpEndpoint  string
	metricsOutput string

	simplifySymbol  bool
	executableOnly  bool
	annotateLibname bool
	toMicrosecond   bool
	symbolSource    string
	flamegraphCmd   string
	flamegraphArgs  []string
	parallelism     int
	logLevel        string
}

// deps are the collaborators a run talks to outside the process.
type deps struct {
	fs       afero.Fs
	source   func(kind string) (symbolizer.SymbolSource, error)
	renderer func(cfg *config) exporter.Renderer
	now      func() time.Time
}

func defaultDeps() deps {
	return deps{
		fs:     afero.NewOsFs(),
		source: newSymbolSource,
		renderer: func(cfg *config) exporter.Renderer {
			return exporter.NewFlamegraphPL(cfg.flamegraphCmd, cfg.flamegraphArgs)
		},
		now: time.Now,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(defaultDeps()).ExecuteContext(ctx); err != nil {
		slog.Error("Conversion failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(d deps) *cobra.Command {
	cfg := &config{}
	logLevel := new(slog.LevelVar)

	root := &cobra.Command{
		Use:           "gperf2flamegraph <exe> <prof>",
		Short:         "Convert a gperftools CPU profile into a flame graph",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := logLevel.UnmarshalText([]byte(cfg.logLevel)); err != nil {
				return fmt.Errorf("invalid --log-level %q: %w", cfg.logLevel, err)
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: logLevel})))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, d, args[0], args[1])
		},
	}

	f := root.Flags()
	f.StringVar(&cfg.svgOutput, "svg-output", "", "SVG output path")
	f.StringVar(&cfg.textOutput, "text-output", "", "folded stacks output path")
	f.StringVar(&cfg.pprofOutput, "pprof-output", "", "pprof profile output path")
	f.StringVar(&cfg.otlpOutput, "otlp-output", "", "OTLP profile (protobuf) output path")
	f.StringVar(&cfg.otlpEndpoint, "otlp-endpoint", "", "OTLP collector gRPC endpoint to push the profile to")
	f.StringVar(&cfg.metricsOutput, "metrics-output", "", "write run metrics to this textfile")
	f.BoolVar(&cfg.simplifySymbol, "simplify-symbol", false, "simplify symbol names")
	f.BoolVar(&cfg.executableOnly, "executable-only", false, "only resolve symbols of the executable")
	f.BoolVar(&cfg.annotateLibname, "annotate-libname", false, "append the library name to shared library symbols")
	f.BoolVar(&cfg.toMicrosecond, "to-microsecond", false, "use microseconds as the count unit")
	f.StringVar(&cfg.symbolSource, "symbol-source", "nm", "symbol table reader: nm or elf")
	f.StringVar(&cfg.flamegraphCmd, "flamegraph-cmd", "flamegraph.pl", "flame graph renderer command")
	f.StringArrayVar(&cfg.flamegraphArgs, "flamegraph-arg", nil, "extra renderer argument (repeatable)")
	f.IntVar(&cfg.parallelism, "parallelism", runtime.NumCPU(), "maximum concurrent symbol loads")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", "info", "log level: debug, info, warn or error")

	return root
}

func newSymbolSource(kind string) (symbolizer.SymbolSource, error) {
	switch kind {
	case "nm":
		matcher, err := symbolizer.NewSectionMatcher(".text")
		if err != nil {
			return nil, err
		}
		return symbolizer.NewNmSymbolSource(symbolizer.NewExecRunner(), matcher), nil
	case "elf":
		return symbolizer.NewElfSymbolSource(), nil
	default:
		return nil, fmt.Errorf("unknown symbol source %q; want nm or elf", kind)
	}
}

func run(ctx context.Context, cfg *config, d deps, exePath, profPath string) error {
	source, err := d.source(cfg.symbolSource)
	if err != nil {
		return err
	}
	names, err := symbolizer.NewNameCache(nameCacheSize)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	processor, err := profiler.NewProcessor(profiler.Options{
		ExecutablePath: exePath,
		TracePath:      profPath,
		ExecutableOnly: cfg.executableOnly,
		Simplify:       cfg.simplifySymbol,
		AnnotateOrigin: cfg.annotateLibname,
		Parallelism:    cfg.parallelism,
	}, d.fs, symbolizer.NewCachingBuilder(symbolizer.NewBuilder(source)), names, m)
	if err != nil {
		return err
	}

	slog.Info("Processing profiler result", "exe", exePath, "prof", profPath)
	trace, err := processor.Process(ctx)
	if err != nil {
		return err
	}

	folded := exporter.BuildFoldedStacks(trace.Records, trace.SamplingPeriod, cfg.toMicrosecond)
	m.FoldedStacks.Set(float64(len(folded)))
	data := exporter.NewFlamegraphData(folded, cfg.toMicrosecond)

	outputs := exporter.NewOutputSet(d.fs)
	outputs.Add(cfg.textOutput, data.Folded)
	if cfg.svgOutput != "" {
		slog.Info("Generating SVG output", "path", cfg.svgOutput)
		svg, err := d.renderer(cfg).Render(ctx, data)
		if err != nil {
			return err
		}
		outputs.Add(cfg.svgOutput, svg)
	}
	if cfg.pprofOutput != "" {
		p, err := pprof.BuildPprofProfile(trace.Records, trace.SamplingPeriod, cfg.toMicrosecond)
		if err != nil {
			return err
		}
		b, err := pprof.EncodeProfile(p)
		if err != nil {
			return err
		}
		outputs.Add(cfg.pprofOutput, b)
	}

	var otlpData *profilespb.ProfilesData
	if cfg.otlpOutput != "" || cfg.otlpEndpoint != "" {
		otlpData = exporter.BuildOltpProfile(trace.Records, trace.SamplingPeriod, cfg.toMicrosecond,
			func() uint64 { return uint64(d.now().UnixNano()) })
	}
	if cfg.otlpOutput != "" {
		b, err := exporter.MarshalOltpProfile(otlpData)
		if err != nil {
			return err
		}
		outputs.Add(cfg.otlpOutput, b)
	}

	if cfg.metricsOutput != "" {
		b, err := metrics.Encode(reg)
		if err != nil {
			return err
		}
		outputs.Add(cfg.metricsOutput, b)
	}

	if outputs.Len() == 0 && cfg.otlpEndpoint == "" {
		slog.Warn("No output requested; pass --text-output, --svg-output, --pprof-output, --otlp-output or --otlp-endpoint")
	}
	if err := outputs.Commit(); err != nil {
		return err
	}

	if cfg.otlpEndpoint != "" {
		if err := exporter.PushOltpProfile(ctx, cfg.otlpEndpoint, otlpData); err != nil {
			return err
		}
	}

	slog.Info("Finished processing profiler result", "stacks", len(folded))
	return nil
}
