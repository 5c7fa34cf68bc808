package metrics

import (
	"bytes"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

const namespace = "gperf2flamegraph"

// Metrics counts what a single conversion run did.
type Metrics struct {
	RecordsDecoded      prometheus.Counter
	ObjectsLoaded       prometheus.Counter
	SymbolsLoaded       prometheus.Counter
	AddressesResolved   prometheus.Counter
	AddressesUnresolved prometheus.Counter
	FoldedStacks        prometheus.Gauge
}

// New registers the run metrics with reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RecordsDecoded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_decoded_total",
			Help:      "number of stack records read from the trace",
		}),
		ObjectsLoaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "objects_loaded_total",
			Help:      "number of mapped objects with a symbol index",
		}),
		SymbolsLoaded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "symbols_loaded_total",
			Help:      "number of symbols across the indices of all mapped objects",
		}),
		AddressesResolved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "addresses_resolved_total",
			Help:      "number of distinct addresses resolved to a symbol",
		}),
		AddressesUnresolved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "addresses_unresolved_total",
			Help:      "number of distinct addresses no mapped object could resolve",
		}),
		FoldedStacks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "folded_stacks",
			Help:      "number of distinct folded stacks produced",
		}),
	}
}

// Encode renders everything g gathers in the text exposition format read by
// node_exporter's textfile collector.
func Encode(g prometheus.Gatherer) ([]byte, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return nil, fmt.Errorf("failed to encode metric %s: %w", mf.GetName(), err)
		}
	}
	return buf.Bytes(), nil
}
