package exporter

import (
	"bytes"
	"slices"
	"strconv"
	"strings"

	"github.com/VladMinzatu/gperf2flamegraph/internal/profiler"
	"github.com/VladMinzatu/gperf2flamegraph/internal/symbolizer"
	"github.com/samber/lo"
)

// BuildFoldedStacks folds resolved records into root-first stack keys and
// sums their sample counts. With toMicroseconds every count is scaled by the
// sampling period.
func BuildFoldedStacks(records []profiler.StackRecord, samplingPeriod uint64, toMicroseconds bool) map[string]uint64 {
	agg := make(map[string]uint64)
	for _, r := range records {
		if len(r.Symbols) == 0 {
			continue
		}

		names := make([]string, 0, len(r.Symbols))
		for i := len(r.Symbols) - 1; i >= 0; i-- { // reverse order because flamegraphs expect root->leaf order
			names = append(names, r.Symbols[i])
		}
		for len(names) > 1 && names[len(names)-1] == symbolizer.UnknownSymbol {
			names = names[:len(names)-1]
		}
		for i, name := range names {
			names[i] = escapeFoldedName(name)
		}

		count := r.SampleCount
		if toMicroseconds {
			count *= samplingPeriod
		}
		agg[strings.Join(names, ";")] += count
	}
	return agg
}

// escapeFoldedName replaces the frame and line separators of the folded
// format; everything else in the name is kept as is.
func escapeFoldedName(name string) string {
	name = strings.ReplaceAll(name, ";", "_")
	return strings.ReplaceAll(name, "\n", " ")
}

// FormatFoldedStacks renders one "<stack> <count>" line per entry, ordered by
// stack so that equal inputs give byte-identical output. An empty map renders
// as no bytes at all.
func FormatFoldedStacks(agg map[string]uint64) []byte {
	keys := lo.Keys(agg)
	slices.Sort(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte(' ')
		buf.WriteString(strconv.FormatUint(agg[k], 10))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// FlamegraphData is the folded text plus the renderer arguments it needs.
type FlamegraphData struct {
	Folded       []byte
	RendererArgs []string
}

func NewFlamegraphData(agg map[string]uint64, toMicroseconds bool) *FlamegraphData {
	d := &FlamegraphData{Folded: FormatFoldedStacks(agg)}
	if toMicroseconds {
		d.RendererArgs = []string{"--countname", "us"}
	}
	return d
}
