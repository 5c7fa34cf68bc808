package pprof

import (
	"bytes"
	"fmt"

	"github.com/VladMinzatu/gperf2flamegraph/internal/profiler"
	"github.com/google/pprof/profile"
)

// BuildPprofProfile converts resolved records into a pprof profile with one
// location per distinct pc and one function per distinct name. Records
// without symbols are skipped.
func BuildPprofProfile(records []profiler.StackRecord, samplingPeriod uint64, toMicroseconds bool) (*profile.Profile, error) {
	sampleType := &profile.ValueType{Type: "samples", Unit: "count"}
	if toMicroseconds {
		sampleType = &profile.ValueType{Type: "cpu", Unit: "microseconds"}
	}
	p := &profile.Profile{
		SampleType: []*profile.ValueType{sampleType},
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "microseconds"},
		Period:     int64(samplingPeriod),
	}

	funcs := map[string]*profile.Function{}
	locMap := map[uint64]*profile.Location{}
	nextFuncID := uint64(1)
	nextLocID := uint64(1)

	addFunction := func(name string) *profile.Function {
		if f, ok := funcs[name]; ok {
			return f
		}
		fn := &profile.Function{
			ID:         nextFuncID,
			Name:       name,
			SystemName: name,
		}
		nextFuncID++
		funcs[name] = fn
		p.Function = append(p.Function, fn)
		return fn
	}

	addLocation := func(pc uint64, name string) *profile.Location {
		if loc, ok := locMap[pc]; ok {
			return loc
		}
		loc := &profile.Location{
			ID:      nextLocID,
			Address: pc,
			Line:    []profile.Line{{Function: addFunction(name), Line: 0}},
		}
		nextLocID++
		locMap[pc] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	for _, r := range records {
		if len(r.Symbols) == 0 {
			continue
		}
		// pprof assumes stacks are in leaf-to-root order, i.e. stack[0] is leaf (innermost)
		locs := make([]*profile.Location, 0, len(r.PCs))
		for i, pc := range r.PCs {
			locs = append(locs, addLocation(pc, r.Symbols[i]))
		}

		val := r.SampleCount
		if toMicroseconds {
			val *= samplingPeriod
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Value:    []int64{int64(val)},
			Location: locs,
		})
	}

	if err := p.CheckValid(); err != nil {
		return nil, fmt.Errorf("built an invalid pprof profile: %w", err)
	}
	return p, nil
}

// EncodeProfile serializes p in the gzip-compressed protobuf format that
// `go tool pprof` reads.
func EncodeProfile(p *profile.Profile) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode pprof profile: %w", err)
	}
	return buf.Bytes(), nil
}
