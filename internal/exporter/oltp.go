package exporter

import (
	"fmt"

	"github.com/VladMinzatu/gperf2flamegraph/internal/profiler"
	v1 "go.opentelemetry.io/proto/otlp/common/v1"
	profilespb "go.opentelemetry.io/proto/otlp/profiles/v1development"
	resourceV1 "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/proto"
)

const (
	scopeName    = "gperf2flamegraph"
	scopeVersion = "v1"
)

type NowFunc func() uint64 // produces unix nsec

// dictionary interns strings, functions and locations; index 0 of every
// table is the zero value.
type dictionary struct {
	strings   []string
	stringIdx map[string]int32
	functions []*profilespb.Function
	funcIdx   map[string]int32
	locations []*profilespb.Location
	locIdx    map[uint64]int32
	stacks    []*profilespb.Stack
}

func newDictionary() *dictionary {
	return &dictionary{
		strings:   []string{""},
		stringIdx: map[string]int32{"": 0},
		functions: []*profilespb.Function{{}},
		funcIdx:   map[string]int32{},
		locations: []*profilespb.Location{{}},
		locIdx:    map[uint64]int32{},
		stacks:    []*profilespb.Stack{{}},
	}
}

func (d *dictionary) str(s string) int32 {
	if i, ok := d.stringIdx[s]; ok {
		return i
	}
	d.strings = append(d.strings, s)
	i := int32(len(d.strings) - 1)
	d.stringIdx[s] = i
	return i
}

func (d *dictionary) function(name string) int32 {
	if i, ok := d.funcIdx[name]; ok {
		return i
	}
	nameIdx := d.str(name)
	d.functions = append(d.functions, &profilespb.Function{NameStrindex: nameIdx, SystemNameStrindex: nameIdx})
	i := int32(len(d.functions) - 1)
	d.funcIdx[name] = i
	return i
}

// A pc always resolves to the same name within one trace, so locations are
// keyed by address alone.
func (d *dictionary) location(pc uint64, name string) int32 {
	if i, ok := d.locIdx[pc]; ok {
		return i
	}
	d.locations = append(d.locations, &profilespb.Location{
		Address:      pc,
		MappingIndex: 0,
		Lines:        []*profilespb.Line{{FunctionIndex: d.function(name), Line: 0}},
	})
	i := int32(len(d.locations) - 1)
	d.locIdx[pc] = i
	return i
}

func (d *dictionary) stack(locations []int32) int32 {
	d.stacks = append(d.stacks, &profilespb.Stack{LocationIndices: locations})
	return int32(len(d.stacks) - 1)
}

func (d *dictionary) proto() *profilespb.ProfilesDictionary {
	return &profilespb.ProfilesDictionary{
		MappingTable:  []*profilespb.Mapping{{}},
		LocationTable: d.locations,
		FunctionTable: d.functions,
		StackTable:    d.stacks,
		StringTable:   d.strings,
	}
}

// BuildOltpProfile converts resolved records into an OTLP profile. Stacks
// stay leaf-first, one location per distinct pc.
func BuildOltpProfile(records []profiler.StackRecord, samplingPeriod uint64, toMicroseconds bool, now NowFunc) *profilespb.ProfilesData {
	dict := newDictionary()

	sampleTypeName, sampleTypeUnit := "samples", "count"
	if toMicroseconds {
		sampleTypeName, sampleTypeUnit = "cpu", "microseconds"
	}
	sampleType := &profilespb.ValueType{
		TypeStrindex: dict.str(sampleTypeName),
		UnitStrindex: dict.str(sampleTypeUnit),
	}
	periodType := &profilespb.ValueType{
		TypeStrindex: dict.str("cpu"),
		UnitStrindex: dict.str("microseconds"),
	}

	samples := make([]*profilespb.Sample, 0, len(records))
	for _, r := range records {
		if len(r.Symbols) == 0 {
			continue
		}
		locs := make([]int32, len(r.PCs))
		for i, pc := range r.PCs {
			locs[i] = dict.location(pc, r.Symbols[i])
		}

		value := r.SampleCount
		if toMicroseconds {
			value *= samplingPeriod
		}
		samples = append(samples, &profilespb.Sample{
			StackIndex:       dict.stack(locs),
			Values:           []int64{int64(value)},
			AttributeIndices: []int32{},
			LinkIndex:        0,
		})
	}

	profile := &profilespb.Profile{
		TimeUnixNano: now(),
		DurationNano: uint64(0),
		SampleType:   sampleType,
		PeriodType:   periodType,
		Period:       int64(samplingPeriod),
		Samples:      samples,
	}

	resourceProfiles := &profilespb.ResourceProfiles{
		Resource: &resourceV1.Resource{},
		ScopeProfiles: []*profilespb.ScopeProfiles{
			{
				Scope: &v1.InstrumentationScope{
					Name:    scopeName,
					Version: scopeVersion,
				},
				Profiles: []*profilespb.Profile{profile},
			},
		},
	}

	return &profilespb.ProfilesData{
		ResourceProfiles: []*profilespb.ResourceProfiles{resourceProfiles},
		Dictionary:       dict.proto(),
	}
}

// MarshalOltpProfile encodes data in the protobuf wire format.
func MarshalOltpProfile(data *profilespb.ProfilesData) ([]byte, error) {
	b, err := proto.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode OTLP profile: %w", err)
	}
	return b, nil
}
