package profiler

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

const (
	headerSlots   = 3
	headerVersion = 0
	wordSize      = 8

	// records are read word by word, so this only bounds the initial allocation
	maxPreallocPCs = 256
)

// StackRecord is one sampled call stack as stored in the trace.
// PCs are leaf-first. Symbols stays nil until the stack has been resolved.
type StackRecord struct {
	SampleCount uint64
	PCs         []uint64
	Symbols     []string
}

type Trace struct {
	// SamplingPeriod is the number of microseconds represented by one sample.
	SamplingPeriod uint64
	Records        []StackRecord
	// MapText is the memory map snapshot appended after the record stream.
	MapText string
}

// FormatError reports a trace that violates the binary layout, including
// streams that end before the trailer has been read.
type FormatError struct {
	Offset int64
	Field  string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	var b strings.Builder
	b.WriteString(e.Reason)
	if e.Field != "" {
		fmt.Fprintf(&b, " (%s)", e.Field)
	}
	fmt.Fprintf(&b, " at offset %d", e.Offset)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *FormatError) Unwrap() error { return e.Err }

// DecodeFile opens path on fs and decodes its content as a trace.
func DecodeFile(fs afero.Fs, path string) (*Trace, error) {
	slog.Info("Reading profiler trace", "path", path)
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open profiler trace %s: %w", path, err)
	}
	defer f.Close()

	trace, err := Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("failed to decode profiler trace %s: %w", path, err)
	}
	return trace, nil
}

// Decode parses a complete trace: header, record stream up to the trailer,
// and the trailing memory map text.
//
// Layout, all little-endian 64-bit words:
//
//	header:  0 3 0 <sampling period us> 0
//	record:  <sample count> <n> <pc_1> ... <pc_n>
//	trailer: 0 1 <ignored>
//	tail:    memory map text
func Decode(r io.Reader) (*Trace, error) {
	wr := &wordReader{r: r}

	var header [5]uint64
	fields := [5]string{"count", "slot_count", "version", "sampling_period", "padding"}
	for i := range header {
		w, err := wr.next(fields[i])
		if err != nil {
			return nil, err
		}
		header[i] = w
	}
	if err := validateHeader(header, fields); err != nil {
		return nil, err
	}

	trace := &Trace{SamplingPeriod: header[3]}
	for {
		recordOffset := wr.off
		count, err := wr.next("sample_count")
		if err != nil {
			return nil, err
		}
		numPCs, err := wr.next("num_pcs")
		if err != nil {
			return nil, err
		}

		if count == 0 {
			if numPCs != 1 {
				return nil, &FormatError{
					Offset: recordOffset,
					Field:  "num_pcs",
					Reason: fmt.Sprintf("invalid trailer: want 1 trailing word, got %d", numPCs),
				}
			}
			if _, err := wr.next("trailer"); err != nil {
				return nil, err
			}
			break
		}

		pcs := make([]uint64, 0, min(numPCs, maxPreallocPCs))
		for i := uint64(0); i < numPCs; i++ {
			pc, err := wr.next("pc")
			if err != nil {
				return nil, err
			}
			pcs = append(pcs, pc)
		}
		trace.Records = append(trace.Records, StackRecord{SampleCount: count, PCs: pcs})
	}

	tail, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory map at offset %d: %w", wr.off, err)
	}
	trace.MapText = lossyText(tail)

	slog.Debug("Decoded profiler trace",
		"records", len(trace.Records),
		"sampling_period_us", trace.SamplingPeriod,
		"map_bytes", len(tail))
	return trace, nil
}

func validateHeader(header [5]uint64, fields [5]string) error {
	want := [5]uint64{0, headerSlots, headerVersion, header[3], 0}
	for i := range header {
		if header[i] != want[i] {
			return &FormatError{
				Offset: int64(i * wordSize),
				Field:  fields[i],
				Reason: fmt.Sprintf("invalid header: want %d, got %d", want[i], header[i]),
			}
		}
	}
	return nil
}

// lossyText never fails: ill-formed UTF-8 bytes are replaced with U+FFFD.
func lossyText(b []byte) string {
	out, _, err := transform.Bytes(runes.ReplaceIllFormed(), b)
	if err != nil {
		return strings.ToValidUTF8(string(b), "\uFFFD")
	}
	return string(out)
}

type wordReader struct {
	r   io.Reader
	off int64
	buf [wordSize]byte
}

func (w *wordReader) next(field string) (uint64, error) {
	n, err := io.ReadFull(w.r, w.buf[:])
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, &FormatError{Offset: w.off, Field: field, Reason: "truncated stream", Err: io.ErrUnexpectedEOF}
		}
		return 0, fmt.Errorf("failed to read %s at offset %d: %w", field, w.off, err)
	}
	w.off += int64(n)
	return binary.LittleEndian.Uint64(w.buf[:]), nil
}
