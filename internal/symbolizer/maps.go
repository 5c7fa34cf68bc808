package symbolizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const buildIDMarker = "build="

// MappedObject is an executable mapping of an object file, [Start, End).
type MappedObject struct {
	Start, End   uint64
	Offset       uint64
	Path         string
	IsExecutable bool
}

func (o *MappedObject) Contains(pc uint64) bool {
	return pc >= o.Start && pc < o.End
}

type LoadedObject struct {
	MappedObject
	Index *SymbolIndex
}

// Translate maps a runtime pc inside the object to the address space of its
// symbol table.
func (o *LoadedObject) Translate(pc uint64) uint64 {
	return pc - o.Start + o.Offset + o.Index.PreLinkBase
}

type MapOptions struct {
	// ExecutableOnly drops every mapping but the primary executable's.
	ExecutableOnly bool
	// Fs is used to check that backing files exist. Defaults to the OS filesystem.
	Fs afero.Fs
}

var errNotExecutable = errors.New("mapping is not executable")

// ParseMappedObjects extracts the executable, file-backed mappings from a
// memory map snapshot, in the order they appear.
//
// executablePath is the main program on this machine. A mapping whose file
// name matches it is the primary executable, and executablePath replaces the
// recorded path so that relocated or renamed binaries still resolve.
func ParseMappedObjects(text, executablePath string, opts MapOptions) []MappedObject {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	var objects []MappedObject
	for line := range strings.Lines(text) {
		line = strings.TrimRight(line, "\r\n")
		if line == "" || strings.HasPrefix(line, buildIDMarker) {
			continue
		}
		obj, err := parseMapEntry(line, executablePath)
		if err != nil {
			if !errors.Is(err, errNotExecutable) {
				slog.Debug("Skipping map entry", "line", line, "error", err)
			}
			continue
		}
		if opts.ExecutableOnly && !obj.IsExecutable {
			continue
		}
		exists, err := afero.Exists(fs, obj.Path)
		if err != nil || !exists {
			slog.Debug("Skipping mapped object without backing file", "path", obj.Path, "error", err)
			continue
		}
		objects = append(objects, obj)
	}
	return objects
}

// Example format:
//
//	00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/myprog
func parseMapEntry(line, executablePath string) (MappedObject, error) {
	parts := strings.Fields(line)
	if len(parts) != 6 {
		return MappedObject{}, fmt.Errorf("want 6 fields, got %d", len(parts))
	}
	if !strings.Contains(parts[1], "x") {
		return MappedObject{}, errNotExecutable
	}
	startStr, endStr, ok := strings.Cut(parts[0], "-")
	if !ok {
		return MappedObject{}, fmt.Errorf("invalid address range %q", parts[0])
	}
	start, err1 := strconv.ParseUint(startStr, 16, 64)
	end, err2 := strconv.ParseUint(endStr, 16, 64)
	off, err3 := strconv.ParseUint(parts[2], 16, 64)
	if err := errors.Join(err1, err2, err3); err != nil {
		return MappedObject{}, fmt.Errorf("failed to parse numeric fields: %w", err)
	}

	path := parts[5]
	isExecutable := filepath.Base(path) == filepath.Base(executablePath)
	if isExecutable {
		path = executablePath
	}
	return MappedObject{Start: start, End: end, Offset: off, Path: path, IsExecutable: isExecutable}, nil
}

// LoadObjects builds the symbol index of every mapped object. The first
// failure aborts the whole load: an object without symbols would silently
// turn all of its frames into unknowns.
func LoadObjects(ctx context.Context, mapped []MappedObject, builder IndexBuilder, parallelism int) ([]*LoadedObject, error) {
	loaded := make([]*LoadedObject, len(mapped))
	g, ctx := errgroup.WithContext(ctx)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}
	for i, m := range mapped {
		g.Go(func() error {
			idx, err := builder.Build(ctx, m.Path)
			if err != nil {
				return fmt.Errorf("failed to load symbols for %s mapped at 0x%x-0x%x: %w", m.Path, m.Start, m.End, err)
			}
			loaded[i] = &LoadedObject{MappedObject: m, Index: idx}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return loaded, nil
}
