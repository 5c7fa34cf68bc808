package symbolizer

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"

	"golang.org/x/sync/errgroup"
)

type ResolveOptions struct {
	// Simplify replaces raw names with CleanupName output.
	Simplify bool
	// AnnotateOrigin appends " [<file name>]" to symbols of shared objects.
	AnnotateOrigin bool
	Parallelism    int
}

// Resolver maps runtime addresses to symbol names across all loaded objects.
type Resolver struct {
	objects []*LoadedObject
	names   *NameCache
}

func NewResolver(objects []*LoadedObject, names *NameCache) *Resolver {
	return &Resolver{objects: objects, names: names}
}

// ResolveBatch resolves a set of distinct addresses in one go. Addresses
// outside every object, or below an object's first symbol, are left out of
// the result. It only fails when ctx is done before every object was
// searched.
func (r *Resolver) ResolveBatch(ctx context.Context, pcs []uint64, opts ResolveOptions) (map[uint64]string, error) {
	sorted := slices.Clone(pcs)
	slices.Sort(sorted)

	partial := make([]map[uint64]string, len(r.objects))
	g, ctx := errgroup.WithContext(ctx)
	if opts.Parallelism > 0 {
		g.SetLimit(opts.Parallelism)
	}
	for i, obj := range r.objects {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			partial[i] = r.resolveObject(obj, sorted, opts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("symbol resolution interrupted: %w", err)
	}

	result := make(map[uint64]string, len(pcs))
	for _, m := range partial {
		maps.Copy(result, m)
	}
	slog.Debug("Resolved addresses", "requested", len(pcs), "resolved", len(result), "objects", len(r.objects))
	return result, nil
}

// pcs must be sorted.
func (r *Resolver) resolveObject(obj *LoadedObject, pcs []uint64, opts ResolveOptions) map[uint64]string {
	from, _ := slices.BinarySearch(pcs, obj.Start)
	to, _ := slices.BinarySearch(pcs, obj.End)
	if to < from {
		return nil
	}

	out := make(map[uint64]string, to-from)
	for _, pc := range pcs[from:to] {
		sym, ok := obj.Index.Lookup(obj.Translate(pc))
		if !ok {
			continue
		}
		out[pc] = r.displayName(obj, sym, opts)
	}
	return out
}

func (r *Resolver) displayName(obj *LoadedObject, sym SymbolEntry, opts ResolveOptions) string {
	name := sym.Name
	if opts.Simplify {
		name = r.names.Cleanup(name)
	}
	if opts.AnnotateOrigin && !obj.IsExecutable {
		name += " [" + filepath.Base(obj.Path) + "]"
	}
	return name
}
