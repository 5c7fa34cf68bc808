package symbolizer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

var symbolTableOrder = []SymbolTableKind{DefinedSymbols, DynamicSymbols}

// Builder turns the output of a SymbolSource into a SymbolIndex.
type Builder struct {
	source SymbolSource
}

func NewBuilder(source SymbolSource) *Builder {
	return &Builder{source: source}
}

// Build reads the defined symbols of the object at path, falling back to the
// dynamic symbol table when there are none.
func (b *Builder) Build(ctx context.Context, path string) (*SymbolIndex, error) {
	var entries []SymbolEntry
	var tried []SymbolTableKind
	for _, kind := range symbolTableOrder {
		tried = append(tried, kind)
		e, err := b.source.ListSymbols(ctx, path, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s of %s: %w", kind, path, err)
		}
		if len(e) > 0 {
			entries = e
			break
		}
		slog.Debug("Symbol table is empty", "path", path, "table", kind)
	}
	if len(entries) == 0 {
		return nil, &SymbolExtractionError{Path: path, Tried: tried}
	}

	bias, err := b.source.CodeSectionBias(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read code section layout of %s: %w", path, err)
	}

	idx := NewSymbolIndex(entries, bias)
	slog.Info("Loaded symbols", "path", path, "symbols", idx.Len(), "pre_link_base", fmt.Sprintf("0x%x", bias))
	return idx, nil
}

// CachingBuilder decorates an IndexBuilder so that every path is loaded at
// most once, also under concurrent requests. Failures are not cached.
type CachingBuilder struct {
	builder IndexBuilder
	group   singleflight.Group

	mu    sync.RWMutex
	cache map[string]*SymbolIndex
}

func NewCachingBuilder(builder IndexBuilder) *CachingBuilder {
	return &CachingBuilder{builder: builder, cache: make(map[string]*SymbolIndex)}
}

func (c *CachingBuilder) Build(ctx context.Context, path string) (*SymbolIndex, error) {
	if idx, ok := c.get(path); ok {
		return idx, nil
	}
	v, err, _ := c.group.Do(path, func() (any, error) {
		if idx, ok := c.get(path); ok {
			return idx, nil
		}
		idx, err := c.builder.Build(ctx, path)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[path] = idx
		c.mu.Unlock()
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*SymbolIndex), nil
}

func (c *CachingBuilder) get(path string) (*SymbolIndex, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.cache[path]
	return idx, ok
}
