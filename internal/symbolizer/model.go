package symbolizer

import (
	"context"
	"fmt"
)

// UnknownSymbol stands in for an address that no loaded object could resolve.
const UnknownSymbol = "???"

type SymbolEntry struct {
	Addr uint64
	Name string
}

type SymbolTableKind int

const (
	DefinedSymbols SymbolTableKind = iota
	DynamicSymbols
)

func (k SymbolTableKind) String() string {
	switch k {
	case DefinedSymbols:
		return "defined symbols"
	case DynamicSymbols:
		return "dynamic symbols"
	default:
		return fmt.Sprintf("symbol table %d", int(k))
	}
}

// SymbolSource extracts symbol tables and section layout from object files.
type SymbolSource interface {
	ListSymbols(ctx context.Context, path string, kind SymbolTableKind) ([]SymbolEntry, error)
	// CodeSectionBias returns vma - file offset of the code section, or 0 if
	// the object has none.
	CodeSectionBias(ctx context.Context, path string) (uint64, error)
}

type IndexBuilder interface {
	Build(ctx context.Context, path string) (*SymbolIndex, error)
}

// SymbolExtractionError is returned when none of the symbol tables of an
// object yielded a single symbol.
type SymbolExtractionError struct {
	Path  string
	Tried []SymbolTableKind
}

func (e *SymbolExtractionError) Error() string {
	return fmt.Sprintf("failed to extract symbols from %s (tried %v)", e.Path, e.Tried)
}
