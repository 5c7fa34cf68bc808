package symbolizer

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ianlancetaylor/demangle"
)

// ElfSymbolSource reads symbol tables in-process with debug/elf. Names are
// demangled the way `nm -C` prints them.
type ElfSymbolSource struct {
	codeSection     string
	demangleOptions []demangle.Option
}

func NewElfSymbolSource(demangleOptions ...demangle.Option) *ElfSymbolSource {
	return &ElfSymbolSource{codeSection: ".text", demangleOptions: demangleOptions}
}

func (s *ElfSymbolSource) ListSymbols(_ context.Context, path string, kind SymbolTableKind) ([]SymbolEntry, error) {
	slog.Debug("Loading ELF symbols", "path", path, "table", kind)
	ef, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer ef.Close()

	var syms []elf.Symbol
	switch kind {
	case DefinedSymbols:
		syms, err = ef.Symbols()
	case DynamicSymbols:
		syms, err = ef.DynamicSymbols()
	default:
		return nil, fmt.Errorf("unsupported symbol table: %v", kind)
	}
	if errors.Is(err, elf.ErrNoSymbols) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entries := make([]SymbolEntry, 0, len(syms))
	for _, sym := range syms {
		if sym.Section == elf.SHN_UNDEF || sym.Name == "" {
			continue
		}
		switch elf.ST_TYPE(sym.Info) {
		case elf.STT_SECTION, elf.STT_FILE:
			continue
		}
		entries = append(entries, SymbolEntry{Addr: sym.Value, Name: demangle.Filter(sym.Name, s.demangleOptions...)})
	}
	return entries, nil
}

func (s *ElfSymbolSource) CodeSectionBias(_ context.Context, path string) (uint64, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return 0, err
	}
	defer ef.Close()

	sec := ef.Section(s.codeSection)
	if sec == nil || sec.Type != elf.SHT_PROGBITS {
		return 0, nil
	}
	return sec.Addr - sec.Offset, nil
}
