package symbolizer

import (
	"cmp"
	"slices"
	"sort"
)

// SymbolIndex is an address-sorted symbol table of a single object file.
// It is never modified after construction.
type SymbolIndex struct {
	addrs   []uint64
	entries []SymbolEntry

	// PreLinkBase undoes the skew between file offsets and link-time
	// virtual addresses of the object's code.
	PreLinkBase uint64
}

func NewSymbolIndex(entries []SymbolEntry, preLinkBase uint64) *SymbolIndex {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b SymbolEntry) int { return cmp.Compare(a.Addr, b.Addr) })

	addrs := make([]uint64, len(sorted))
	for i, e := range sorted {
		addrs[i] = e.Addr
	}
	return &SymbolIndex{addrs: addrs, entries: sorted, PreLinkBase: preLinkBase}
}

func (x *SymbolIndex) Len() int { return len(x.entries) }

// Lookup returns the symbol with the greatest address <= addr.
func (x *SymbolIndex) Lookup(addr uint64) (SymbolEntry, bool) {
	i := sort.Search(len(x.addrs), func(i int) bool { return x.addrs[i] > addr })
	if i == 0 {
		return SymbolEntry{}, false
	}
	return x.entries[i-1], true
}
