package breakpoint

import (
	"cmp"
	"slices"
	"sort"
)

// KeyID projects a breakpoint onto its identity.
func KeyID[C any](bp *Breakpoint[C]) ID {
	return bp.id
}

// KeyAddr projects a breakpoint onto its guest address.
func KeyAddr[C any](bp *Breakpoint[C]) GuestAddr {
	return bp.addr
}

// Set holds breakpoints in a single slice ordered by address, then identity.
// It can be probed by identity or by bare address without a second index.
//
// Nothing stops two breakpoints from sharing an address. ByAddr returns all of
// them and leaves the choice to the caller. Note that the engine keeps only one
// registration per address, so disabling one of them disarms the address for
// the others as well.
//
// A Set is not safe for concurrent use.
type Set[C any] struct {
	items []*Breakpoint[C]
}

func NewSet[C any]() *Set[C] {
	return &Set[C]{}
}

func compareEntries[C any](a, b *Breakpoint[C]) int {
	if c := cmp.Compare(KeyAddr(a), KeyAddr(b)); c != 0 {
		return c
	}
	return cmp.Compare(KeyID(a), KeyID(b))
}

// Insert adds bp. It returns false if a breakpoint with the same identity is
// already present.
func (s *Set[C]) Insert(bp *Breakpoint[C]) bool {
	if _, found := s.ByID(KeyID(bp)); found {
		return false
	}

	i, _ := slices.BinarySearchFunc(s.items, bp, compareEntries[C])
	s.items = slices.Insert(s.items, i, bp)

	return true
}

// lowerBound returns the index of the first entry at or above addr.
func (s *Set[C]) lowerBound(addr GuestAddr) int {
	return sort.Search(len(s.items), func(i int) bool {
		return KeyAddr(s.items[i]) >= addr
	})
}

// addrRange returns the half open index range of entries at addr.
func (s *Set[C]) addrRange(addr GuestAddr) (int, int) {
	start := s.lowerBound(addr)
	end := start
	for end < len(s.items) && KeyAddr(s.items[end]) == addr {
		end++
	}
	return start, end
}

// ByID returns the breakpoint with the given identity.
func (s *Set[C]) ByID(id ID) (*Breakpoint[C], bool) {
	i := slices.IndexFunc(s.items, func(bp *Breakpoint[C]) bool {
		return KeyID(bp) == id
	})
	if i < 0 {
		return nil, false
	}
	return s.items[i], true
}

// ByAddr returns every breakpoint watching addr, ordered by identity. More
// than one result means the address is shared; the set does not pick one.
func (s *Set[C]) ByAddr(addr GuestAddr) []*Breakpoint[C] {
	start, end := s.addrRange(addr)
	if start == end {
		return nil
	}
	return slices.Clone(s.items[start:end])
}

func (s *Set[C]) HasAddr(addr GuestAddr) bool {
	start, end := s.addrRange(addr)
	return start != end
}

// Remove drops the breakpoint with the given identity from the set. The engine
// is not touched, disable the breakpoint first.
func (s *Set[C]) Remove(id ID) (*Breakpoint[C], bool) {
	i := slices.IndexFunc(s.items, func(bp *Breakpoint[C]) bool {
		return KeyID(bp) == id
	})
	if i < 0 {
		return nil, false
	}

	bp := s.items[i]
	s.items = slices.Delete(s.items, i, i+1)

	return bp, true
}

// RemoveAddr drops every breakpoint at addr and returns them.
func (s *Set[C]) RemoveAddr(addr GuestAddr) []*Breakpoint[C] {
	start, end := s.addrRange(addr)
	if start == end {
		return nil
	}

	removed := slices.Clone(s.items[start:end])
	s.items = slices.Delete(s.items, start, end)

	return removed
}

// All returns the breakpoints ordered by address, then identity.
func (s *Set[C]) All() []*Breakpoint[C] {
	return slices.Clone(s.items)
}

func (s *Set[C]) Len() int {
	return len(s.items)
}
