package emulator

import (
	"sort"

	"github.com/aivorynet/breakharness/pkg/breakpoint"
)

// Edge is a control transfer between two instructions. Exits are recorded as
// an edge from the exiting instruction to itself.
type Edge struct {
	From breakpoint.GuestAddr
	To   breakpoint.GuestAddr
}

// Coverage counts how often each edge was taken.
type Coverage struct {
	edges map[Edge]uint64
}

func NewCoverage() *Coverage {
	return &Coverage{edges: make(map[Edge]uint64)}
}

func (c *Coverage) Hit(from, to breakpoint.GuestAddr) {
	c.edges[Edge{From: from, To: to}]++
}

// Len returns the number of distinct edges.
func (c *Coverage) Len() int {
	return len(c.edges)
}

func (c *Coverage) Count(e Edge) uint64 {
	return c.edges[e]
}

// Merge adds the counts of other and returns how many edges were new.
func (c *Coverage) Merge(other *Coverage) int {
	added := 0
	for e, n := range other.edges {
		if _, found := c.edges[e]; !found {
			added++
		}
		c.edges[e] += n
	}
	return added
}

// Edges returns all edges ordered by source, then destination.
func (c *Coverage) Edges() []Edge {
	edges := make([]Edge, 0, len(c.edges))
	for e := range c.edges {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return edges
}

func (c *Coverage) Reset() {
	for e := range c.edges {
		delete(c.edges, e)
	}
}

func (c *Coverage) Clone() *Coverage {
	clone := &Coverage{edges: make(map[Edge]uint64, len(c.edges))}
	for e, n := range c.edges {
		clone.edges[e] = n
	}
	return clone
}
