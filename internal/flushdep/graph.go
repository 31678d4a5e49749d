// Package flushdep tracks flush dependencies between cached metadata
// entries. An edge from child to parent means the child must be written
// before the parent may be evicted. Edges are keyed by Handle rather than by
// file address so that relocating an entry does not invalidate them.
package flushdep

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

// Handle identifies a cache entry for flush-dependency purposes. The zero
// Handle means "no entry".
type Handle uint64

const None Handle = 0

type edge struct {
	parent Handle
	child  Handle
}

func edgeLess(a, b edge) bool {
	if a.parent != b.parent {
		return a.parent < b.parent
	}
	return a.child < b.child
}

// Graph holds every live child -> parent edge.
type Graph struct {
	mu      sync.Mutex
	edges   *btree.BTreeG[edge] // ordered by (parent, child)
	parents map[Handle][]Handle // child -> parents
	next    atomic.Uint64
}

func NewGraph() *Graph {
	return &Graph{
		edges:   btree.NewG[edge](8, edgeLess),
		parents: make(map[Handle][]Handle),
	}
}

// NewHandle allocates a fresh non-zero handle.
func (g *Graph) NewHandle() Handle {
	return Handle(g.next.Add(1))
}

// Create records that child must flush before parent may be evicted.
// Creating an edge that already exists is a bookkeeping error and panics.
func (g *Graph) Create(parent, child Handle) {
	if parent == None || child == None {
		panic(fmt.Sprintf("flushdep: create with zero handle: parent=%d child=%d", parent, child))
	}
	if parent == child {
		panic(fmt.Sprintf("flushdep: self dependency on %d", parent))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	e := edge{parent: parent, child: child}
	if g.edges.Has(e) {
		panic(fmt.Sprintf("flushdep: duplicate dependency %d -> %d", child, parent))
	}
	g.edges.ReplaceOrInsert(e)
	g.parents[child] = append(g.parents[child], parent)
}

// Destroy removes an edge created by Create. Destroying an edge that does
// not exist panics.
func (g *Graph) Destroy(parent, child Handle) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.edges.Delete(edge{parent: parent, child: child}); !ok {
		panic(fmt.Sprintf("flushdep: no dependency %d -> %d", child, parent))
	}

	ps := g.parents[child]
	for i, p := range ps {
		if p == parent {
			ps = append(ps[:i], ps[i+1:]...)
			break
		}
	}
	if len(ps) == 0 {
		delete(g.parents, child)
	} else {
		g.parents[child] = ps
	}
}

// Has reports whether the edge child -> parent exists.
func (g *Graph) Has(parent, child Handle) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.edges.Has(edge{parent: parent, child: child})
}

// Parents returns the handles child depends on.
func (g *Graph) Parents(child Handle) []Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Handle(nil), g.parents[child]...)
}

// Children returns the handles that must flush before parent, in handle
// order.
func (g *Graph) Children(parent Handle) []Handle {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []Handle
	g.edges.AscendGreaterOrEqual(edge{parent: parent}, func(e edge) bool {
		if e.parent != parent {
			return false
		}
		out = append(out, e.child)
		return true
	})
	return out
}

func (g *Graph) HasChildren(parent Handle) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	found := false
	g.edges.AscendGreaterOrEqual(edge{parent: parent}, func(e edge) bool {
		found = e.parent == parent
		return false
	})
	return found
}

func (g *Graph) HasParents(child Handle) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.parents[child]) > 0
}

// Len returns the number of live edges.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.edges.Len()
}
