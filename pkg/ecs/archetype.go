package ecs

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/latticelabs/lattice/pkg/metrics"
	"github.com/latticelabs/lattice/pkg/types"
)

// archetype is one node of the archetype graph: the canonical sorted
// component vector, the dense list of entities holding exactly that set, and
// cached edges to neighbours reachable by adding or removing one component.
type archetype struct {
	id       int
	comps    []types.ComponentID // sorted ascending
	hash     uint64
	entities []types.Entity
	addEdge  map[types.ComponentID]*archetype
	remEdge  map[types.ComponentID]*archetype
}

func (a *archetype) contains(c types.ComponentID) bool {
	i := sort.Search(len(a.comps), func(i int) bool { return a.comps[i] >= c })
	return i < len(a.comps) && a.comps[i] == c
}

// hashComps hashes the sorted component vector. Identical sets hash
// identically across worlds, which keeps checkpoint images portable.
func hashComps(comps []types.ComponentID) uint64 {
	h := xxhash.New()
	var buf [4]byte
	for _, c := range comps {
		binary.LittleEndian.PutUint32(buf[:], uint32(c))
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// nodeFor returns the node with exactly the given sorted component set,
// creating it lazily.
func (w *World) nodeFor(comps []types.ComponentID) *archetype {
	h := hashComps(comps)
	if n, ok := w.byHash[h]; ok {
		return n
	}
	n := &archetype{
		id:      len(w.nodes),
		comps:   append([]types.ComponentID(nil), comps...),
		hash:    h,
		addEdge: make(map[types.ComponentID]*archetype),
		remEdge: make(map[types.ComponentID]*archetype),
	}
	w.nodes = append(w.nodes, n)
	w.byHash[h] = n
	w.archVersion++
	metrics.ArchetypesTotal.Set(float64(len(w.nodes)))
	return n
}

// withComponent returns the neighbour of n that additionally holds c,
// following the cached edge when present.
func (w *World) withComponent(n *archetype, c types.ComponentID) *archetype {
	if n.contains(c) {
		return n
	}
	if next, ok := n.addEdge[c]; ok {
		return next
	}
	comps := make([]types.ComponentID, 0, len(n.comps)+1)
	inserted := false
	for _, existing := range n.comps {
		if !inserted && c < existing {
			comps = append(comps, c)
			inserted = true
		}
		comps = append(comps, existing)
	}
	if !inserted {
		comps = append(comps, c)
	}
	next := w.nodeFor(comps)
	n.addEdge[c] = next
	next.remEdge[c] = n
	return next
}

// withoutComponent returns the neighbour of n lacking c.
func (w *World) withoutComponent(n *archetype, c types.ComponentID) *archetype {
	if !n.contains(c) {
		return n
	}
	if next, ok := n.remEdge[c]; ok {
		return next
	}
	comps := make([]types.ComponentID, 0, len(n.comps)-1)
	for _, existing := range n.comps {
		if existing != c {
			comps = append(comps, existing)
		}
	}
	next := w.nodeFor(comps)
	n.remEdge[c] = next
	next.addEdge[c] = n
	return next
}
