package ecs

import (
	"github.com/latticelabs/lattice/pkg/metrics"
	"github.com/latticelabs/lattice/pkg/sparse"
	"github.com/latticelabs/lattice/pkg/types"
)

type archImage struct {
	comps    []types.ComponentID
	entities []types.Entity
}

type cellImage struct {
	row     uint32
	value   any
	version types.Tick
}

// Image is a structural snapshot of a world sufficient to restore its exact
// observable state: per-archetype entity lists, row assignments, tracked
// cells with versions, resources and the tick.
type Image struct {
	tick        types.Tick
	nextOrdinal uint32
	nextRow     uint32
	archs       []archImage
	rows        map[types.Entity]uint32
	cells       map[types.ComponentID][]cellImage
	resources   map[types.ComponentID]any
}

// Tick returns the tick the image was captured at.
func (img *Image) Tick() types.Tick {
	return img.tick
}

// Capture snapshots the world. Cell values are copied for the tracked
// components only; untracked components keep whatever values the live
// columns hold when the image is restored.
func (w *World) Capture(tracked []types.ComponentID) *Image {
	img := &Image{
		tick:        w.tick,
		nextOrdinal: w.nextOrdinal,
		nextRow:     w.nextRow,
		rows:        make(map[types.Entity]uint32),
		cells:       make(map[types.ComponentID][]cellImage),
		resources:   make(map[types.ComponentID]any),
	}

	for _, n := range w.nodes {
		if len(n.entities) == 0 {
			continue
		}
		img.archs = append(img.archs, archImage{
			comps:    n.comps,
			entities: append([]types.Entity(nil), n.entities...),
		})
		for _, e := range n.entities {
			if l, ok := w.locs.Get(e.Ordinal()); ok {
				img.rows[e] = l.row
			}
		}
	}

	for _, c := range tracked {
		if w.reg.IsTag(c) {
			continue
		}
		col := w.column(c)
		var cells []cellImage
		for _, n := range w.nodes {
			if !n.contains(c) {
				continue
			}
			for _, e := range n.entities {
				l, _ := w.locs.Get(e.Ordinal())
				col.grow(l.row)
				cells = append(cells, cellImage{
					row:     l.row,
					value:   col.values[l.row],
					version: col.versions[l.row],
				})
			}
		}
		img.cells[c] = cells
	}

	for c, v := range w.resources {
		img.resources[c] = v
	}
	return img
}

// Restore reinstalls the image: entity lists, row assignments, tracked
// cells, resources and tick. Rows created after the capture are truncated.
// Mutation observers are paused for the duration.
func (w *World) Restore(img *Image) {
	w.PauseJournal()
	defer w.ResumeJournal()

	for _, n := range w.nodes {
		n.entities = n.entities[:0]
	}
	w.locs = sparse.NewMap[loc]()
	w.relSubjects = make(map[types.ComponentID]*sparse.Set)

	// Truncate cells belonging to rows that did not exist at capture time.
	for _, col := range w.columns {
		if col == nil {
			continue
		}
		for row := img.nextRow; row < uint32(len(col.values)); row++ {
			col.values[row] = nil
			col.versions[row] = 0
		}
	}

	live := 0
	for _, a := range img.archs {
		node := w.nodeFor(a.comps)
		for _, e := range a.entities {
			slot := len(node.entities)
			node.entities = append(node.entities, e)
			w.locs.Set(e.Ordinal(), loc{row: img.rows[e], node: node, slot: slot})
			for _, c := range node.comps {
				w.trackVirtual(e, c, true)
			}
			live++
		}
	}

	for c, cells := range img.cells {
		col := w.column(c)
		for _, cell := range cells {
			col.grow(cell.row)
			col.values[cell.row] = cell.value
			col.versions[cell.row] = cell.version
		}
	}

	w.resources = make(map[types.ComponentID]any, len(img.resources))
	for c, v := range img.resources {
		w.resources[c] = v
	}

	w.tick = img.tick
	w.nextOrdinal = img.nextOrdinal
	w.nextRow = img.nextRow
	w.transitions = w.transitions[:0]

	metrics.EntitiesLive.WithLabelValues(w.domainLabel).Set(float64(live))
}
