package ecs

import (
	"github.com/latticelabs/lattice/pkg/types"
)

type termKind uint8

const (
	termRead termKind = iota
	termWrite
	termHas
	termNot
	termEntity
	termPair
	termRelAny
)

// Term is one clause of a query descriptor.
type Term struct {
	kind termKind
	comp types.ComponentID
	rel  types.RelationID
	obj  types.Entity
}

// Read selects the component's value; the component is required.
func Read(c types.ComponentID) Term { return Term{kind: termRead, comp: c} }

// Write selects the component's value and marks the row write-observable:
// yielded rows have their cell version stamped with the current tick whether
// or not the caller mutates.
func Write(c types.ComponentID) Term { return Term{kind: termWrite, comp: c} }

// Has requires the component without selecting it.
func Has(c types.ComponentID) Term { return Term{kind: termHas, comp: c} }

// Not forbids the component.
func Not(c types.ComponentID) Term { return Term{kind: termNot, comp: c} }

// Entity selects the entity ID.
func Entity() Term { return Term{kind: termEntity} }

// HasPair requires the virtual component for a specific (relation, object)
// pair.
func HasPair(rel types.RelationID, object types.Entity) Term {
	return Term{kind: termPair, rel: rel, obj: object}
}

// HasRel requires any virtual component of the relation, matching every
// object (wildcard).
func HasRel(rel types.RelationID) Term { return Term{kind: termRelAny, rel: rel} }

type queryOp uint8

const (
	opAll queryOp = iota
	opJoin
	opIn
	opOut
)

// QueryDesc is a query descriptor tree. Build with All, Join, In, Out and
// Unique; compile against a world with World.Query.
type QueryDesc struct {
	op      queryOp
	terms   []Term
	left    *QueryDesc
	right   *QueryDesc
	joinRel types.RelationID
	hasRel  bool
	unique  bool
}

// All matches entities whose archetype satisfies every term.
func All(terms ...Term) QueryDesc {
	return QueryDesc{op: opAll, terms: terms}
}

// Join iterates pairs from the left and right sides. The Cartesian product
// of matching rows is produced; callers filter further.
func Join(left, right QueryDesc) QueryDesc {
	return QueryDesc{op: opJoin, left: &left, right: &right}
}

// JoinRel iterates pairs where the right entity is a relation-object of the
// left entity under rel.
func JoinRel(left, right QueryDesc, rel types.RelationID) QueryDesc {
	return QueryDesc{op: opJoin, left: &left, right: &right, joinRel: rel, hasRel: true}
}

// In yields only rows that entered the match set during the current tick.
func In(q QueryDesc) QueryDesc {
	inner := q
	return QueryDesc{op: opIn, left: &inner}
}

// Out yields only rows that left the match set during the current tick.
func Out(q QueryDesc) QueryDesc {
	inner := q
	return QueryDesc{op: opOut, left: &inner}
}

// Unique marks the query as a singleton: One returns the single match or
// ErrNotUnique.
func Unique(q QueryDesc) QueryDesc {
	q.unique = true
	return q
}

// AccessKey identifies a dependency-graph vertex: a component ID or, for
// relation terms whose virtual components are not statically known, the
// relation ID.
type AccessKey uint64

// ComponentKey builds the access key for a component.
func ComponentKey(c types.ComponentID) AccessKey { return AccessKey(c) }

// RelationKey builds the access key for a relation.
func RelationKey(rel types.RelationID) AccessKey { return AccessKey(rel) | 1<<40 }

// Access collects the read and write keys the descriptor declares, join and
// event wrappers included. The scheduler derives ordering edges from these.
func (d QueryDesc) Access() (reads, writes []AccessKey) {
	d.collectAccess(&reads, &writes)
	return reads, writes
}

func (d QueryDesc) collectAccess(reads, writes *[]AccessKey) {
	for _, t := range d.terms {
		switch t.kind {
		case termRead, termHas:
			*reads = append(*reads, ComponentKey(t.comp))
		case termWrite:
			*writes = append(*writes, ComponentKey(t.comp))
		case termPair, termRelAny:
			*reads = append(*reads, RelationKey(t.rel))
		}
	}
	if d.left != nil {
		d.left.collectAccess(reads, writes)
	}
	if d.right != nil {
		d.right.collectAccess(reads, writes)
	}
}

// selectedTerms returns the value-producing terms in declaration order.
func selectedTerms(terms []Term) []Term {
	var sel []Term
	for _, t := range terms {
		switch t.kind {
		case termRead, termWrite, termEntity:
			sel = append(sel, t)
		}
	}
	return sel
}

// Query is a descriptor compiled against a world. The matching-node set is
// cached and revalidated when the archetype graph grows.
type Query struct {
	w    *World
	desc QueryDesc

	required  []types.ComponentID
	forbidden []types.ComponentID
	relAny    []types.RelationID
	pairTerms []Term
	dead      bool // a pair term references a never-instantiated pair
	selected  []Term

	nodes   []*archetype
	nodeSet map[int]bool
	version uint32
	fresh   bool

	left  *Query
	right *Query
}

// Query compiles a descriptor against the world.
func (w *World) Query(desc QueryDesc) *Query {
	q := &Query{w: w, desc: desc}
	switch desc.op {
	case opAll:
		q.selected = selectedTerms(desc.terms)
		for _, t := range desc.terms {
			switch t.kind {
			case termRead, termWrite, termHas:
				q.required = append(q.required, t.comp)
			case termNot:
				q.forbidden = append(q.forbidden, t.comp)
			case termPair:
				q.pairTerms = append(q.pairTerms, t)
			case termRelAny:
				q.relAny = append(q.relAny, t.rel)
			}
		}
	case opJoin:
		q.left = w.Query(*desc.left)
		q.right = w.Query(*desc.right)
	case opIn, opOut:
		q.left = w.Query(*desc.left)
	}
	return q
}

func (q *Query) refresh() {
	if q.fresh && q.version == q.w.archVersion {
		return
	}
	q.version = q.w.archVersion
	q.fresh = true
	q.nodes = q.nodes[:0]
	q.nodeSet = make(map[int]bool)
	q.dead = false

	required := q.required
	for _, t := range q.pairTerms {
		c, ok := q.w.reg.PairIfExists(t.rel, t.obj)
		if !ok {
			q.dead = true
			return
		}
		required = append(append([]types.ComponentID(nil), required...), c)
	}

	for _, n := range q.w.nodes {
		if q.matchNode(n, required) {
			q.nodes = append(q.nodes, n)
			q.nodeSet[n.id] = true
		}
	}
}

func (q *Query) matchNode(n *archetype, required []types.ComponentID) bool {
	for _, c := range required {
		if !n.contains(c) {
			return false
		}
	}
	for _, c := range q.forbidden {
		if n.contains(c) {
			return false
		}
	}
	for _, rel := range q.relAny {
		found := false
		for _, c := range n.comps {
			if pair, ok := q.w.reg.Virtual(c); ok && pair.Relation == rel {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// matches reports whether the node is in the query's match set.
func (q *Query) matches(n *archetype) bool {
	q.refresh()
	if q.dead {
		return false
	}
	return q.nodeSet[n.id]
}

// Row is one yielded tuple.
type Row struct {
	q   *Query
	e   types.Entity
	row uint32
}

// Entity returns the row's entity.
func (r Row) Entity() types.Entity { return r.e }

// Field returns the value of the i-th selected term (Read, Write and Entity
// terms, in declaration order).
func (r Row) Field(i int) any {
	t := r.q.selected[i]
	if t.kind == termEntity {
		return r.e
	}
	col := r.q.w.column(t.comp)
	col.grow(r.row)
	return col.values[r.row]
}

// Set writes through the i-th selected term, which must be a Write term.
// The write goes through the world so journals observe it; rollback and
// replication depend on that.
func (r Row) Set(i int, v any) {
	t := r.q.selected[i]
	if t.kind != termWrite {
		return
	}
	_ = r.q.w.Set(r.e, t.comp, v)
}

func (q *Query) stamp(row uint32) {
	for _, t := range q.selected {
		if t.kind == termWrite {
			col := q.w.column(t.comp)
			col.grow(row)
			col.versions[row] = q.w.tick
		}
	}
}

// Each yields every matching row. Archetype nodes iterate in insertion
// order; entities within a node in dense-list order. Write terms stamp cell
// versions on yield.
func (q *Query) Each(fn func(Row)) {
	switch q.desc.op {
	case opAll:
		q.eachAll(fn)
	case opIn:
		q.eachEvent(fn, true)
	case opOut:
		q.eachEvent(fn, false)
	case opJoin:
		// Join yields pairs; use EachPair.
	}
}

func (q *Query) eachAll(fn func(Row)) {
	q.refresh()
	if q.dead {
		return
	}
	for _, n := range q.nodes {
		// Snapshot: structural mutation during iteration must not skew the
		// dense list walk.
		entities := append([]types.Entity(nil), n.entities...)
		for _, e := range entities {
			l, ok := q.w.locs.Get(e.Ordinal())
			if !ok || l.node != n {
				continue
			}
			q.stamp(l.row)
			fn(Row{q: q, e: e, row: l.row})
		}
	}
}

func (q *Query) eachEvent(fn func(Row), in bool) {
	inner := q.left
	inner.refresh()
	seen := make(map[types.Entity]bool)
	for _, tr := range q.w.transitions {
		if seen[tr.entity] {
			continue
		}
		fromMatch := tr.from != nil && inner.matches(tr.from)
		toMatch := tr.to != nil && inner.matches(tr.to)
		if in {
			if toMatch && !fromMatch {
				// Still matching now: an entity that entered and left within
				// the tick is no event.
				if l, ok := q.w.locs.Get(tr.entity.Ordinal()); ok && inner.matches(l.node) {
					seen[tr.entity] = true
					fn(Row{q: inner, e: tr.entity, row: l.row})
				}
			}
		} else {
			if fromMatch && !toMatch {
				if l, ok := q.w.locs.Get(tr.entity.Ordinal()); ok && inner.matches(l.node) {
					continue
				}
				seen[tr.entity] = true
				fn(Row{q: inner, e: tr.entity, row: tr.row})
			}
		}
	}
}

// EachPair yields join pairs. With a join relation, the right entity ranges
// over the left subject's relation objects; otherwise the Cartesian product
// of both sides is produced.
func (q *Query) EachPair(fn func(left, right Row)) {
	if q.desc.op != opJoin {
		return
	}
	if q.desc.hasRel {
		q.left.Each(func(l Row) {
			subject := l.Entity()
			sl, ok := q.w.locs.Get(subject.Ordinal())
			if !ok {
				return
			}
			for _, c := range sl.node.comps {
				pair, isVirtual := q.w.reg.Virtual(c)
				if !isVirtual || pair.Relation != q.desc.joinRel {
					continue
				}
				ol, ok := q.w.locs.Get(pair.Object.Ordinal())
				if !ok || !q.right.matches(ol.node) {
					continue
				}
				q.right.stamp(ol.row)
				fn(l, Row{q: q.right, e: pair.Object, row: ol.row})
			}
		})
		return
	}
	q.left.Each(func(l Row) {
		q.right.Each(func(r Row) {
			fn(l, r)
		})
	})
}

// Count returns the number of matching rows.
func (q *Query) Count() int {
	n := 0
	q.Each(func(Row) { n++ })
	return n
}

// One returns the single matching row, or ErrNotUnique when the query
// matches zero or several rows.
func (q *Query) One() (Row, error) {
	var out Row
	n := 0
	q.Each(func(r Row) {
		if n == 0 {
			out = r
		}
		n++
	})
	if n != 1 {
		return Row{}, ErrNotUnique
	}
	return out, nil
}
