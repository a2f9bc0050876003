package ecs

import (
	"errors"
	"strconv"

	"github.com/latticelabs/lattice/pkg/metrics"
	"github.com/latticelabs/lattice/pkg/sparse"
	"github.com/latticelabs/lattice/pkg/types"
)

var (
	// ErrDestroyed is returned by Set when the target entity is despawned.
	ErrDestroyed = errors.New("entity is destroyed")
	// ErrNotUnique is returned by Unique queries matching zero or several rows.
	ErrNotUnique = errors.New("query did not match exactly one row")
)

// Value pairs a component with its payload for Spawn. Use the C, T, R and RV
// constructors.
type Value = types.ComponentValue

// C builds a component value.
func C(id types.ComponentID, v any) Value {
	return Value{Component: id, Value: v}
}

// T builds a tag membership.
func T(id types.ComponentID) Value {
	return Value{Component: id}
}

// R builds a relation instance against an object entity. The virtual
// component is materialised at spawn time.
func R(rel types.RelationID, object types.Entity) Value {
	return Value{Relation: &types.RelationPair{Relation: rel, Object: object}}
}

// RV builds a relation instance carrying a payload.
func RV(rel types.RelationID, object types.Entity, v any) Value {
	return Value{Relation: &types.RelationPair{Relation: rel, Object: object}, Value: v}
}

// Journal observes forward mutations as they commit. History derives undo
// entries from these callbacks; replication derives outbound operations.
// Callbacks run synchronously on the mutating path and must not mutate the
// world.
type Journal interface {
	OnSpawn(e types.Entity, comps []types.ComponentValue)
	OnDespawn(e types.Entity, comps []types.ComponentValue)
	OnSet(e types.Entity, c types.ComponentID, prev any, hadPrev bool, prevVersion types.Tick, next any)
	OnAdd(e types.Entity, c types.ComponentID, value any, hasValue bool, rel *types.RelationPair)
	OnRemove(e types.Entity, c types.ComponentID, prev any, rel *types.RelationPair)
}

type loc struct {
	row  uint32
	node *archetype
	slot int
}

type column struct {
	values   []any
	versions []types.Tick
}

func (c *column) grow(row uint32) {
	for uint32(len(c.values)) <= row {
		c.values = append(c.values, nil)
		c.versions = append(c.versions, 0)
	}
}

type transition struct {
	entity types.Entity
	from   *archetype // nil on spawn
	to     *archetype // nil on despawn
	row    uint32
}

// World owns the component registry, the archetype graph, the columnar
// stores, per-cell versions, the resource side-table and the current tick.
// Worlds are single-threaded: one tick advances atomically and systems run
// in schedule order within it.
type World struct {
	domain      uint8
	domainLabel string
	tick        types.Tick
	reg         *Registry

	locs        *sparse.Map[loc] // keyed by entity ordinal
	nextOrdinal uint32
	nextRow     uint32
	columns     []*column // indexed by ComponentID

	nodes   []*archetype
	byHash  map[uint64]*archetype
	root    *archetype
	// archVersion bumps when a node is created; compiled queries revalidate
	// their node cache against it.
	archVersion uint32

	// relSubjects maps a virtual component to the set of subject ordinals
	// currently holding it. Kept consistent with archetype membership.
	relSubjects map[types.ComponentID]*sparse.Set

	resources map[types.ComponentID]any

	transitions []transition

	journals      []Journal
	journalPaused int
}

// NewWorld creates a world for the given domain with a fresh registry.
func NewWorld(domain uint8) *World {
	return NewWorldWithRegistry(domain, NewRegistry())
}

// NewWorldWithRegistry creates a world over an existing registry. The
// registry must not be shared with another live world.
func NewWorldWithRegistry(domain uint8, reg *Registry) *World {
	w := &World{
		domain:      domain,
		domainLabel: strconv.Itoa(int(domain)),
		reg:         reg,
		locs:        sparse.NewMap[loc](),
		nextOrdinal: 1,
		byHash:      make(map[uint64]*archetype),
		relSubjects: make(map[types.ComponentID]*sparse.Set),
		resources:   make(map[types.ComponentID]any),
	}
	w.root = w.nodeFor(nil)
	return w
}

// Registry returns the world's component registry.
func (w *World) Registry() *Registry {
	return w.reg
}

// DomainID returns the world's domain tag.
func (w *World) DomainID() uint8 {
	return w.domain
}

// Tick returns the current tick.
func (w *World) Tick() types.Tick {
	return w.tick
}

// SetTick moves the tick without clearing the transition window. Used by
// reconciliation when revisiting past ticks.
func (w *World) SetTick(t types.Tick) {
	w.tick = t
}

// StepTick advances to the next tick and opens a fresh transition window.
func (w *World) StepTick() {
	w.tick++
	w.transitions = w.transitions[:0]
	metrics.TicksTotal.WithLabelValues(w.domainLabel).Inc()
}

// ClearTransitions resets the In/Out event window without moving the tick.
func (w *World) ClearTransitions() {
	w.transitions = w.transitions[:0]
}

// AddJournal attaches a mutation observer.
func (w *World) AddJournal(j Journal) {
	w.journals = append(w.journals, j)
}

// PauseJournal suspends mutation observers. Rollback and undo replay run
// with observers paused so reverted mutations are not re-journaled.
func (w *World) PauseJournal() {
	w.journalPaused++
}

// ResumeJournal re-enables mutation observers.
func (w *World) ResumeJournal() {
	if w.journalPaused > 0 {
		w.journalPaused--
	}
}

func (w *World) journalActive() bool {
	return w.journalPaused == 0 && len(w.journals) > 0
}

// Alive reports whether the entity exists in this world.
func (w *World) Alive(e types.Entity) bool {
	l, ok := w.locs.Get(e.Ordinal())
	return ok && l.node != nil
}

func (w *World) column(c types.ComponentID) *column {
	for len(w.columns) <= int(c) {
		w.columns = append(w.columns, nil)
	}
	if w.columns[c] == nil {
		w.columns[c] = &column{}
	}
	return w.columns[c]
}

// Row returns the entity's stable columnar row index.
func (w *World) Row(e types.Entity) (uint32, bool) {
	l, ok := w.locs.Get(e.Ordinal())
	if !ok {
		return 0, false
	}
	return l.row, true
}

// Version returns the tick at which the entity's cell for c was last
// written.
func (w *World) Version(e types.Entity, c types.ComponentID) (types.Tick, bool) {
	l, ok := w.locs.Get(e.Ordinal())
	if !ok || !l.node.contains(c) {
		return 0, false
	}
	col := w.column(c)
	col.grow(l.row)
	return col.versions[l.row], true
}

// moveEntity relocates e between archetype nodes, maintaining slot indexes
// under swap-remove and recording the transition for In/Out windows.
func (w *World) moveEntity(e types.Entity, l loc, target *archetype) loc {
	from := l.node
	if from == target {
		return l
	}
	if from != nil {
		last := len(from.entities) - 1
		if l.slot != last {
			moved := from.entities[last]
			from.entities[l.slot] = moved
			ml, _ := w.locs.Get(moved.Ordinal())
			ml.slot = l.slot
			w.locs.Set(moved.Ordinal(), ml)
		}
		from.entities = from.entities[:last]
	}
	l.node = target
	if target != nil {
		l.slot = len(target.entities)
		target.entities = append(target.entities, e)
	} else {
		l.slot = -1
	}
	w.transitions = append(w.transitions, transition{entity: e, from: from, to: target, row: l.row})
	if target == nil {
		w.locs.Delete(e.Ordinal())
	} else {
		w.locs.Set(e.Ordinal(), l)
	}
	return l
}

func (w *World) trackVirtual(e types.Entity, c types.ComponentID, added bool) {
	if _, ok := w.reg.Virtual(c); !ok {
		return
	}
	set := w.relSubjects[c]
	if set == nil {
		if !added {
			return
		}
		set = sparse.NewSet()
		w.relSubjects[c] = set
	}
	if added {
		set.Add(e.Ordinal())
	} else {
		set.Delete(e.Ordinal())
	}
}

// resolveValue materialises relation pairs inside spawn values. A relation
// pair always wins over the component field, which decoded operations leave
// holding the relation's anchor ID.
func (w *World) resolveValue(v Value) Value {
	if v.Relation != nil {
		v.Component = w.reg.Pair(v.Relation.Relation, v.Relation.Object)
	}
	return v
}

// Spawn creates an entity holding the given components and returns it.
func (w *World) Spawn(values ...Value) types.Entity {
	e := types.NewEntity(w.domain, w.nextOrdinal)
	w.nextOrdinal++
	return w.spawnAt(e, values)
}

// SpawnAt creates a specific entity, used by undo replay and re-binding.
// The ordinal allocator is advanced past the entity's ordinal.
func (w *World) SpawnAt(e types.Entity, values []Value) types.Entity {
	if e.Ordinal() >= w.nextOrdinal && e.Domain() == w.domain {
		w.nextOrdinal = e.Ordinal() + 1
	}
	return w.spawnAt(e, values)
}

func (w *World) spawnAt(e types.Entity, values []Value) types.Entity {
	row := w.nextRow
	w.nextRow++

	comps := make([]types.ComponentID, 0, len(values))
	resolved := make([]Value, 0, len(values))
	for _, v := range values {
		v = w.resolveValue(v)
		resolved = append(resolved, v)
		comps = append(comps, v.Component)
	}
	node := w.root
	for _, c := range comps {
		node = w.withComponent(node, c)
	}

	l := loc{row: row, node: nil, slot: -1}
	w.locs.Set(e.Ordinal(), l)
	l = w.moveEntity(e, l, node)

	for _, v := range resolved {
		w.trackVirtual(e, v.Component, true)
		if !w.reg.IsTag(v.Component) {
			col := w.column(v.Component)
			col.grow(row)
			col.values[row] = v.Value
			col.versions[row] = w.tick
		}
	}

	metrics.EntitiesLive.WithLabelValues(w.domainLabel).Inc()

	if w.journalActive() {
		for _, j := range w.journals {
			j.OnSpawn(e, resolved)
		}
	}
	return e
}

// Despawn destroys the entity. Every relation pair whose object is the
// entity is deleted first, fanning out through the relation reverse index.
func (w *World) Despawn(e types.Entity) {
	l, ok := w.locs.Get(e.Ordinal())
	if !ok {
		return
	}

	w.despawnRelationObjects(e)

	// Re-read: fan-out may have moved the entity between nodes.
	l, ok = w.locs.Get(e.Ordinal())
	if !ok {
		return
	}

	comps := make([]types.ComponentValue, 0, len(l.node.comps))
	for _, c := range l.node.comps {
		cv := types.ComponentValue{Component: c}
		if pair, ok := w.reg.Virtual(c); ok {
			p := pair
			cv.Relation = &p
		}
		if !w.reg.IsTag(c) {
			col := w.column(c)
			col.grow(l.row)
			cv.Value = col.values[l.row]
		}
		comps = append(comps, cv)
		w.trackVirtual(e, c, false)
	}

	if w.journalActive() {
		for _, j := range w.journals {
			j.OnDespawn(e, comps)
		}
	}

	for _, c := range l.node.comps {
		if !w.reg.IsTag(c) {
			col := w.column(c)
			col.grow(l.row)
			col.values[l.row] = nil
		}
	}

	w.moveEntity(e, l, nil)
	metrics.EntitiesLive.WithLabelValues(w.domainLabel).Dec()
}

// despawnRelationObjects removes every (relation, object=e) virtual
// component from its subjects and drops the subject sets; the pair
// mappings themselves are kept.
func (w *World) despawnRelationObjects(e types.Entity) {
	for rel := types.RelationID(1); int(rel) < len(w.reg.rels); rel++ {
		vc, ok := w.reg.PairIfExists(rel, e)
		if !ok {
			continue
		}
		if set := w.relSubjects[vc]; set != nil {
			subjects := append([]uint32(nil), set.Keys()...)
			for _, ord := range subjects {
				if sl, ok := w.locs.Get(ord); ok && sl.node.contains(vc) {
					subject := w.entityAt(sl.node, sl.slot)
					w.Remove(subject, vc)
				}
			}
			delete(w.relSubjects, vc)
		}
		// The (relation, object) → virtual ID mapping stays in the registry:
		// ordinals are never reused, and undo replay that resurrects the
		// object must resolve the same virtual component.
	}
}

func (w *World) entityAt(n *archetype, slot int) types.Entity {
	return n.entities[slot]
}

// Add gives the entity a tag or zero-valued component.
func (w *World) Add(e types.Entity, c types.ComponentID) {
	w.addComp(e, c, nil, false, nil)
}

// AddValue gives the entity a component with an initial payload.
func (w *World) AddValue(e types.Entity, c types.ComponentID, v any) {
	w.addComp(e, c, v, true, nil)
}

// AddRelation attaches (relation, object) to the subject.
func (w *World) AddRelation(subject types.Entity, rel types.RelationID, object types.Entity) {
	c := w.reg.Pair(rel, object)
	w.addComp(subject, c, nil, false, &types.RelationPair{Relation: rel, Object: object})
}

// AddRelationValue attaches (relation, object) with a payload.
func (w *World) AddRelationValue(subject types.Entity, rel types.RelationID, object types.Entity, v any) {
	c := w.reg.Pair(rel, object)
	w.addComp(subject, c, v, true, &types.RelationPair{Relation: rel, Object: object})
}

func (w *World) addComp(e types.Entity, c types.ComponentID, v any, hasValue bool, rel *types.RelationPair) {
	l, ok := w.locs.Get(e.Ordinal())
	if !ok {
		return
	}
	if l.node.contains(c) {
		if hasValue {
			_ = w.Set(e, c, v)
		}
		return
	}
	if rel == nil {
		if pair, isVirtual := w.reg.Virtual(c); isVirtual {
			p := pair
			rel = &p
		}
	}
	l = w.moveEntity(e, l, w.withComponent(l.node, c))
	w.trackVirtual(e, c, true)
	if !w.reg.IsTag(c) {
		col := w.column(c)
		col.grow(l.row)
		col.values[l.row] = v
		col.versions[l.row] = w.tick
	}
	if w.journalActive() {
		for _, j := range w.journals {
			j.OnAdd(e, c, v, hasValue, rel)
		}
	}
}

// Remove strips the component from the entity, preserving the values of
// retained components.
func (w *World) Remove(e types.Entity, c types.ComponentID) {
	l, ok := w.locs.Get(e.Ordinal())
	if !ok || !l.node.contains(c) {
		return
	}
	var prev any
	if !w.reg.IsTag(c) {
		col := w.column(c)
		col.grow(l.row)
		prev = col.values[l.row]
		col.values[l.row] = nil
	}
	var rel *types.RelationPair
	if pair, isVirtual := w.reg.Virtual(c); isVirtual {
		p := pair
		rel = &p
	}
	w.trackVirtual(e, c, false)
	w.moveEntity(e, l, w.withoutComponent(l.node, c))
	if w.journalActive() {
		for _, j := range w.journals {
			j.OnRemove(e, c, prev, rel)
		}
	}
}

// RemoveRelation detaches (relation, object) from the subject.
func (w *World) RemoveRelation(subject types.Entity, rel types.RelationID, object types.Entity) {
	if c, ok := w.reg.PairIfExists(rel, object); ok {
		w.Remove(subject, c)
	}
}

// Set writes the component value, transitioning the entity into a matching
// archetype if needed, and stamps the cell version with the current tick.
// It fails only when the entity is destroyed.
func (w *World) Set(e types.Entity, c types.ComponentID, v any) error {
	l, ok := w.locs.Get(e.Ordinal())
	if !ok {
		return ErrDestroyed
	}

	hadPrev := l.node.contains(c)
	var prev any
	var prevVersion types.Tick
	if !hadPrev {
		l = w.moveEntity(e, l, w.withComponent(l.node, c))
		w.trackVirtual(e, c, true)
	}
	col := w.column(c)
	col.grow(l.row)
	if hadPrev {
		prev = col.values[l.row]
		prevVersion = col.versions[l.row]
	}
	if !w.reg.IsTag(c) {
		col.values[l.row] = v
	}
	col.versions[l.row] = w.tick

	if w.journalActive() {
		for _, j := range w.journals {
			j.OnSet(e, c, prev, hadPrev, prevVersion, v)
		}
	}
	return nil
}

// Get returns the component value, or ok=false when absent. Tags return a
// nil value with ok=true. Get never fails.
func (w *World) Get(e types.Entity, c types.ComponentID) (any, bool) {
	l, ok := w.locs.Get(e.Ordinal())
	if !ok || !l.node.contains(c) {
		return nil, false
	}
	if w.reg.IsTag(c) {
		return nil, true
	}
	col := w.column(c)
	col.grow(l.row)
	return col.values[l.row], true
}

// Components returns the entity's component set: the sorted ID vector of
// its archetype node. The slice is owned by the node.
func (w *World) Components(e types.Entity) []types.ComponentID {
	l, ok := w.locs.Get(e.Ordinal())
	if !ok {
		return nil
	}
	return l.node.comps
}

// Has reports whether the entity holds the component.
func (w *World) Has(e types.Entity, c types.ComponentID) bool {
	l, ok := w.locs.Get(e.Ordinal())
	return ok && l.node.contains(c)
}

// HasRelation reports whether subject holds (relation, object).
func (w *World) HasRelation(subject types.Entity, rel types.RelationID, object types.Entity) bool {
	c, ok := w.reg.PairIfExists(rel, object)
	return ok && w.Has(subject, c)
}

// Subjects calls fn for each subject currently holding (relation, object).
func (w *World) Subjects(rel types.RelationID, object types.Entity, fn func(types.Entity)) {
	c, ok := w.reg.PairIfExists(rel, object)
	if !ok {
		return
	}
	set := w.relSubjects[c]
	if set == nil {
		return
	}
	for _, ord := range set.Keys() {
		if l, ok := w.locs.Get(ord); ok {
			fn(w.entityAt(l.node, l.slot))
		}
	}
}

// AddResource stores a singleton value under the component ID. Tag
// resources degenerate to membership.
func (w *World) AddResource(c types.ComponentID, v any) {
	w.resources[c] = v
}

// Resource returns the resource value and whether it is present.
func (w *World) Resource(c types.ComponentID) (any, bool) {
	v, ok := w.resources[c]
	return v, ok
}

// RemoveResource drops the resource.
func (w *World) RemoveResource(c types.ComponentID) {
	delete(w.resources, c)
}

// ApplyOperation applies one forward operation. Entities and component IDs
// must already be local; re-binding happens in pkg/replication. Operations
// on destroyed entities are ignored, matching replay semantics.
func (w *World) ApplyOperation(op types.Operation) error {
	switch op.Kind {
	case types.OpSpawn:
		if w.Alive(op.Entity) {
			return nil
		}
		values := make([]Value, 0, len(op.Components))
		for _, cv := range op.Components {
			values = append(values, Value(cv))
		}
		w.SpawnAt(op.Entity, values)
	case types.OpDespawn:
		w.Despawn(op.Entity)
	case types.OpSet:
		if !w.Alive(op.Entity) {
			return nil
		}
		comp := op.Component
		if op.Relation != nil {
			comp = w.reg.Pair(op.Relation.Relation, op.Relation.Object)
		}
		if err := w.Set(op.Entity, comp, op.Value); err != nil {
			return err
		}
		if op.Version != nil {
			if l, ok := w.locs.Get(op.Entity.Ordinal()); ok {
				col := w.column(comp)
				col.grow(l.row)
				col.versions[l.row] = *op.Version
			}
		}
	case types.OpRemove:
		comp := op.Component
		if op.Relation != nil {
			var ok bool
			comp, ok = w.reg.PairIfExists(op.Relation.Relation, op.Relation.Object)
			if !ok {
				return nil
			}
		}
		w.Remove(op.Entity, comp)
	case types.OpAdd:
		if !w.Alive(op.Entity) {
			return nil
		}
		comp := op.Component
		if op.Relation != nil {
			comp = w.reg.Pair(op.Relation.Relation, op.Relation.Object)
		}
		w.addComp(op.Entity, comp, op.Value, op.Value != nil, op.Relation)
	}
	return nil
}

// EachEntityWith calls fn for every live entity holding c, in node insertion
// order then dense-list order.
func (w *World) EachEntityWith(c types.ComponentID, fn func(e types.Entity, v any)) {
	for _, n := range w.nodes {
		if !n.contains(c) {
			continue
		}
		isTag := w.reg.IsTag(c)
		col := w.column(c)
		for _, e := range n.entities {
			l, _ := w.locs.Get(e.Ordinal())
			var v any
			if !isTag {
				col.grow(l.row)
				v = col.values[l.row]
			}
			fn(e, v)
		}
	}
}
