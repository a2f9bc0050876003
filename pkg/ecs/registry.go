package ecs

import (
	"fmt"

	"github.com/latticelabs/lattice/pkg/types"
)

// Definition describes a component being registered. Tag components carry no
// payload and need no codec.
type Definition struct {
	Name  string
	Codec Codec
	Tag   bool
}

type componentDef struct {
	name    string
	codec   Codec
	tag     bool
	virtual bool
	pair    types.RelationPair
	// anchor marks the component-space registration of a relation
	// definition. Anchors identify the relation on the wire; they are never
	// attached to entities directly.
	anchor   bool
	relation types.RelationID
}

type relationDef struct {
	name   string
	codec  Codec
	tag    bool
	anchor types.ComponentID
	// pairs maps object entity to the virtual component materialised for
	// (relation, object). Stable for the life of the registry.
	pairs map[types.Entity]types.ComponentID
	// objects in pair-allocation order, for deterministic iteration.
	objects []types.Entity
}

// Registry assigns dense integer IDs to component and relation definitions
// and remembers their codecs and tag status. Component ID 0 is never
// allocated. Virtual components materialised from relation pairs draw from
// the same ID space as registered components.
//
// A registry is world-local. Producer and consumer must register the same
// definitions in the same order; the wire protocol identifies components by
// these IDs.
type Registry struct {
	defs    []componentDef // index = ComponentID; slot 0 unused
	byName  map[string]types.ComponentID
	rels    []relationDef // index = RelationID; slot 0 unused
	relName map[string]types.RelationID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:    make([]componentDef, 1),
		byName:  make(map[string]types.ComponentID),
		rels:    make([]relationDef, 1),
		relName: make(map[string]types.RelationID),
	}
}

// Register allocates an ID for the definition. Registering a name twice
// returns the original ID; the first registration wins.
func (r *Registry) Register(def Definition) types.ComponentID {
	if id, ok := r.byName[def.Name]; ok {
		return id
	}
	id := types.ComponentID(len(r.defs))
	r.defs = append(r.defs, componentDef{
		name:  def.Name,
		codec: def.Codec,
		tag:   def.Tag || def.Codec == nil,
	})
	r.byName[def.Name] = id
	return id
}

// RegisterTag registers a payload-free component.
func (r *Registry) RegisterTag(name string) types.ComponentID {
	return r.Register(Definition{Name: name, Tag: true})
}

// RegisterComponent registers a component with a codec.
func (r *Registry) RegisterComponent(name string, codec Codec) types.ComponentID {
	return r.Register(Definition{Name: name, Codec: codec})
}

// RegisterRelation registers a relation definition. A nil codec makes the
// relation's virtual components tags. Each relation also claims an anchor
// ID in the component space; the anchor names the relation on the wire, so
// peers registering definitions in the same order agree on it.
func (r *Registry) RegisterRelation(name string, codec Codec) types.RelationID {
	if id, ok := r.relName[name]; ok {
		return id
	}
	id := types.RelationID(len(r.rels))
	anchor := types.ComponentID(len(r.defs))
	r.defs = append(r.defs, componentDef{
		name:     name,
		codec:    codec,
		tag:      codec == nil,
		anchor:   true,
		relation: id,
	})
	r.byName[name] = anchor
	r.rels = append(r.rels, relationDef{
		name:   name,
		codec:  codec,
		tag:    codec == nil,
		anchor: anchor,
		pairs:  make(map[types.Entity]types.ComponentID),
	})
	r.relName[name] = id
	return id
}

// RelationAnchor returns the component-space ID registered for the
// relation.
func (r *Registry) RelationAnchor(rel types.RelationID) types.ComponentID {
	return r.rels[rel].anchor
}

// AnchorRelation resolves an anchor component back to its relation.
func (r *Registry) AnchorRelation(c types.ComponentID) (types.RelationID, bool) {
	d := &r.defs[c]
	return d.relation, d.anchor
}

// KnowsRelation reports whether the relation ID was allocated by this
// registry.
func (r *Registry) KnowsRelation(rel types.RelationID) bool {
	return rel > 0 && int(rel) < len(r.rels)
}

// RelationCodec returns the relation's payload codec; ok is false for tag
// relations.
func (r *Registry) RelationCodec(rel types.RelationID) (Codec, bool) {
	rd := &r.rels[rel]
	return rd.codec, rd.codec != nil
}

// Pair returns the virtual component ID for (relation, object), allocating it
// on first sight. The mapping is stable for the life of the registry.
func (r *Registry) Pair(rel types.RelationID, object types.Entity) types.ComponentID {
	rd := &r.rels[rel]
	if id, ok := rd.pairs[object]; ok {
		return id
	}
	id := types.ComponentID(len(r.defs))
	r.defs = append(r.defs, componentDef{
		name:    fmt.Sprintf("%s(%d)", rd.name, object),
		codec:   rd.codec,
		tag:     rd.tag,
		virtual: true,
		pair:    types.RelationPair{Relation: rel, Object: object},
	})
	rd.pairs[object] = id
	rd.objects = append(rd.objects, object)
	return id
}

// PairIfExists returns the virtual component for (relation, object) without
// allocating.
func (r *Registry) PairIfExists(rel types.RelationID, object types.Entity) (types.ComponentID, bool) {
	id, ok := r.rels[rel].pairs[object]
	return id, ok
}

// Objects returns the objects a relation has been instantiated against, in
// allocation order. The slice is owned by the registry.
func (r *Registry) Objects(rel types.RelationID) []types.Entity {
	return r.rels[rel].objects
}

// Knows reports whether the component ID was allocated by this registry.
func (r *Registry) Knows(c types.ComponentID) bool {
	return c > 0 && int(c) < len(r.defs)
}

// Name returns the component's registered name.
func (r *Registry) Name(c types.ComponentID) string {
	return r.defs[c].name
}

// IsTag reports whether the component carries no payload.
func (r *Registry) IsTag(c types.ComponentID) bool {
	return r.defs[c].tag
}

// Codec returns the component's codec; virtual components inherit their
// relation's codec. ok is false for tags.
func (r *Registry) Codec(c types.ComponentID) (Codec, bool) {
	d := &r.defs[c]
	return d.codec, d.codec != nil
}

// Virtual resolves a virtual component back to its relation pair.
func (r *Registry) Virtual(c types.ComponentID) (types.RelationPair, bool) {
	d := &r.defs[c]
	if !d.virtual {
		return types.RelationPair{}, false
	}
	return d.pair, true
}

// Lookup returns the ID registered under name.
func (r *Registry) Lookup(name string) (types.ComponentID, bool) {
	id, ok := r.byName[name]
	return id, ok
}

// Len returns the number of allocated component IDs, virtual included.
func (r *Registry) Len() int {
	return len(r.defs) - 1
}
