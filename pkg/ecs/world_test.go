package ecs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticelabs/lattice/pkg/types"
)

type name struct {
	ID uint32
}

type velocity struct {
	DX float64
	DY float64
}

type fixture struct {
	w        *World
	position types.ComponentID
	velocity types.ComponentID
	name     types.ComponentID
	frozen   types.ComponentID
	childOf  types.RelationID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	w := NewWorld(0)
	reg := w.Registry()
	return &fixture{
		w:        w,
		position: reg.RegisterComponent("Position", MustAutoCodec(position{})),
		velocity: reg.RegisterComponent("Velocity", MustAutoCodec(velocity{})),
		name:     reg.RegisterComponent("Name", MustAutoCodec(name{})),
		frozen:   reg.RegisterTag("Frozen"),
		childOf:  reg.RegisterRelation("ChildOf", nil),
	}
}

func TestSpawnGetSet(t *testing.T) {
	f := newFixture(t)

	e := f.w.Spawn(C(f.position, position{X: 1, Y: 2}), T(f.frozen))
	assert.True(t, f.w.Alive(e))
	assert.Equal(t, uint8(0), e.Domain())

	v, ok := f.w.Get(e, f.position)
	require.True(t, ok)
	assert.Equal(t, position{X: 1, Y: 2}, v)

	// Tag membership reads as present with no payload
	_, ok = f.w.Get(e, f.frozen)
	assert.True(t, ok)

	// Absent component: ok=false, never an error
	_, ok = f.w.Get(e, f.velocity)
	assert.False(t, ok)

	// Set on an absent component transitions the archetype
	require.NoError(t, f.w.Set(e, f.velocity, velocity{DX: 1}))
	assert.True(t, f.w.Has(e, f.velocity))

	f.w.Despawn(e)
	assert.ErrorIs(t, f.w.Set(e, f.position, position{}), ErrDestroyed)
}

func TestAddRemovePreservesRetainedValues(t *testing.T) {
	f := newFixture(t)

	e := f.w.Spawn(C(f.position, position{X: 5, Y: 5}))
	f.w.AddValue(e, f.velocity, velocity{DX: 2})
	f.w.Remove(e, f.velocity)

	v, ok := f.w.Get(e, f.position)
	require.True(t, ok)
	assert.Equal(t, position{X: 5, Y: 5}, v)
	assert.False(t, f.w.Has(e, f.velocity))

	// Re-adding after removal starts from a zero cell
	f.w.Add(e, f.velocity)
	v, ok = f.w.Get(e, f.velocity)
	require.True(t, ok)
	assert.Nil(t, v)
}

// TestSlotInvariant checks that every entity's archetype slot points back
// at itself after churn.
func TestSlotInvariant(t *testing.T) {
	f := newFixture(t)

	var entities []types.Entity
	for i := 0; i < 16; i++ {
		e := f.w.Spawn(C(f.position, position{X: float64(i)}))
		if i%2 == 0 {
			f.w.AddValue(e, f.velocity, velocity{DX: float64(i)})
		}
		entities = append(entities, e)
	}
	// Churn: remove every fourth, transition every third
	for i, e := range entities {
		switch {
		case i%4 == 0:
			f.w.Despawn(e)
		case i%3 == 0:
			f.w.Add(e, f.frozen)
		}
	}

	for _, e := range entities {
		l, ok := f.w.locs.Get(e.Ordinal())
		if !ok {
			continue
		}
		require.Less(t, l.slot, len(l.node.entities))
		assert.Equal(t, e, l.node.entities[l.slot])
	}
}

func TestVersionsNeverExceedTick(t *testing.T) {
	f := newFixture(t)

	f.w.SetTick(3)
	e := f.w.Spawn(C(f.position, position{}))
	f.w.StepTick()
	require.NoError(t, f.w.Set(e, f.position, position{X: 1}))

	ver, ok := f.w.Version(e, f.position)
	require.True(t, ok)
	assert.Equal(t, types.Tick(4), ver)
	assert.LessOrEqual(t, uint32(ver), uint32(f.w.Tick()))
}

func TestResources(t *testing.T) {
	f := newFixture(t)
	reg := f.w.Registry()
	gravity := reg.RegisterComponent("Gravity", MustAutoCodec(velocity{}))
	paused := reg.RegisterTag("Paused")

	_, ok := f.w.Resource(gravity)
	assert.False(t, ok)

	f.w.AddResource(gravity, velocity{DY: -9.8})
	v, ok := f.w.Resource(gravity)
	require.True(t, ok)
	assert.Equal(t, velocity{DY: -9.8}, v)

	// Tag resources degenerate to membership
	f.w.AddResource(paused, nil)
	_, ok = f.w.Resource(paused)
	assert.True(t, ok)
	f.w.RemoveResource(paused)
	_, ok = f.w.Resource(paused)
	assert.False(t, ok)
}

// TestRelationCleanup is the parent/child wildcard scenario: despawning the
// object entity must clear every subject's relation membership.
func TestRelationCleanup(t *testing.T) {
	f := newFixture(t)

	parent := f.w.Spawn(C(f.name, name{ID: 1}))
	child := f.w.Spawn(C(f.name, name{ID: 2}), R(f.childOf, parent))

	q := f.w.Query(All(Entity(), Read(f.name), HasRel(f.childOf)))
	var got []types.Entity
	q.Each(func(r Row) {
		got = append(got, r.Entity())
		assert.Equal(t, name{ID: 2}, r.Field(1))
	})
	require.Equal(t, []types.Entity{child}, got)

	f.w.Despawn(parent)

	assert.Equal(t, 0, q.Count())
	assert.True(t, f.w.Alive(child))
	assert.False(t, f.w.HasRelation(child, f.childOf, parent))
}

func TestRelationPairStability(t *testing.T) {
	f := newFixture(t)
	reg := f.w.Registry()

	a := f.w.Spawn()
	first := reg.Pair(f.childOf, a)
	second := reg.Pair(f.childOf, a)
	assert.Equal(t, first, second)

	b := f.w.Spawn()
	other := reg.Pair(f.childOf, b)
	assert.NotEqual(t, first, other)
}

func TestQueryNotAndHas(t *testing.T) {
	f := newFixture(t)

	moving := f.w.Spawn(C(f.position, position{}), C(f.velocity, velocity{DX: 1}))
	f.w.Spawn(C(f.position, position{}), T(f.frozen))

	q := f.w.Query(All(Entity(), Has(f.velocity), Not(f.frozen)))
	var got []types.Entity
	q.Each(func(r Row) {
		got = append(got, r.Entity())
	})
	assert.Equal(t, []types.Entity{moving}, got)
}

func TestWriteTermStampsOnYield(t *testing.T) {
	f := newFixture(t)

	e := f.w.Spawn(C(f.position, position{}))
	f.w.SetTick(9)

	// A read must not stamp
	f.w.Query(All(Read(f.position))).Each(func(Row) {})
	ver, _ := f.w.Version(e, f.position)
	assert.Equal(t, types.Tick(0), ver)

	// A write stamps whether or not the caller mutates
	f.w.Query(All(Write(f.position))).Each(func(Row) {})
	ver, _ = f.w.Version(e, f.position)
	assert.Equal(t, types.Tick(9), ver)
}

func TestInOutWindows(t *testing.T) {
	f := newFixture(t)
	desc := All(Entity(), Has(f.velocity))

	e := f.w.Spawn(C(f.position, position{}))
	f.w.StepTick()

	f.w.AddValue(e, f.velocity, velocity{DX: 1})
	in := f.w.Query(In(desc))
	assert.Equal(t, 1, in.Count())
	out := f.w.Query(Out(desc))
	assert.Equal(t, 0, out.Count())

	f.w.StepTick()
	assert.Equal(t, 0, f.w.Query(In(desc)).Count(), "window closes at the tick boundary")

	f.w.Remove(e, f.velocity)
	assert.Equal(t, 1, f.w.Query(Out(desc)).Count())
	assert.Equal(t, 0, f.w.Query(In(desc)).Count())
}

func TestJoinWithRelation(t *testing.T) {
	f := newFixture(t)

	parent := f.w.Spawn(C(f.name, name{ID: 1}))
	orphanTarget := f.w.Spawn(C(f.name, name{ID: 9}))
	child := f.w.Spawn(C(f.name, name{ID: 2}), R(f.childOf, parent))
	_ = orphanTarget

	q := f.w.Query(JoinRel(
		All(Entity(), HasRel(f.childOf)),
		All(Entity(), Read(f.name)),
		f.childOf,
	))

	var pairs [][2]types.Entity
	q.EachPair(func(l, r Row) {
		pairs = append(pairs, [2]types.Entity{l.Entity(), r.Entity()})
	})
	assert.Equal(t, [][2]types.Entity{{child, parent}}, pairs)
}

func TestJoinCartesian(t *testing.T) {
	f := newFixture(t)

	f.w.Spawn(C(f.position, position{}))
	f.w.Spawn(C(f.position, position{}))
	f.w.Spawn(C(f.velocity, velocity{}))

	q := f.w.Query(Join(
		All(Entity(), Has(f.position)),
		All(Entity(), Has(f.velocity)),
	))
	count := 0
	q.EachPair(func(l, r Row) { count++ })
	assert.Equal(t, 2, count)
}

func TestUnique(t *testing.T) {
	f := newFixture(t)
	desc := Unique(All(Entity(), Has(f.frozen)))

	_, err := f.w.Query(desc).One()
	assert.ErrorIs(t, err, ErrNotUnique)

	e := f.w.Spawn(T(f.frozen))
	row, err := f.w.Query(desc).One()
	require.NoError(t, err)
	assert.Equal(t, e, row.Entity())

	f.w.Spawn(T(f.frozen))
	_, err = f.w.Query(desc).One()
	assert.ErrorIs(t, err, ErrNotUnique)
}

func TestHasPairQuery(t *testing.T) {
	f := newFixture(t)

	p1 := f.w.Spawn()
	p2 := f.w.Spawn()
	c1 := f.w.Spawn(R(f.childOf, p1))
	f.w.Spawn(R(f.childOf, p2))

	q := f.w.Query(All(Entity(), HasPair(f.childOf, p1)))
	var got []types.Entity
	q.Each(func(r Row) { got = append(got, r.Entity()) })
	assert.Equal(t, []types.Entity{c1}, got)
}

func TestApplyOperationRoundTrip(t *testing.T) {
	f := newFixture(t)

	e := types.NewEntity(0, 77)
	require.NoError(t, f.w.ApplyOperation(types.Operation{
		Kind:   types.OpSpawn,
		Entity: e,
		Components: []types.ComponentValue{
			{Component: f.position, Value: position{X: 3}},
		},
	}))
	assert.True(t, f.w.Alive(e))

	require.NoError(t, f.w.ApplyOperation(types.Operation{
		Kind: types.OpSet, Entity: e, Component: f.position, Value: position{X: 4},
	}))
	v, _ := f.w.Get(e, f.position)
	assert.Equal(t, position{X: 4}, v)

	// Ops on despawned entities are ignored
	require.NoError(t, f.w.ApplyOperation(types.Operation{Kind: types.OpDespawn, Entity: e}))
	require.NoError(t, f.w.ApplyOperation(types.Operation{
		Kind: types.OpSet, Entity: e, Component: f.position, Value: position{X: 5},
	}))
	assert.False(t, f.w.Alive(e))
}
