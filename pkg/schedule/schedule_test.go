package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticelabs/lattice/pkg/ecs"
	"github.com/latticelabs/lattice/pkg/types"
)

type comps struct {
	w *ecs.World
	a types.ComponentID
	b types.ComponentID
	c types.ComponentID
}

func newComps() *comps {
	w := ecs.NewWorld(0)
	reg := w.Registry()
	return &comps{
		w: w,
		a: reg.RegisterTag("A"),
		b: reg.RegisterTag("B"),
		c: reg.RegisterTag("C"),
	}
}

func recording(name string, desc Descriptor, trace *[]string) System {
	return Func(name, desc, func(*Context) error {
		*trace = append(*trace, name)
		return nil
	})
}

// TestWriterBeforeReaderOrdering registers S3, S2, S1 out of dependency
// order; execution must come out S1, S2, S3.
func TestWriterBeforeReaderOrdering(t *testing.T) {
	f := newComps()
	var trace []string

	s1 := recording("S1", Descriptor{
		Queries: []ecs.QueryDesc{ecs.All(ecs.Write(f.a))},
	}, &trace)
	s2 := recording("S2", Descriptor{
		Queries: []ecs.QueryDesc{ecs.All(ecs.Read(f.a), ecs.Write(f.b))},
	}, &trace)
	s3 := recording("S3", Descriptor{
		Queries: []ecs.QueryDesc{ecs.All(ecs.Read(f.b))},
	}, &trace)

	sched := New()
	sched.Add(s3)
	sched.Add(s2)
	sched.Add(s1)

	require.NoError(t, sched.Run(f.w))
	assert.Equal(t, []string{"S1", "S2", "S3"}, trace)
}

// TestCycleDetection builds two systems that read each other's writes.
func TestCycleDetection(t *testing.T) {
	f := newComps()
	var trace []string

	s1 := recording("S1", Descriptor{
		Queries: []ecs.QueryDesc{ecs.All(ecs.Write(f.a), ecs.Read(f.b))},
	}, &trace)
	s2 := recording("S2", Descriptor{
		Queries: []ecs.QueryDesc{ecs.All(ecs.Write(f.b), ecs.Read(f.a))},
	}, &trace)

	sched := New()
	sched.Add(s1)
	sched.Add(s2)

	err := sched.Run(f.w)
	assert.ErrorIs(t, err, ErrCycle)
	assert.Empty(t, trace)
}

func TestIndependentSystemsKeepRegistrationOrder(t *testing.T) {
	f := newComps()
	var trace []string

	sched := New()
	sched.Add(recording("first", Descriptor{Queries: []ecs.QueryDesc{ecs.All(ecs.Write(f.a))}}, &trace))
	sched.Add(recording("second", Descriptor{Queries: []ecs.QueryDesc{ecs.All(ecs.Write(f.b))}}, &trace))
	sched.Add(recording("third", Descriptor{Queries: []ecs.QueryDesc{ecs.All(ecs.Write(f.c))}}, &trace))

	require.NoError(t, sched.Run(f.w))
	assert.Equal(t, []string{"first", "second", "third"}, trace)
}

func TestWritersKeepRegistrationOrderAmongThemselves(t *testing.T) {
	f := newComps()
	var trace []string

	sched := New()
	sched.Add(recording("w1", Descriptor{Queries: []ecs.QueryDesc{ecs.All(ecs.Write(f.a))}}, &trace))
	sched.Add(recording("w2", Descriptor{Queries: []ecs.QueryDesc{ecs.All(ecs.Write(f.a))}}, &trace))
	sched.Add(recording("r", Descriptor{Queries: []ecs.QueryDesc{ecs.All(ecs.Read(f.a))}}, &trace))

	require.NoError(t, sched.Run(f.w))
	assert.Equal(t, []string{"w1", "w2", "r"}, trace)
}

func TestAddsAndRemovesCountAsWrites(t *testing.T) {
	f := newComps()
	var trace []string

	sched := New()
	sched.Add(recording("reader", Descriptor{
		Queries: []ecs.QueryDesc{ecs.All(ecs.Read(f.a))},
	}, &trace))
	sched.Add(recording("adder", Descriptor{Adds: []types.ComponentID{f.a}}, &trace))

	require.NoError(t, sched.Run(f.w))
	assert.Equal(t, []string{"adder", "reader"}, trace)
}

func TestMissingResourceIsFatal(t *testing.T) {
	f := newComps()
	gravity := f.w.Registry().RegisterTag("Gravity")

	sched := New()
	sched.Add(Func("needs-gravity", Descriptor{
		Resources: []ResourceAccess{{Component: gravity}},
	}, func(*Context) error { return nil }))

	err := sched.Run(f.w)
	assert.ErrorIs(t, err, ErrMissingResource)

	// Present resource binds
	f.w.AddResource(gravity, nil)
	assert.NoError(t, sched.Run(f.w))
}

func TestOptionalResourceBindsNil(t *testing.T) {
	f := newComps()
	gravity := f.w.Registry().RegisterTag("Gravity")

	ran := false
	sched := New()
	sched.Add(Func("maybe-gravity", Descriptor{
		Resources: []ResourceAccess{{Component: gravity, Optional: true}},
	}, func(ctx *Context) error {
		ran = true
		assert.Nil(t, ctx.Resource(gravity))
		return nil
	}))

	require.NoError(t, sched.Run(f.w))
	assert.True(t, ran)
}

func TestContextBindsQueries(t *testing.T) {
	f := newComps()
	f.w.Spawn(ecs.T(f.a))
	f.w.Spawn(ecs.T(f.a))

	count := 0
	sched := New()
	sched.Add(Func("counter", Descriptor{
		Queries: []ecs.QueryDesc{ecs.All(ecs.Entity(), ecs.Has(f.a))},
	}, func(ctx *Context) error {
		ctx.Query(0).Each(func(ecs.Row) { count++ })
		return nil
	}))

	require.NoError(t, sched.Run(f.w))
	assert.Equal(t, 2, count)
}
