package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticelabs/lattice/pkg/ecs"
	"github.com/latticelabs/lattice/pkg/types"
)

type position struct {
	X float64
	Y float64
}

type fixture struct {
	w        *ecs.World
	buf      *Buffer
	position types.ComponentID
	frozen   types.ComponentID
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	w := ecs.NewWorld(0)
	reg := w.Registry()
	f := &fixture{
		w:        w,
		position: reg.RegisterComponent("Position", ecs.MustAutoCodec(position{})),
		frozen:   reg.RegisterTag("Frozen"),
	}
	if opts.Tracked == nil {
		opts.Tracked = []types.ComponentID{f.position}
	}
	f.buf = New(w, opts)
	return f
}

func TestUndoSet(t *testing.T) {
	f := newFixture(t, Options{Window: 64, Interval: 16})

	f.w.SetTick(1)
	e := f.w.Spawn(ecs.C(f.position, position{X: 1}))

	f.w.StepTick() // tick 2
	require.NoError(t, f.w.Set(e, f.position, position{X: 2}))

	require.NoError(t, f.buf.RollbackTo(2))
	v, ok := f.w.Get(e, f.position)
	require.True(t, ok)
	assert.Equal(t, position{X: 1}, v)
	assert.Equal(t, types.Tick(2), f.w.Tick())

	// Rolling back to before the spawn removes the entity entirely
	require.NoError(t, f.buf.RollbackTo(1))
	assert.False(t, f.w.Alive(e))
}

func TestUndoAddRemove(t *testing.T) {
	f := newFixture(t, Options{Window: 64, Interval: 16})

	f.w.SetTick(1)
	e := f.w.Spawn(ecs.C(f.position, position{X: 1}))

	f.w.SetTick(2)
	f.w.ClearTransitions()
	f.w.Add(e, f.frozen)

	f.w.SetTick(3)
	f.w.Remove(e, f.frozen)

	require.NoError(t, f.buf.RollbackTo(3))
	assert.True(t, f.w.Has(e, f.frozen))

	require.NoError(t, f.buf.RollbackTo(2))
	assert.False(t, f.w.Has(e, f.frozen))
}

func TestUndoDespawnRestoresValues(t *testing.T) {
	f := newFixture(t, Options{Window: 64, Interval: 16})

	f.w.SetTick(1)
	e := f.w.Spawn(ecs.C(f.position, position{X: 7, Y: 8}), ecs.T(f.frozen))

	f.w.SetTick(2)
	f.w.Despawn(e)
	assert.False(t, f.w.Alive(e))

	require.NoError(t, f.buf.RollbackTo(2))
	require.True(t, f.w.Alive(e))
	v, ok := f.w.Get(e, f.position)
	require.True(t, ok)
	assert.Equal(t, position{X: 7, Y: 8}, v)
	assert.True(t, f.w.Has(e, f.frozen))
}

// TestCheckpointRoundTrip is the checkpoint+undo property: capture at t,
// advance n ticks of mutation, roll back to t, observe the original state.
func TestCheckpointRoundTrip(t *testing.T) {
	f := newFixture(t, Options{Window: 128, Interval: 1})

	f.w.SetTick(10)
	e := f.w.Spawn(ecs.C(f.position, position{X: 100}))
	f.w.SetTick(11)
	f.buf.CaptureCheckpoint()

	for i := 0; i < 5; i++ {
		f.w.StepTick()
		require.NoError(t, f.w.Set(e, f.position, position{X: float64(200 + i)}))
		if i == 2 {
			f.w.Spawn(ecs.T(f.frozen))
		}
	}
	assert.Equal(t, types.Tick(16), f.w.Tick())

	require.NoError(t, f.buf.RollbackTo(11))
	assert.Equal(t, types.Tick(11), f.w.Tick())

	v, ok := f.w.Get(e, f.position)
	require.True(t, ok)
	assert.Equal(t, position{X: 100}, v)
	assert.Equal(t, 0, f.w.Query(ecs.All(ecs.Has(f.frozen))).Count())

	// The rewritten range journals fresh undo: mutate and roll back again
	f.w.StepTick()
	require.NoError(t, f.w.Set(e, f.position, position{X: 300}))
	require.NoError(t, f.buf.RollbackTo(11))
	v, _ = f.w.Get(e, f.position)
	assert.Equal(t, position{X: 100}, v)
}

func TestRollbackOutOfWindow(t *testing.T) {
	f := newFixture(t, Options{Window: 8, Interval: 4})

	f.w.SetTick(100)
	err := f.buf.RollbackTo(50)
	assert.ErrorIs(t, err, ErrOutOfWindow)
}

func TestRollbackToFutureTickIsNoOp(t *testing.T) {
	f := newFixture(t, Options{Window: 8, Interval: 4})
	f.w.SetTick(5)
	assert.NoError(t, f.buf.RollbackTo(9))
	assert.Equal(t, types.Tick(5), f.w.Tick())
}

func TestPrune(t *testing.T) {
	f := newFixture(t, Options{Window: 4, Interval: 2})

	e := f.w.Spawn(ecs.C(f.position, position{}))
	for i := 0; i < 10; i++ {
		f.w.StepTick()
		f.buf.MaybeCheckpoint()
		require.NoError(t, f.w.Set(e, f.position, position{X: float64(i)}))
	}
	f.buf.Prune()

	// Targets inside the window still work
	require.NoError(t, f.buf.RollbackTo(f.w.Tick()-2))
	// Targets beyond it fail
	assert.ErrorIs(t, f.buf.RollbackTo(2), ErrOutOfWindow)
}
