package history

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/latticelabs/lattice/pkg/ecs"
	"github.com/latticelabs/lattice/pkg/log"
	"github.com/latticelabs/lattice/pkg/metrics"
	"github.com/latticelabs/lattice/pkg/types"
)

// ErrOutOfWindow is returned when a rollback target is older than the
// history window.
var ErrOutOfWindow = errors.New("rollback target is outside the history window")

// Options configures a history buffer.
type Options struct {
	// Window bounds how far back the buffer can roll back, in ticks.
	Window types.Tick
	// Interval is the checkpoint cadence, in ticks.
	Interval types.Tick
	// Tracked lists the components whose cell values checkpoints capture.
	Tracked []types.ComponentID
}

// Buffer keeps a ring of world checkpoints plus a per-tick undo log. It
// observes the world's mutation journal, deriving a reverse operation for
// every forward mutation, and can restore the world to any tick within the
// window.
type Buffer struct {
	w           *ecs.World
	opts        Options
	checkpoints []*ecs.Image // ascending by tick
	undo        map[types.Tick][]types.Operation
	logger      zerolog.Logger
}

// New creates a history buffer and attaches it to the world's journal.
func New(w *ecs.World, opts Options) *Buffer {
	b := &Buffer{
		w:      w,
		opts:   opts,
		undo:   make(map[types.Tick][]types.Operation),
		logger: log.WithComponent("history").With().Uint8("domain_id", w.DomainID()).Logger(),
	}
	w.AddJournal(b)
	return b
}

func (b *Buffer) record(op types.Operation) {
	t := b.w.Tick()
	b.undo[t] = append(b.undo[t], op)
}

// OnSpawn journals the reverse of a spawn.
func (b *Buffer) OnSpawn(e types.Entity, comps []types.ComponentValue) {
	b.record(types.Operation{Kind: types.OpDespawn, Entity: e})
}

// OnDespawn journals the restoration of the entity's archetype and values.
func (b *Buffer) OnDespawn(e types.Entity, comps []types.ComponentValue) {
	b.record(types.Operation{
		Kind:       types.OpSpawn,
		Entity:     e,
		Components: append([]types.ComponentValue(nil), comps...),
	})
}

// OnSet journals the previous cell value, or a removal when the set
// implicitly added the component.
func (b *Buffer) OnSet(e types.Entity, c types.ComponentID, prev any, hadPrev bool, prevVersion types.Tick, next any) {
	if !hadPrev {
		b.record(types.Operation{Kind: types.OpRemove, Entity: e, Component: c})
		return
	}
	v := prevVersion
	b.record(types.Operation{Kind: types.OpSet, Entity: e, Component: c, Value: prev, Version: &v})
}

// OnAdd journals the reverse of a component addition.
func (b *Buffer) OnAdd(e types.Entity, c types.ComponentID, value any, hasValue bool, rel *types.RelationPair) {
	b.record(types.Operation{Kind: types.OpRemove, Entity: e, Component: c})
}

// OnRemove journals the re-addition of the removed component and value.
func (b *Buffer) OnRemove(e types.Entity, c types.ComponentID, prev any, rel *types.RelationPair) {
	b.record(types.Operation{Kind: types.OpAdd, Entity: e, Component: c, Value: prev, Relation: rel})
}

// CaptureCheckpoint snapshots the world at the current tick. Call it at the
// tick boundary, before the tick's mutations.
func (b *Buffer) CaptureCheckpoint() {
	img := b.w.Capture(b.opts.Tracked)
	b.checkpoints = append(b.checkpoints, img)
	metrics.CheckpointsTotal.Inc()
}

// MaybeCheckpoint captures a checkpoint when the current tick falls on the
// configured interval.
func (b *Buffer) MaybeCheckpoint() {
	if b.opts.Interval > 0 && b.w.Tick()%b.opts.Interval == 0 {
		b.CaptureCheckpoint()
	}
}

// RollbackTo restores the world to its state immediately before tick t's
// mutations applied. Undo entries and checkpoints for the rewritten range
// are discarded; the caller resimulates forward, journaling a fresh segment.
func (b *Buffer) RollbackTo(t types.Tick) error {
	cur := b.w.Tick()
	if t > cur {
		return nil
	}
	if b.opts.Window > 0 && cur-t > b.opts.Window {
		return fmt.Errorf("target %d at tick %d: %w", t, cur, ErrOutOfWindow)
	}

	b.w.PauseJournal()
	defer b.w.ResumeJournal()

	// The smallest checkpoint at or after the target truncates the undo
	// replay; without one the whole span replays from the current tick.
	from := int64(cur)
	if img := b.checkpointAtOrAfter(t, cur); img != nil {
		b.w.Restore(img)
		from = int64(img.Tick()) - 1
	}

	for u := from; u >= int64(t); u-- {
		ops := b.undo[types.Tick(u)]
		for i := len(ops) - 1; i >= 0; i-- {
			if err := b.w.ApplyOperation(ops[i]); err != nil {
				return fmt.Errorf("failed to replay undo at tick %d: %w", u, err)
			}
		}
	}

	b.w.SetTick(t)
	b.discardFrom(t)
	metrics.RollbackDepth.Observe(float64(cur - t))
	b.logger.Debug().Uint32("from", uint32(cur)).Uint32("to", uint32(t)).Msg("Rolled back")
	return nil
}

func (b *Buffer) checkpointAtOrAfter(t, cur types.Tick) *ecs.Image {
	for _, img := range b.checkpoints {
		if img.Tick() >= t && img.Tick() <= cur {
			return img
		}
	}
	return nil
}

// discardFrom drops undo segments at or after t and checkpoints after t;
// both describe a timeline the rollback just erased.
func (b *Buffer) discardFrom(t types.Tick) {
	for u := range b.undo {
		if u >= t {
			delete(b.undo, u)
		}
	}
	kept := b.checkpoints[:0]
	for _, img := range b.checkpoints {
		if img.Tick() <= t {
			kept = append(kept, img)
		}
	}
	b.checkpoints = kept
}

// Prune drops undo entries and checkpoints older than the window.
func (b *Buffer) Prune() {
	if b.opts.Window == 0 {
		return
	}
	cur := b.w.Tick()
	if cur <= b.opts.Window {
		return
	}
	floor := cur - b.opts.Window
	for u := range b.undo {
		if u < floor {
			delete(b.undo, u)
		}
	}
	kept := b.checkpoints[:0]
	for _, img := range b.checkpoints {
		if img.Tick() >= floor {
			kept = append(kept, img)
		}
	}
	b.checkpoints = kept
}

// Window returns the configured history window.
func (b *Buffer) Window() types.Tick {
	return b.opts.Window
}
