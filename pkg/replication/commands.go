package replication

import (
	"sort"

	"github.com/latticelabs/lattice/pkg/ecs"
	"github.com/latticelabs/lattice/pkg/types"
)

// CommandBuffer queues local mutations intended for a given tick. The
// buffer retains drained entries until pruned: reconciliation replays them
// when it resimulates the ticks they belong to, so local prediction
// survives a rollback.
type CommandBuffer struct {
	byTick map[types.Tick][]types.Operation
}

// NewCommandBuffer creates an empty buffer.
func NewCommandBuffer() *CommandBuffer {
	return &CommandBuffer{byTick: make(map[types.Tick][]types.Operation)}
}

// Queue records an operation for the tick.
func (b *CommandBuffer) Queue(t types.Tick, op types.Operation) {
	b.byTick[t] = append(b.byTick[t], op)
}

// Replay applies the tick's queued operations to the world. Entries stay
// queued for later replays.
func (b *CommandBuffer) Replay(t types.Tick, w *ecs.World) {
	for _, op := range b.byTick[t] {
		_ = w.ApplyOperation(op)
	}
}

// Prune drops entries older than the floor tick.
func (b *CommandBuffer) Prune(floor types.Tick) {
	for t := range b.byTick {
		if t < floor {
			delete(b.byTick, t)
		}
	}
}

// Len returns the number of ticks holding queued operations.
func (b *CommandBuffer) Len() int {
	return len(b.byTick)
}

// SpawnCommand creates an ephemeral command entity acting for the player:
// tagged with CommandOf(player), stamped with the intended tick, carrying
// the intent components. Command entities live for one tick; drain them
// with DespawnCommands before the tick ends.
func SpawnCommand(w *ecs.World, proto Protocol, player types.Entity, intent types.Tick, comps ...ecs.Value) types.Entity {
	values := make([]ecs.Value, 0, len(comps)+2)
	values = append(values,
		ecs.R(proto.CommandOf, player),
		ecs.C(proto.IntentTick, IntentTick{Tick: uint32(intent)}),
	)
	values = append(values, comps...)
	return w.Spawn(values...)
}

// CollectCommands gathers the intent components of every live command
// entity into wire commands targeting the related player entity. Protocol
// bookkeeping components are not collected.
func CollectCommands(w *ecs.World, proto Protocol) []types.Command {
	reg := w.Registry()
	var cmds []types.Command

	q := w.Query(ecs.All(ecs.Entity(), ecs.HasRel(proto.CommandOf)))
	q.Each(func(r ecs.Row) {
		e := r.Entity()
		player := commandPlayer(w, proto, e)
		if player.IsNil() {
			return
		}
		for _, c := range w.Components(e) {
			if c == proto.IntentTick || c == proto.CausalStamp {
				continue
			}
			if _, isVirtual := reg.Virtual(c); isVirtual {
				continue
			}
			v, _ := w.Get(e, c)
			cmds = append(cmds, types.Command{Target: player, Component: c, Value: v})
		}
	})
	sort.SliceStable(cmds, func(i, j int) bool { return cmds[i].Target < cmds[j].Target })
	return cmds
}

// commandPlayer resolves the player entity a command entity acts for.
func commandPlayer(w *ecs.World, proto Protocol, cmd types.Entity) types.Entity {
	reg := w.Registry()
	for _, c := range w.Components(cmd) {
		if pair, ok := reg.Virtual(c); ok && pair.Relation == proto.CommandOf {
			return pair.Object
		}
	}
	return types.Nil
}

// DespawnCommands destroys every live command entity. Call at end of tick.
func DespawnCommands(w *ecs.World, proto Protocol) {
	q := w.Query(ecs.All(ecs.Entity(), ecs.HasRel(proto.CommandOf)))
	var doomed []types.Entity
	q.Each(func(r ecs.Row) {
		doomed = append(doomed, r.Entity())
	})
	for _, e := range doomed {
		w.Despawn(e)
	}
}
