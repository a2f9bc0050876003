package replication

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/latticelabs/lattice/pkg/ecs"
	"github.com/latticelabs/lattice/pkg/events"
	"github.com/latticelabs/lattice/pkg/history"
	"github.com/latticelabs/lattice/pkg/log"
	"github.com/latticelabs/lattice/pkg/metrics"
	"github.com/latticelabs/lattice/pkg/schedule"
	"github.com/latticelabs/lattice/pkg/types"
)

// ReconcilerOptions configures the consumer-side reconciliation engine.
type ReconcilerOptions struct {
	// GhostCleanupWindow is how many ticks a ghost binding survives without
	// traffic.
	GhostCleanupWindow types.Tick
}

type ghost struct {
	local    types.Entity
	lastSeen types.Tick
}

// Reconciler ingests remote transactions and snapshots, rolls the world
// back to the earliest affected tick, re-binds foreign entities into the
// local domain, and resimulates forward through the reconcile schedule.
type Reconciler struct {
	w      *ecs.World
	hist   *history.Buffer
	resim  *schedule.Schedule
	cmds   *CommandBuffer
	proto  Protocol
	opts   ReconcilerOptions
	broker *events.Broker

	ghosts  map[types.Entity]*ghost
	reverse map[types.Entity]types.Entity // local → foreign

	pendingTx   map[types.Tick][]*types.Transaction
	pendingSnap map[types.Tick][]*types.Snapshot

	// Applied buckets are retained for the history window: a rollback
	// undoes their effects, so resimulation must re-apply them in place.
	appliedTx   map[types.Tick][]*types.Transaction
	appliedSnap map[types.Tick][]*types.Snapshot

	// pendingCausal maps an outgoing command batch's key to the locally
	// predicted entity, so the producer's echoed spawn binds instead of
	// duplicating.
	pendingCausal map[types.CausalKey]types.Entity

	logger zerolog.Logger
}

// NewReconciler creates a reconciliation engine over the world's history
// buffer. resim is the schedule resimulation runs; cmds replays local
// intent during resimulation. Both may be nil; so may broker.
func NewReconciler(w *ecs.World, hist *history.Buffer, resim *schedule.Schedule, cmds *CommandBuffer, proto Protocol, opts ReconcilerOptions, broker *events.Broker) *Reconciler {
	return &Reconciler{
		w:             w,
		hist:          hist,
		resim:         resim,
		cmds:          cmds,
		proto:         proto,
		opts:          opts,
		broker:        broker,
		ghosts:        make(map[types.Entity]*ghost),
		reverse:       make(map[types.Entity]types.Entity),
		pendingTx:     make(map[types.Tick][]*types.Transaction),
		pendingSnap:   make(map[types.Tick][]*types.Snapshot),
		appliedTx:     make(map[types.Tick][]*types.Transaction),
		appliedSnap:   make(map[types.Tick][]*types.Snapshot),
		pendingCausal: make(map[types.CausalKey]types.Entity),
		logger:        log.WithComponent("reconciler").With().Uint8("domain_id", w.DomainID()).Logger(),
	}
}

// IngestTransaction buckets a remote transaction by its producer tick.
func (r *Reconciler) IngestTransaction(tx *types.Transaction) {
	if tx.Domain == r.w.DomainID() {
		return
	}
	r.pendingTx[tx.Tick] = append(r.pendingTx[tx.Tick], tx)
}

// IngestSnapshot buckets a remote snapshot by its tick.
func (r *Reconciler) IngestSnapshot(s *types.Snapshot) {
	r.pendingSnap[s.Tick] = append(r.pendingSnap[s.Tick], s)
}

// ExpectEcho records a causal key and the locally predicted entity it
// stands for. The producer's echoed spawn carrying the key binds to the
// prediction instead of spawning a duplicate.
func (r *Reconciler) ExpectEcho(key types.CausalKey, predicted types.Entity) {
	r.pendingCausal[key] = predicted
}

// LocalOf returns the local entity bound to a foreign one.
func (r *Reconciler) LocalOf(foreign types.Entity) (types.Entity, bool) {
	g, ok := r.ghosts[foreign]
	if !ok {
		return types.Nil, false
	}
	return g.local, true
}

// ForeignOf returns the foreign entity a local ghost stands for. Outgoing
// commands translate their targets through it.
func (r *Reconciler) ForeignOf(local types.Entity) (types.Entity, bool) {
	e, ok := r.reverse[local]
	return e, ok
}

// GhostCount returns the number of live ghost bindings.
func (r *Reconciler) GhostCount() int {
	return len(r.ghosts)
}

// Reconcile runs at the start of a tick, before local systems. It drops
// out-of-window buckets, rolls back to the earliest affected tick, applies
// remote state in (tick, seq) order — snapshots before transactions — and
// resimulates forward, journaling a fresh undo segment.
func (r *Reconciler) Reconcile() error {
	current := r.w.Tick()

	r.dropStale(current)

	target, ok := r.earliestBucket()
	if !ok {
		r.collectGhosts(current)
		return nil
	}

	if target < current {
		if err := r.hist.RollbackTo(target); err != nil {
			if errors.Is(err, history.ErrOutOfWindow) {
				// Should have been dropped above; degrade rather than die.
				r.logger.Warn().Err(err).Msg("Dropped out-of-window remote data")
				r.dropBucketsThrough(target)
				return nil
			}
			return fmt.Errorf("failed to roll back to tick %d: %w", target, err)
		}

		for t := target; t < current; t++ {
			r.w.SetTick(t)
			r.hist.MaybeCheckpoint()
			if err := r.applyBuckets(t); err != nil {
				return err
			}
			if r.cmds != nil {
				r.cmds.Replay(t, r.w)
			}
			if r.resim != nil {
				if err := r.resim.Run(r.w); err != nil {
					return fmt.Errorf("resimulation at tick %d failed: %w", t, err)
				}
			}
			metrics.ResimulatedTicks.Inc()
		}
		r.w.SetTick(current)
		if r.broker != nil {
			r.broker.Publish(&events.Event{
				Type:   events.EventRollbackPerformed,
				Tick:   target,
				Domain: r.w.DomainID(),
			})
		}
	}

	if err := r.applyBuckets(current); err != nil {
		return err
	}

	r.hist.Prune()
	if r.cmds != nil && r.hist.Window() > 0 && current > r.hist.Window() {
		r.cmds.Prune(current - r.hist.Window())
	}
	r.collectGhosts(current)
	return nil
}

func (r *Reconciler) earliestBucket() (types.Tick, bool) {
	var min types.Tick
	found := false
	for t := range r.pendingTx {
		if !found || t < min {
			min, found = t, true
		}
	}
	for t := range r.pendingSnap {
		if !found || t < min {
			min, found = t, true
		}
	}
	return min, found
}

func (r *Reconciler) dropStale(current types.Tick) {
	window := r.hist.Window()
	if window == 0 || current <= window {
		return
	}
	floor := current - window
	for t, txs := range r.pendingTx {
		if t < floor {
			r.logger.Warn().Uint32("tick", uint32(t)).Int("transactions", len(txs)).
				Msg("Dropped out-of-window transactions")
			metrics.TransactionsDropped.WithLabelValues("out_of_window").Add(float64(len(txs)))
			if r.broker != nil {
				r.broker.Publish(&events.Event{Type: events.EventTransactionDropped, Tick: t})
			}
			delete(r.pendingTx, t)
		}
	}
	for t := range r.pendingSnap {
		if t < floor {
			r.logger.Warn().Uint32("tick", uint32(t)).Msg("Dropped out-of-window snapshot")
			delete(r.pendingSnap, t)
		}
	}
	// Applied buckets older than the window can never be replayed again.
	for t := range r.appliedTx {
		if t < floor {
			delete(r.appliedTx, t)
		}
	}
	for t := range r.appliedSnap {
		if t < floor {
			delete(r.appliedSnap, t)
		}
	}
}

func (r *Reconciler) dropBucketsThrough(t types.Tick) {
	for u := range r.pendingTx {
		if u <= t {
			delete(r.pendingTx, u)
		}
	}
	for u := range r.pendingSnap {
		if u <= t {
			delete(r.pendingSnap, u)
		}
	}
}

// applyBuckets applies the tick's snapshots then its transactions, the
// latter in (domain, seq) order. Pending buckets graduate into the applied
// log so a later rollback through this tick re-applies them.
func (r *Reconciler) applyBuckets(t types.Tick) error {
	if pending := r.pendingSnap[t]; len(pending) > 0 {
		r.appliedSnap[t] = append(r.appliedSnap[t], pending...)
		delete(r.pendingSnap, t)
	}
	for _, snap := range r.appliedSnap[t] {
		if err := r.applySnapshot(snap, t); err != nil {
			return err
		}
	}

	if pending := r.pendingTx[t]; len(pending) > 0 {
		r.appliedTx[t] = append(r.appliedTx[t], pending...)
		delete(r.pendingTx, t)
		metrics.TransactionsApplied.Add(float64(len(pending)))
	}
	txs := r.appliedTx[t]
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].Domain != txs[j].Domain {
			return txs[i].Domain < txs[j].Domain
		}
		return txs[i].Seq < txs[j].Seq
	})
	for _, tx := range txs {
		if err := r.applyTransaction(tx, t); err != nil {
			return err
		}
	}
	return nil
}

// applySnapshot overwrites the listed components with their authoritative
// image, materialising ghosts for unseen entities.
func (r *Reconciler) applySnapshot(snap *types.Snapshot, now types.Tick) error {
	for _, block := range snap.Blocks {
		if !r.w.Registry().Knows(block.Component) {
			return fmt.Errorf("snapshot block component %d: unknown component id", block.Component)
		}
		for _, row := range block.Rows {
			local := r.bind(row.Entity, now, []types.ComponentValue{
				{Component: block.Component, Value: row.Value},
				{Component: r.proto.Replicated},
			})
			if local.IsNil() {
				continue
			}
			if err := r.w.Set(local, block.Component, row.Value); err != nil {
				r.logger.Warn().Err(err).Msg("Snapshot row on destroyed entity")
			}
		}
	}
	return nil
}

// bind resolves a foreign entity to its local ghost, spawning one with the
// seed components on first sight and reviving a stand-in that a rollback
// un-spawned.
func (r *Reconciler) bind(foreign types.Entity, now types.Tick, seed []types.ComponentValue) types.Entity {
	values := make([]ecs.Value, 0, len(seed))
	for _, cv := range seed {
		values = append(values, ecs.Value(cv))
	}
	if g, ok := r.ghosts[foreign]; ok {
		g.lastSeen = now
		if !r.w.Alive(g.local) {
			r.w.SpawnAt(g.local, values)
		}
		return g.local
	}
	local := r.w.Spawn(values...)
	r.adopt(foreign, local, now)
	return local
}

func (r *Reconciler) adopt(foreign, local types.Entity, now types.Tick) {
	r.ghosts[foreign] = &ghost{local: local, lastSeen: now}
	r.reverse[local] = foreign
	metrics.GhostsLive.Set(float64(len(r.ghosts)))
	if r.broker != nil {
		r.broker.Publish(&events.Event{
			Type:   events.EventGhostCreated,
			Tick:   now,
			Entity: local,
		})
	}
}

// translate maps a foreign entity through the ghost table.
func (r *Reconciler) translate(foreign types.Entity, now types.Tick) (types.Entity, bool) {
	g, ok := r.ghosts[foreign]
	if !ok {
		return types.Nil, false
	}
	g.lastSeen = now
	return g.local, true
}

func (r *Reconciler) applyTransaction(tx *types.Transaction, now types.Tick) error {
	for _, op := range tx.Ops {
		if op.Component != 0 && op.Relation == nil && !r.w.Registry().Knows(op.Component) {
			return fmt.Errorf("transaction from domain %d: component %d: unknown component id", tx.Domain, op.Component)
		}

		switch op.Kind {
		case types.OpSpawn:
			r.applyRemoteSpawn(op, now)

		case types.OpDespawn:
			local, ok := r.translate(op.Entity, now)
			if !ok {
				continue
			}
			// The binding outlives the entity: a rollback through this tick
			// revives the stand-in under the same local ID, and the ghost
			// collector reaps the idle binding later.
			r.w.Despawn(local)

		default:
			local, ok := r.translate(op.Entity, now)
			if !ok {
				// Remote references an entity we never bound or already
				// collected; replay semantics ignore it.
				continue
			}
			applied := op
			applied.Entity = local
			if op.Relation != nil {
				rel, ok := r.translateRelation(op.Relation, now)
				if !ok {
					continue
				}
				applied.Relation = rel
			}
			if err := r.w.ApplyOperation(applied); err != nil {
				return fmt.Errorf("failed to apply remote op: %w", err)
			}
		}
	}
	return nil
}

func (r *Reconciler) applyRemoteSpawn(op types.Operation, now types.Tick) {
	values := make([]ecs.Value, 0, len(op.Components))
	for _, cv := range op.Components {
		if cv.Relation != nil {
			rel, ok := r.translateRelation(cv.Relation, now)
			if !ok {
				continue
			}
			cv.Relation = rel
			cv.Component = 0
		}
		values = append(values, ecs.Value(cv))
	}

	if g, ok := r.ghosts[op.Entity]; ok {
		g.lastSeen = now
		// A rollback may have un-spawned the stand-in; revive it under the
		// same local ID so retained undo and commands stay addressed.
		if !r.w.Alive(g.local) {
			r.w.SpawnAt(g.local, values)
		}
		return
	}

	// A spawn echoing one of our own causal keys binds to the predicted
	// entity instead of duplicating it.
	if op.Causal != nil {
		if predicted, ok := r.pendingCausal[*op.Causal]; ok {
			delete(r.pendingCausal, *op.Causal)
			if r.w.Alive(predicted) {
				r.adopt(op.Entity, predicted, now)
				metrics.CommandsSuppressed.Inc()
				return
			}
		}
	}

	local := r.w.Spawn(values...)
	r.adopt(op.Entity, local, now)
}

// translateRelation rebinds the pair's object entity.
func (r *Reconciler) translateRelation(pair *types.RelationPair, now types.Tick) (*types.RelationPair, bool) {
	object, ok := r.translate(pair.Object, now)
	if !ok {
		r.logger.Warn().
			Uint32("relation", uint32(pair.Relation)).
			Uint32("object", uint32(pair.Object)).
			Msg("Dropped relation against unbound object")
		return nil, false
	}
	return &types.RelationPair{Relation: pair.Relation, Object: object}, true
}

// collectGhosts garbage-collects bindings that have seen no traffic for
// the cleanup window, despawning the local stand-in.
func (r *Reconciler) collectGhosts(current types.Tick) {
	if r.opts.GhostCleanupWindow == 0 || current <= r.opts.GhostCleanupWindow {
		return
	}
	floor := current - r.opts.GhostCleanupWindow
	for foreign, g := range r.ghosts {
		if g.lastSeen >= floor {
			continue
		}
		r.w.Despawn(g.local)
		delete(r.reverse, g.local)
		delete(r.ghosts, foreign)
		if r.broker != nil {
			r.broker.Publish(&events.Event{
				Type:   events.EventGhostExpired,
				Tick:   current,
				Entity: g.local,
			})
		}
	}
	metrics.GhostsLive.Set(float64(len(r.ghosts)))
}
