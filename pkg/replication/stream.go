package replication

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/latticelabs/lattice/pkg/ecs"
	"github.com/latticelabs/lattice/pkg/events"
	"github.com/latticelabs/lattice/pkg/log"
	"github.com/latticelabs/lattice/pkg/metrics"
	"github.com/latticelabs/lattice/pkg/types"
	"github.com/latticelabs/lattice/pkg/wire"
)

// StreamOptions configures the producer-side replication stream.
type StreamOptions struct {
	// SnapshotInterval is the full-snapshot cadence in ticks; 0 disables
	// snapshots.
	SnapshotInterval types.Tick
	// SnapshotComponents lists the components snapshots image.
	SnapshotComponents []types.ComponentID
}

// Stream observes the world's mutation journal and accumulates forward
// operations for replication-eligible entities — those bearing the
// Replicated tag. At end of tick the pending operations seal into a
// transaction; at the snapshot interval a full image of the configured
// components is emitted alongside.
type Stream struct {
	w      *ecs.World
	proto  Protocol
	opts   StreamOptions
	broker *events.Broker

	pending      []types.Operation
	causal       *types.CausalKey
	lastSealed   types.Tick
	nextSeq      types.Seq
	transactions []types.Transaction
	snapshots    []types.Snapshot

	logger zerolog.Logger
}

// NewStream creates a stream and attaches it to the world's journal. The
// broker may be nil.
func NewStream(w *ecs.World, proto Protocol, opts StreamOptions, broker *events.Broker) *Stream {
	s := &Stream{
		w:      w,
		proto:  proto,
		opts:   opts,
		broker: broker,
		logger: log.WithComponent("stream").With().Uint8("domain_id", w.DomainID()).Logger(),
	}
	w.AddJournal(s)
	return s
}

// WithCausal stamps spawn operations journaled during fn with the key, so
// the originating consumer recognises its own echo.
func (s *Stream) WithCausal(key types.CausalKey, fn func()) {
	s.causal = &key
	fn()
	s.causal = nil
}

func hasComponent(comps []types.ComponentValue, c types.ComponentID) bool {
	for _, cv := range comps {
		if cv.Component == c {
			return true
		}
	}
	return false
}

// OnSpawn records a spawn of a replicated entity.
func (s *Stream) OnSpawn(e types.Entity, comps []types.ComponentValue) {
	if !hasComponent(comps, s.proto.Replicated) {
		return
	}
	op := types.Operation{
		Kind:       types.OpSpawn,
		Entity:     e,
		Components: append([]types.ComponentValue(nil), comps...),
	}
	if s.causal != nil {
		key := *s.causal
		op.Causal = &key
	}
	s.pending = append(s.pending, op)
}

// OnDespawn records a despawn of a replicated entity.
func (s *Stream) OnDespawn(e types.Entity, comps []types.ComponentValue) {
	if !hasComponent(comps, s.proto.Replicated) {
		return
	}
	s.pending = append(s.pending, types.Operation{Kind: types.OpDespawn, Entity: e})
}

// OnSet records a cell write on a replicated entity, carrying the producer
// cell version.
func (s *Stream) OnSet(e types.Entity, c types.ComponentID, prev any, hadPrev bool, prevVersion types.Tick, next any) {
	if !s.w.Has(e, s.proto.Replicated) {
		return
	}
	op := types.Operation{Kind: types.OpSet, Entity: e, Component: c, Value: next}
	v := s.w.Tick()
	op.Version = &v
	if pair, ok := s.w.Registry().Virtual(c); ok {
		p := pair
		op.Relation = &p
	}
	s.pending = append(s.pending, op)
}

// OnAdd records a component addition on a replicated entity.
func (s *Stream) OnAdd(e types.Entity, c types.ComponentID, value any, hasValue bool, rel *types.RelationPair) {
	if !s.w.Has(e, s.proto.Replicated) {
		return
	}
	op := types.Operation{Kind: types.OpAdd, Entity: e, Component: c, Relation: rel}
	if hasValue {
		op.Value = value
	}
	s.pending = append(s.pending, op)
}

// OnRemove records a component removal on a replicated entity. Virtual
// component removals do not replicate: the wire's remove carries no
// relation pair, and the consumer's own object-despawn fan-out covers the
// destruction path.
func (s *Stream) OnRemove(e types.Entity, c types.ComponentID, prev any, rel *types.RelationPair) {
	if !s.w.Has(e, s.proto.Replicated) {
		return
	}
	if rel != nil {
		s.logger.Debug().Uint32("component", uint32(c)).Msg("Skipping relation removal in stream")
		return
	}
	s.pending = append(s.pending, types.Operation{Kind: types.OpRemove, Entity: e, Component: c})
}

// EndTick seals pending operations into a transaction and emits a snapshot
// when the interval falls due. Call after the tick's systems have run.
func (s *Stream) EndTick() {
	tick := s.w.Tick()
	if tick != s.lastSealed {
		s.nextSeq = 0
		s.lastSealed = tick
	}

	if len(s.pending) > 0 {
		s.transactions = append(s.transactions, types.Transaction{
			Tick:   tick,
			Domain: s.w.DomainID(),
			Seq:    s.nextSeq,
			Ops:    s.pending,
		})
		s.nextSeq++
		s.pending = nil
		metrics.TransactionsProduced.Inc()
	}

	if s.opts.SnapshotInterval > 0 && tick%s.opts.SnapshotInterval == 0 && len(s.opts.SnapshotComponents) > 0 {
		s.snapshots = append(s.snapshots, s.captureSnapshot(tick))
		metrics.SnapshotsEmitted.Inc()
		if s.broker != nil {
			s.broker.Publish(&events.Event{
				Type:   events.EventSnapshotEmitted,
				Tick:   tick,
				Domain: s.w.DomainID(),
			})
		}
	}
}

func (s *Stream) captureSnapshot(tick types.Tick) types.Snapshot {
	snap := types.Snapshot{Tick: tick}
	for _, c := range s.opts.SnapshotComponents {
		block := types.SnapshotBlock{Component: c}
		s.w.EachEntityWith(c, func(e types.Entity, v any) {
			block.Rows = append(block.Rows, types.SnapshotRow{Entity: e, Value: v})
		})
		snap.Blocks = append(snap.Blocks, block)
	}
	return snap
}

// Flush drains the per-tick transaction and snapshot lists.
func (s *Stream) Flush() ([]types.Transaction, []types.Snapshot) {
	txs, snaps := s.transactions, s.snapshots
	s.transactions = nil
	s.snapshots = nil
	return txs, snaps
}

// FlushPackets drains the stream into encoded wire frames, snapshots
// first so same-tick ordering survives the transport.
func (s *Stream) FlushPackets() ([][]byte, error) {
	txs, snaps := s.Flush()
	packets := make([][]byte, 0, len(txs)+len(snaps))
	reg := s.w.Registry()

	for i := range snaps {
		pkt, err := wire.AppendSnapshot(nil, reg, &snaps[i])
		if err != nil {
			return nil, fmt.Errorf("failed to encode snapshot: %w", err)
		}
		metrics.SnapshotBytes.Add(float64(len(pkt)))
		packets = append(packets, pkt)
	}
	for i := range txs {
		pkt, err := wire.AppendTransaction(nil, reg, &txs[i])
		if err != nil {
			return nil, fmt.Errorf("failed to encode transaction: %w", err)
		}
		packets = append(packets, pkt)
	}
	return packets, nil
}
