package replication

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/latticelabs/lattice/pkg/clocksync"
	"github.com/latticelabs/lattice/pkg/ecs"
	"github.com/latticelabs/lattice/pkg/events"
	"github.com/latticelabs/lattice/pkg/log"
	"github.com/latticelabs/lattice/pkg/metrics"
	"github.com/latticelabs/lattice/pkg/types"
	"github.com/latticelabs/lattice/pkg/wire"
)

// ProtocolVersion is the handshake version this build speaks.
const ProtocolVersion uint8 = 1

var (
	// ErrVersionMismatch means the peer speaks a different protocol
	// version. Fatal per connection.
	ErrVersionMismatch = errors.New("protocol version mismatch")
	// ErrHandshakeExhausted means the consumer gave up retransmitting its
	// handshake.
	ErrHandshakeExhausted = errors.New("handshake retry limit exhausted")
)

// SessionState tracks a consumer session's lifecycle.
type SessionState uint8

const (
	SessionHandshaking SessionState = iota
	SessionStreaming
)

// ConsumerSession drives the consumer side of a connection: handshake
// retransmission, clock sampling, packet routing into the reconciler, and
// outgoing command batches with causal keys.
type ConsumerSession struct {
	id     uuid.UUID
	w      *ecs.World
	rec    *Reconciler
	est    *clocksync.Estimator
	broker *events.Broker

	state        SessionState
	retryLimit   int
	retries      int
	serverDomain uint8

	cmdTick types.Tick
	cmdSeq  types.Seq

	logger zerolog.Logger
}

// NewConsumerSession creates a consumer session. The broker may be nil.
func NewConsumerSession(w *ecs.World, rec *Reconciler, est *clocksync.Estimator, retryLimit int, broker *events.Broker) *ConsumerSession {
	id := uuid.New()
	return &ConsumerSession{
		id:         id,
		w:          w,
		rec:        rec,
		est:        est,
		broker:     broker,
		retryLimit: retryLimit,
		logger:     log.WithSession(id.String()).With().Str("component", "session").Logger(),
	}
}

// ID returns the session identifier.
func (s *ConsumerSession) ID() string {
	return s.id.String()
}

// State returns the session state.
func (s *ConsumerSession) State() SessionState {
	return s.state
}

// HandshakePacket returns the next handshake retransmission, nil once
// synced, and ErrHandshakeExhausted past the retry cap.
func (s *ConsumerSession) HandshakePacket() ([]byte, error) {
	if s.state != SessionHandshaking {
		return nil, nil
	}
	if s.retries >= s.retryLimit {
		return nil, fmt.Errorf("after %d attempts: %w", s.retries, ErrHandshakeExhausted)
	}
	s.retries++
	return wire.AppendClientHello(nil, s.w.Tick(), ProtocolVersion), nil
}

// ClocksyncProbe returns a clock exchange probe stamped with the local send
// time.
func (s *ConsumerSession) ClocksyncProbe(now float64) []byte {
	return wire.AppendClocksync(nil, s.w.Tick(), wire.Clocksync{T0: now})
}

// Offset returns the consensus clock offset across sampled peers.
func (s *ConsumerSession) Offset() float64 {
	return s.est.ConsensusOffset()
}

// Ingest decodes and routes one packet. now is the local receive time for
// clock samples. Protocol mismatches are fatal; any other decode failure
// aborts the packet only.
func (s *ConsumerSession) Ingest(packet []byte, now float64) error {
	pkt, err := wire.Decode(s.w.Registry(), packet)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownComponent) || errors.Is(err, wire.ErrUnknownRelation) {
			return fmt.Errorf("protocol mismatch: %w", err)
		}
		metrics.DecodeErrors.Inc()
		s.logger.Warn().Err(err).Msg("Aborted undecodable packet")
		return nil
	}
	metrics.PacketsDecoded.WithLabelValues(packetLabel(pkt.Type)).Inc()

	switch {
	case pkt.ServerHello != nil:
		if s.state != SessionHandshaking {
			return nil
		}
		s.serverDomain = pkt.ServerHello.Domain
		s.w.SetTick(pkt.ServerHello.Tick)
		s.state = SessionStreaming
		s.logger.Info().
			Uint8("server_domain", s.serverDomain).
			Uint32("tick", uint32(pkt.ServerHello.Tick)).
			Msg("Session synced")
		if s.broker != nil {
			s.broker.Publish(&events.Event{
				Type:   events.EventSessionSynced,
				Tick:   pkt.ServerHello.Tick,
				Domain: s.serverDomain,
			})
		}

	case pkt.Clocksync != nil:
		s.est.AddSample(s.serverDomain, clocksync.Sample{
			T0: pkt.Clocksync.T0,
			T1: pkt.Clocksync.T1,
			T2: now,
		})

	case pkt.Transaction != nil:
		s.rec.IngestTransaction(pkt.Transaction)

	case pkt.SnapshotRaw != nil:
		snap, err := wire.DecodeSnapshot(s.w.Registry(), pkt.Tick, pkt.SnapshotRaw)
		if err != nil {
			if errors.Is(err, wire.ErrUnknownComponent) {
				return fmt.Errorf("protocol mismatch: %w", err)
			}
			metrics.DecodeErrors.Inc()
			s.logger.Warn().Err(err).Msg("Aborted undecodable snapshot")
			return nil
		}
		s.rec.IngestSnapshot(snap)

	default:
		s.logger.Warn().Uint8("type", uint8(pkt.Type)).Msg("Ignored unexpected message")
	}
	return nil
}

// SendCommands encodes a command batch for the current tick, translating
// local ghost targets back to their foreign IDs, and registers the batch's
// causal key against the predicted entity (Nil to skip suppression).
func (s *ConsumerSession) SendCommands(cmds []types.Command, predicted types.Entity) ([]byte, types.CausalKey, error) {
	tick := s.w.Tick()
	if tick != s.cmdTick {
		s.cmdTick = tick
		s.cmdSeq = 0
	}
	key := Key(s.w.DomainID(), tick, s.cmdSeq)
	s.cmdSeq++

	translated := make([]types.Command, len(cmds))
	for i, c := range cmds {
		if foreign, ok := s.rec.ForeignOf(c.Target); ok {
			c.Target = foreign
		}
		translated[i] = c
	}

	pkt, err := wire.AppendCommands(nil, s.w.Registry(), tick, translated)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode commands: %w", err)
	}
	if !predicted.IsNil() {
		s.rec.ExpectEcho(key, predicted)
	}
	return pkt, key, nil
}

// ProducerSession drives the producer side of one consumer connection:
// handshake acceptance, clock echoes, and command ingestion into ephemeral
// command entities stamped with the batch's causal key.
type ProducerSession struct {
	id         uuid.UUID
	w          *ecs.World
	stream     *Stream
	proto      Protocol
	peerDomain uint8

	cmdTick types.Tick
	cmdSeq  types.Seq

	logger zerolog.Logger
}

// NewProducerSession creates the producer-side session for a peer domain.
func NewProducerSession(w *ecs.World, stream *Stream, proto Protocol, peerDomain uint8) *ProducerSession {
	id := uuid.New()
	return &ProducerSession{
		id:         id,
		w:          w,
		stream:     stream,
		proto:      proto,
		peerDomain: peerDomain,
		logger: log.WithSession(id.String()).With().
			Str("component", "session").
			Uint8("peer_domain", peerDomain).Logger(),
	}
}

// ID returns the session identifier.
func (s *ProducerSession) ID() string {
	return s.id.String()
}

// Ingest decodes one packet from the consumer and returns any response
// frames. now is the local receive time for clock echoes.
func (s *ProducerSession) Ingest(packet []byte, now float64) ([][]byte, error) {
	pkt, err := wire.Decode(s.w.Registry(), packet)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownComponent) || errors.Is(err, wire.ErrUnknownRelation) {
			return nil, fmt.Errorf("protocol mismatch: %w", err)
		}
		metrics.DecodeErrors.Inc()
		s.logger.Warn().Err(err).Msg("Aborted undecodable packet")
		return nil, nil
	}
	metrics.PacketsDecoded.WithLabelValues(packetLabel(pkt.Type)).Inc()

	switch {
	case pkt.ClientHello != nil:
		if pkt.ClientHello.Version != ProtocolVersion {
			return nil, fmt.Errorf("peer version %d, local %d: %w",
				pkt.ClientHello.Version, ProtocolVersion, ErrVersionMismatch)
		}
		return [][]byte{wire.AppendServerHello(nil, s.w.DomainID(), s.w.Tick())}, nil

	case pkt.Clocksync != nil:
		echo := *pkt.Clocksync
		echo.T1 = now
		return [][]byte{wire.AppendClocksync(nil, s.w.Tick(), echo)}, nil

	case pkt.Commands != nil:
		s.applyCommands(pkt.Tick, pkt.Commands)
		return nil, nil

	default:
		s.logger.Warn().Uint8("type", uint8(pkt.Type)).Msg("Ignored unexpected message")
		return nil, nil
	}
}

// applyCommands spawns one command entity per target, carrying the intent
// components, the intended tick and the batch's causal key. Systems
// processing command entities echo the key through Stream.WithCausal.
func (s *ProducerSession) applyCommands(tick types.Tick, cmds []types.Command) {
	if tick != s.cmdTick {
		s.cmdTick = tick
		s.cmdSeq = 0
	}
	key := Key(s.peerDomain, tick, s.cmdSeq)
	s.cmdSeq++

	var order []types.Entity
	byTarget := make(map[types.Entity][]ecs.Value)
	for _, c := range cmds {
		if !s.w.Alive(c.Target) {
			s.logger.Warn().Uint32("target", uint32(c.Target)).Msg("Command for unknown entity")
			continue
		}
		if _, ok := byTarget[c.Target]; !ok {
			order = append(order, c.Target)
		}
		if s.w.Registry().IsTag(c.Component) {
			byTarget[c.Target] = append(byTarget[c.Target], ecs.T(c.Component))
		} else {
			byTarget[c.Target] = append(byTarget[c.Target], ecs.C(c.Component, c.Value))
		}
	}

	s.stream.WithCausal(key, func() {
		for _, target := range order {
			values := append(byTarget[target], ecs.C(s.proto.CausalStamp, CausalStamp{Key: uint32(key)}))
			SpawnCommand(s.w, s.proto, target, tick, values...)
		}
	})
}

func packetLabel(t wire.MessageType) string {
	switch t {
	case wire.MsgHandshake:
		return "handshake"
	case wire.MsgClocksync:
		return "clocksync"
	case wire.MsgTransaction:
		return "transaction"
	case wire.MsgCommand:
		return "command"
	case wire.MsgSnapshot:
		return "snapshot"
	}
	return "unknown"
}
