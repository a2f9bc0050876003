package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticelabs/lattice/pkg/clocksync"
	"github.com/latticelabs/lattice/pkg/ecs"
	"github.com/latticelabs/lattice/pkg/types"
	"github.com/latticelabs/lattice/pkg/wire"
)

type duplex struct {
	producer *side
	stream   *Stream
	pSession *ProducerSession
	consumer *consumer
	cSession *ConsumerSession
}

func newDuplex(t *testing.T) *duplex {
	t.Helper()
	p := newSide(0)
	stream := NewStream(p.w, p.proto, StreamOptions{}, nil)
	c := newConsumer(1, 120, 10, 300)
	return &duplex{
		producer: p,
		stream:   stream,
		pSession: NewProducerSession(p.w, stream, p.proto, 1),
		consumer: c,
		cSession: NewConsumerSession(c.w, c.rec, clocksync.NewEstimator(8), 4, nil),
	}
}

func TestHandshakeFlow(t *testing.T) {
	d := newDuplex(t)
	d.producer.w.SetTick(200)

	hello, err := d.cSession.HandshakePacket()
	require.NoError(t, err)
	require.NotNil(t, hello)

	responses, err := d.pSession.Ingest(hello, 0)
	require.NoError(t, err)
	require.Len(t, responses, 1)

	require.NoError(t, d.cSession.Ingest(responses[0], 0))
	assert.Equal(t, SessionStreaming, d.cSession.State())
	assert.Equal(t, types.Tick(200), d.consumer.w.Tick())

	// Once synced, no further retransmission
	hello, err = d.cSession.HandshakePacket()
	require.NoError(t, err)
	assert.Nil(t, hello)
}

func TestHandshakeRetryCap(t *testing.T) {
	d := newDuplex(t)

	for i := 0; i < 4; i++ {
		pkt, err := d.cSession.HandshakePacket()
		require.NoError(t, err)
		require.NotNil(t, pkt)
	}
	_, err := d.cSession.HandshakePacket()
	assert.ErrorIs(t, err, ErrHandshakeExhausted)
}

func TestVersionMismatchIsFatal(t *testing.T) {
	d := newDuplex(t)

	bad := wire.AppendClientHello(nil, 0, ProtocolVersion+1)
	_, err := d.pSession.Ingest(bad, 0)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestClocksyncExchange(t *testing.T) {
	d := newDuplex(t)
	syncSessions(t, d)

	probe := d.cSession.ClocksyncProbe(100)
	responses, err := d.pSession.Ingest(probe, 200)
	require.NoError(t, err)
	require.Len(t, responses, 1)

	require.NoError(t, d.cSession.Ingest(responses[0], 110))
	assert.Equal(t, 95.0, d.cSession.Offset())
}

func syncSessions(t *testing.T, d *duplex) {
	t.Helper()
	hello, err := d.cSession.HandshakePacket()
	require.NoError(t, err)
	responses, err := d.pSession.Ingest(hello, 0)
	require.NoError(t, err)
	require.NoError(t, d.cSession.Ingest(responses[0], 0))
}

// TestCommandRoundTripThroughSessions drives the whole intent path: the
// consumer predicts a spawn, sends the command, the producer spawns a
// command entity under the causal key, its system performs the
// authoritative spawn, and the echo binds to the prediction.
func TestCommandRoundTripThroughSessions(t *testing.T) {
	d := newDuplex(t)
	syncSessions(t, d)
	p, c := d.producer, d.consumer

	// Producer-side player entity, replicated to the consumer.
	p.w.SetTick(10)
	player := p.w.Spawn(ecs.C(p.position, position{}), ecs.T(p.proto.Replicated))
	d.stream.EndTick()
	shipTransactions(t, p, d.stream, c)
	c.w.SetTick(10)
	require.NoError(t, c.rec.Reconcile())
	localPlayer, ok := c.rec.LocalOf(player)
	require.True(t, ok)

	// Consumer predicts the fired projectile and sends the intent.
	predicted := c.w.Spawn(ecs.C(c.position, position{X: 1}))
	cmds := []types.Command{{Target: localPlayer, Component: c.velocity, Value: velocity{DX: 1}}}
	pkt, _, err := d.cSession.SendCommands(cmds, predicted)
	require.NoError(t, err)

	// Producer ingests the command into an ephemeral command entity.
	p.w.StepTick()
	_, err = d.pSession.Ingest(pkt, 0)
	require.NoError(t, err)

	collected := CollectCommands(p.w, p.proto)
	require.Len(t, collected, 1)
	assert.Equal(t, player, collected[0].Target, "target translates back to the producer entity")
	assert.Equal(t, velocity{DX: 1}, collected[0].Value)

	// A producer system answers the intent with an authoritative spawn,
	// echoing the stamped causal key.
	cmdEntity := findCommandEntity(p)
	stampValue, ok := p.w.Get(cmdEntity, p.proto.CausalStamp)
	require.True(t, ok)
	stamp := stampValue.(CausalStamp)
	var remote types.Entity
	d.stream.WithCausal(types.CausalKey(stamp.Key), func() {
		remote = p.w.Spawn(ecs.C(p.position, position{X: 1}), ecs.T(p.proto.Replicated))
	})
	DespawnCommands(p.w, p.proto)
	d.stream.EndTick()
	shipTransactions(t, p, d.stream, c)

	c.w.StepTick()
	require.NoError(t, c.rec.Reconcile())

	local, ok := c.rec.LocalOf(remote)
	require.True(t, ok)
	assert.Equal(t, predicted, local, "echo binds to the prediction")
}

func findCommandEntity(s *side) types.Entity {
	row, err := s.w.Query(ecs.Unique(ecs.All(ecs.Entity(), ecs.HasRel(s.proto.CommandOf)))).One()
	if err != nil {
		return types.Nil
	}
	return row.Entity()
}

func TestIngestAbortsBadPacketOnly(t *testing.T) {
	d := newDuplex(t)
	syncSessions(t, d)

	// Garbage after a valid header: packet aborted, session intact
	err := d.cSession.Ingest([]byte{0x02, 0, 0, 0, 0, 1, 2}, 0)
	assert.NoError(t, err)
	assert.Equal(t, SessionStreaming, d.cSession.State())
}
