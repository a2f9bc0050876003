package wire

import (
	"errors"

	"github.com/latticelabs/lattice/pkg/types"
)

// MessageType discriminates framed messages. All multibyte integers on the
// wire are little-endian; varints are LEB128 unsigned.
type MessageType byte

const (
	MsgHandshake   MessageType = 0x01
	MsgClocksync   MessageType = 0x02
	MsgTransaction MessageType = 0x03
	MsgCommand     MessageType = 0x04
	MsgSnapshot    MessageType = 0x05
)

// headerSize is u8 type + u32 tick.
const headerSize = 5

var (
	// ErrShortBuffer means a packet ended before its declared content.
	ErrShortBuffer = errors.New("packet truncated")
	// ErrUnknownMessage means the header type byte is not a known message.
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrUnknownOp means a transaction carried an unknown opcode.
	ErrUnknownOp = errors.New("unknown operation code")
	// ErrUnknownComponent means a packet referenced a component ID the
	// local registry never allocated. Protocol mismatch; fatal per
	// connection.
	ErrUnknownComponent = errors.New("unknown component id")
	// ErrUnknownRelation means a packet referenced an unregistered
	// relation. Protocol mismatch; fatal per connection.
	ErrUnknownRelation = errors.New("unknown relation id")
	// ErrBadVarint means a varint overran the packet or 32 bits.
	ErrBadVarint = errors.New("malformed varint")
)

// ServerHello is the producer's side of the handshake: its domain tag and
// current tick.
type ServerHello struct {
	Domain uint8
	Tick   types.Tick
}

// ClientHello is the consumer's side of the handshake.
type ClientHello struct {
	Version uint8
}

// Clocksync carries the three-timestamp exchange.
type Clocksync struct {
	T0 float64
	T1 float64
	T2 float64
}

// Packet is one decoded frame. Exactly one payload field is set, matching
// Type. Snapshot bodies stay raw until DecodeSnapshot; ingestion does not
// pay for blocks it may discard.
type Packet struct {
	Type MessageType
	Tick types.Tick

	ServerHello *ServerHello
	ClientHello *ClientHello
	Clocksync   *Clocksync
	Transaction *types.Transaction
	Commands    []types.Command
	SnapshotRaw []byte
}
