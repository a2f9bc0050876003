package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/latticelabs/lattice/pkg/ecs"
	"github.com/latticelabs/lattice/pkg/types"
)

func appendHeader(dst []byte, t MessageType, tick types.Tick) []byte {
	dst = append(dst, byte(t))
	return binary.LittleEndian.AppendUint32(dst, uint32(tick))
}

func appendU16(dst []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(dst, v)
}

func appendU32(dst []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(dst, v)
}

func appendF64(dst []byte, v float64) []byte {
	return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v))
}

func appendVarint(dst []byte, v uint32) []byte {
	return binary.AppendUvarint(dst, uint64(v))
}

func appendPayload(dst []byte, codec ecs.Codec, v any) ([]byte, error) {
	at := len(dst)
	for i := 0; i < codec.Size(); i++ {
		dst = append(dst, 0)
	}
	if err := codec.Encode(dst[at:], v); err != nil {
		return nil, err
	}
	return dst, nil
}

// wireComponent resolves the component ID and codec an operation's
// component travels under. Relation-carrying components go out under their
// relation's anchor ID, which both peers share; virtual IDs never cross the
// wire.
func wireComponent(reg *ecs.Registry, comp types.ComponentID, rel *types.RelationPair) (types.ComponentID, ecs.Codec, bool) {
	if rel != nil {
		codec, hasCodec := reg.RelationCodec(rel.Relation)
		return reg.RelationAnchor(rel.Relation), codec, !hasCodec
	}
	codec, hasCodec := reg.Codec(comp)
	return comp, codec, !hasCodec
}

// AppendServerHello encodes the producer handshake.
func AppendServerHello(dst []byte, domain uint8, tick types.Tick) []byte {
	dst = appendHeader(dst, MsgHandshake, tick)
	dst = append(dst, domain)
	return appendU32(dst, uint32(tick))
}

// AppendClientHello encodes the consumer handshake.
func AppendClientHello(dst []byte, tick types.Tick, version uint8) []byte {
	dst = appendHeader(dst, MsgHandshake, tick)
	return append(dst, version)
}

// AppendClocksync encodes a clock exchange.
func AppendClocksync(dst []byte, tick types.Tick, cs Clocksync) []byte {
	dst = appendHeader(dst, MsgClocksync, tick)
	dst = appendF64(dst, cs.T0)
	dst = appendF64(dst, cs.T1)
	return appendF64(dst, cs.T2)
}

// AppendTransaction encodes a transaction frame. The header tick is the
// transaction tick.
func AppendTransaction(dst []byte, reg *ecs.Registry, tx *types.Transaction) ([]byte, error) {
	dst = appendHeader(dst, MsgTransaction, tx.Tick)
	dst = append(dst, tx.Domain)
	dst = appendVarint(dst, uint32(tx.Seq))
	if len(tx.Ops) > math.MaxUint16 {
		return nil, fmt.Errorf("transaction at tick %d: %d ops exceed the frame limit", tx.Tick, len(tx.Ops))
	}
	dst = appendU16(dst, uint16(len(tx.Ops)))

	var err error
	for _, op := range tx.Ops {
		dst, err = appendOp(dst, reg, op)
		if err != nil {
			return nil, fmt.Errorf("transaction at tick %d: %w", tx.Tick, err)
		}
	}
	return dst, nil
}

func appendOp(dst []byte, reg *ecs.Registry, op types.Operation) ([]byte, error) {
	dst = append(dst, byte(op.Kind))
	dst = appendVarint(dst, uint32(op.Entity))

	var err error
	switch op.Kind {
	case types.OpSpawn:
		if len(op.Components) > math.MaxUint16 {
			return nil, fmt.Errorf("spawn of %v: too many components", op.Entity)
		}
		dst = appendU16(dst, uint16(len(op.Components)))
		for _, cv := range op.Components {
			id, codec, tag := wireComponent(reg, cv.Component, cv.Relation)
			dst = appendVarint(dst, uint32(id))
			if !tag {
				if dst, err = appendPayload(dst, codec, cv.Value); err != nil {
					return nil, err
				}
			}
			dst = appendRel(dst, cv.Relation)
		}
		if op.Causal != nil {
			dst = append(dst, 1)
			dst = appendU32(dst, uint32(*op.Causal))
		} else {
			dst = append(dst, 0)
		}

	case types.OpDespawn:
		// Entity only.

	case types.OpSet:
		id, codec, tag := wireComponent(reg, op.Component, op.Relation)
		dst = appendVarint(dst, uint32(id))
		if !tag {
			if dst, err = appendPayload(dst, codec, op.Value); err != nil {
				return nil, err
			}
		}
		if op.Version != nil {
			dst = append(dst, 1)
			dst = appendVarint(dst, uint32(*op.Version))
		} else {
			dst = append(dst, 0)
		}
		dst = appendRel(dst, op.Relation)

	case types.OpRemove:
		dst = appendVarint(dst, uint32(op.Component))

	case types.OpAdd:
		id, codec, tag := wireComponent(reg, op.Component, op.Relation)
		dst = appendVarint(dst, uint32(id))
		if op.Value != nil && !tag {
			dst = append(dst, 1)
			if dst, err = appendPayload(dst, codec, op.Value); err != nil {
				return nil, err
			}
		} else {
			dst = append(dst, 0)
		}
		dst = appendRel(dst, op.Relation)

	default:
		return nil, fmt.Errorf("op kind %d: %w", op.Kind, ErrUnknownOp)
	}
	return dst, nil
}

func appendRel(dst []byte, rel *types.RelationPair) []byte {
	if rel == nil {
		return append(dst, 0)
	}
	dst = append(dst, 1)
	dst = appendVarint(dst, uint32(rel.Relation))
	return appendVarint(dst, uint32(rel.Object))
}

// AppendCommands encodes a command frame.
func AppendCommands(dst []byte, reg *ecs.Registry, tick types.Tick, cmds []types.Command) ([]byte, error) {
	dst = appendHeader(dst, MsgCommand, tick)
	if len(cmds) > math.MaxUint16 {
		return nil, fmt.Errorf("command frame at tick %d: too many commands", tick)
	}
	dst = appendU16(dst, uint16(len(cmds)))

	var err error
	for _, c := range cmds {
		dst = appendVarint(dst, uint32(c.Target))
		dst = appendVarint(dst, uint32(c.Component))
		if codec, ok := reg.Codec(c.Component); ok {
			if dst, err = appendPayload(dst, codec, c.Value); err != nil {
				return nil, fmt.Errorf("command frame at tick %d: %w", tick, err)
			}
		}
	}
	return dst, nil
}

// AppendSnapshot encodes a snapshot frame: a sequence of component blocks
// running to the end of the packet.
func AppendSnapshot(dst []byte, reg *ecs.Registry, snap *types.Snapshot) ([]byte, error) {
	dst = appendHeader(dst, MsgSnapshot, snap.Tick)

	var err error
	for _, block := range snap.Blocks {
		dst = appendVarint(dst, uint32(block.Component))
		dst = appendU32(dst, uint32(len(block.Rows)))
		codec, hasCodec := reg.Codec(block.Component)
		for _, row := range block.Rows {
			dst = appendVarint(dst, uint32(row.Entity))
			if hasCodec {
				if dst, err = appendPayload(dst, codec, row.Value); err != nil {
					return nil, fmt.Errorf("snapshot at tick %d: %w", snap.Tick, err)
				}
			}
		}
	}
	return dst, nil
}
