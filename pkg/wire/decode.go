package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/latticelabs/lattice/pkg/ecs"
	"github.com/latticelabs/lattice/pkg/types"
)

type reader struct {
	data []byte
	pos  int
}

func (r *reader) remaining() int {
	return len(r.data) - r.pos
}

func (r *reader) u8() (byte, error) {
	if r.remaining() < 1 {
		return 0, ErrShortBuffer
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) u16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, ErrShortBuffer
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, ErrShortBuffer
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) f64() (float64, error) {
	if r.remaining() < 8 {
		return 0, ErrShortBuffer
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(r.data[r.pos:]))
	r.pos += 8
	return v, nil
}

func (r *reader) varint() (uint32, error) {
	v, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 || v > math.MaxUint32 {
		return 0, ErrBadVarint
	}
	r.pos += n
	return uint32(v), nil
}

func (r *reader) take(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, ErrShortBuffer
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Decode parses one framed packet. A failure aborts the packet only; the
// caller's world is untouched. Snapshot bodies are returned raw for
// DecodeSnapshot.
func Decode(reg *ecs.Registry, packet []byte) (*Packet, error) {
	if len(packet) < headerSize {
		return nil, fmt.Errorf("header: %w", ErrShortBuffer)
	}
	r := &reader{data: packet}
	t, _ := r.u8()
	tick, _ := r.u32()

	p := &Packet{Type: MessageType(t), Tick: types.Tick(tick)}
	switch p.Type {
	case MsgHandshake:
		// The two handshake directions are distinguished by body size:
		// producer hello is 5 bytes, consumer hello is 1.
		switch r.remaining() {
		case 5:
			domain, _ := r.u8()
			bodyTick, _ := r.u32()
			p.ServerHello = &ServerHello{Domain: domain, Tick: types.Tick(bodyTick)}
		case 1:
			version, _ := r.u8()
			p.ClientHello = &ClientHello{Version: version}
		default:
			return nil, fmt.Errorf("handshake body of %d bytes: %w", r.remaining(), ErrShortBuffer)
		}

	case MsgClocksync:
		t0, err := r.f64()
		if err != nil {
			return nil, fmt.Errorf("clocksync: %w", err)
		}
		t1, err := r.f64()
		if err != nil {
			return nil, fmt.Errorf("clocksync: %w", err)
		}
		t2, err := r.f64()
		if err != nil {
			return nil, fmt.Errorf("clocksync: %w", err)
		}
		p.Clocksync = &Clocksync{T0: t0, T1: t1, T2: t2}

	case MsgTransaction:
		tx, err := decodeTransaction(reg, r, p.Tick)
		if err != nil {
			return nil, err
		}
		p.Transaction = tx

	case MsgCommand:
		cmds, err := decodeCommands(reg, r)
		if err != nil {
			return nil, err
		}
		p.Commands = cmds

	case MsgSnapshot:
		p.SnapshotRaw = packet[r.pos:]

	default:
		return nil, fmt.Errorf("type 0x%02x: %w", t, ErrUnknownMessage)
	}
	return p, nil
}

func decodeTransaction(reg *ecs.Registry, r *reader, tick types.Tick) (*types.Transaction, error) {
	domain, err := r.u8()
	if err != nil {
		return nil, fmt.Errorf("transaction: %w", err)
	}
	seq, err := r.varint()
	if err != nil {
		return nil, fmt.Errorf("transaction: %w", err)
	}
	count, err := r.u16()
	if err != nil {
		return nil, fmt.Errorf("transaction: %w", err)
	}

	tx := &types.Transaction{Tick: tick, Domain: domain, Seq: types.Seq(seq)}
	for i := 0; i < int(count); i++ {
		op, err := decodeOp(reg, r)
		if err != nil {
			return nil, fmt.Errorf("transaction op %d: %w", i, err)
		}
		tx.Ops = append(tx.Ops, op)
	}
	return tx, nil
}

// component reads a component ID and resolves its payload shape. The ID
// must be known locally; anything else is a protocol mismatch.
func (r *reader) component(reg *ecs.Registry) (types.ComponentID, ecs.Codec, bool, error) {
	raw, err := r.varint()
	if err != nil {
		return 0, nil, false, err
	}
	c := types.ComponentID(raw)
	if !reg.Knows(c) {
		return 0, nil, false, fmt.Errorf("component %d: %w", raw, ErrUnknownComponent)
	}
	codec, hasCodec := reg.Codec(c)
	return c, codec, !hasCodec, nil
}

func (r *reader) payload(codec ecs.Codec) (any, error) {
	raw, err := r.take(codec.Size())
	if err != nil {
		return nil, err
	}
	return codec.Decode(raw)
}

func (r *reader) relPair(reg *ecs.Registry) (*types.RelationPair, error) {
	has, err := r.u8()
	if err != nil {
		return nil, err
	}
	if has == 0 {
		return nil, nil
	}
	rel, err := r.varint()
	if err != nil {
		return nil, err
	}
	if !reg.KnowsRelation(types.RelationID(rel)) {
		return nil, fmt.Errorf("relation %d: %w", rel, ErrUnknownRelation)
	}
	obj, err := r.varint()
	if err != nil {
		return nil, err
	}
	return &types.RelationPair{Relation: types.RelationID(rel), Object: types.Entity(obj)}, nil
}

func decodeOp(reg *ecs.Registry, r *reader) (types.Operation, error) {
	var op types.Operation

	kind, err := r.u8()
	if err != nil {
		return op, err
	}
	op.Kind = types.OpKind(kind)

	entity, err := r.varint()
	if err != nil {
		return op, err
	}
	op.Entity = types.Entity(entity)

	switch op.Kind {
	case types.OpSpawn:
		count, err := r.u16()
		if err != nil {
			return op, err
		}
		for i := 0; i < int(count); i++ {
			c, codec, tag, err := r.component(reg)
			if err != nil {
				return op, err
			}
			cv := types.ComponentValue{Component: c}
			if !tag {
				if cv.Value, err = r.payload(codec); err != nil {
					return op, err
				}
			}
			if cv.Relation, err = r.relPair(reg); err != nil {
				return op, err
			}
			op.Components = append(op.Components, cv)
		}
		hasCausal, err := r.u8()
		if err != nil {
			return op, err
		}
		if hasCausal != 0 {
			key, err := r.u32()
			if err != nil {
				return op, err
			}
			ck := types.CausalKey(key)
			op.Causal = &ck
		}

	case types.OpDespawn:
		// Entity only.

	case types.OpSet:
		c, codec, tag, err := r.component(reg)
		if err != nil {
			return op, err
		}
		op.Component = c
		if !tag {
			if op.Value, err = r.payload(codec); err != nil {
				return op, err
			}
		}
		hasVersion, err := r.u8()
		if err != nil {
			return op, err
		}
		if hasVersion != 0 {
			v, err := r.varint()
			if err != nil {
				return op, err
			}
			tick := types.Tick(v)
			op.Version = &tick
		}
		if op.Relation, err = r.relPair(reg); err != nil {
			return op, err
		}

	case types.OpRemove:
		c, _, _, err := r.component(reg)
		if err != nil {
			return op, err
		}
		op.Component = c

	case types.OpAdd:
		c, codec, tag, err := r.component(reg)
		if err != nil {
			return op, err
		}
		op.Component = c
		hasPayload, err := r.u8()
		if err != nil {
			return op, err
		}
		if hasPayload != 0 {
			if tag {
				return op, fmt.Errorf("add of tag %d carries a payload: %w", c, ErrUnknownComponent)
			}
			if op.Value, err = r.payload(codec); err != nil {
				return op, err
			}
		}
		if op.Relation, err = r.relPair(reg); err != nil {
			return op, err
		}

	default:
		return op, fmt.Errorf("op kind %d: %w", kind, ErrUnknownOp)
	}
	return op, nil
}

func decodeCommands(reg *ecs.Registry, r *reader) ([]types.Command, error) {
	count, err := r.u16()
	if err != nil {
		return nil, fmt.Errorf("command frame: %w", err)
	}
	cmds := make([]types.Command, 0, count)
	for i := 0; i < int(count); i++ {
		target, err := r.varint()
		if err != nil {
			return nil, fmt.Errorf("command %d: %w", i, err)
		}
		c, codec, tag, err := r.component(reg)
		if err != nil {
			return nil, fmt.Errorf("command %d: %w", i, err)
		}
		cmd := types.Command{Target: types.Entity(target), Component: c}
		if !tag {
			if cmd.Value, err = r.payload(codec); err != nil {
				return nil, fmt.Errorf("command %d: %w", i, err)
			}
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// DecodeSnapshot parses a raw snapshot body against the registry. Blocks
// run to the end of the body.
func DecodeSnapshot(reg *ecs.Registry, tick types.Tick, raw []byte) (*types.Snapshot, error) {
	r := &reader{data: raw}
	snap := &types.Snapshot{Tick: tick}

	for r.remaining() > 0 {
		c, codec, tag, err := r.component(reg)
		if err != nil {
			return nil, fmt.Errorf("snapshot block: %w", err)
		}
		count, err := r.u32()
		if err != nil {
			return nil, fmt.Errorf("snapshot block: %w", err)
		}
		block := types.SnapshotBlock{Component: c}
		for i := 0; i < int(count); i++ {
			entity, err := r.varint()
			if err != nil {
				return nil, fmt.Errorf("snapshot row %d: %w", i, err)
			}
			row := types.SnapshotRow{Entity: types.Entity(entity)}
			if !tag {
				if row.Value, err = r.payload(codec); err != nil {
					return nil, fmt.Errorf("snapshot row %d: %w", i, err)
				}
			}
			block.Rows = append(block.Rows, row)
		}
		snap.Blocks = append(snap.Blocks, block)
	}
	return snap, nil
}
