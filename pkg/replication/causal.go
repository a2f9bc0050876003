package replication

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/latticelabs/lattice/pkg/types"
)

// Key derives the causal key for a command batch: a hash of the originating
// domain, the intent tick and the batch sequence. Both ends compute it from
// values they already share, so the key itself never travels in command
// frames.
func Key(domain uint8, tick types.Tick, seq types.Seq) types.CausalKey {
	var buf [9]byte
	buf[0] = domain
	binary.LittleEndian.PutUint32(buf[1:5], uint32(tick))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(seq))
	return types.CausalKey(uint32(xxhash.Sum64(buf[:])))
}
