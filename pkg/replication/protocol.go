package replication

import (
	"github.com/latticelabs/lattice/pkg/ecs"
	"github.com/latticelabs/lattice/pkg/types"
)

// IntentTick is the tick a user intended a command to take effect at.
type IntentTick struct {
	Tick uint32
}

// CausalStamp carries a causal key on a producer-side command entity so the
// systems processing it can echo the key on resulting mutations.
type CausalStamp struct {
	Key uint32
}

// Protocol bundles the component and relation IDs the replication layer
// itself depends on. Producer and consumer must call RegisterProtocol at
// the same point in their registration order.
type Protocol struct {
	// Replicated marks entities whose mutations enter outgoing
	// transactions.
	Replicated types.ComponentID
	// CommandOf relates an ephemeral command entity to the player entity
	// it acts for.
	CommandOf types.RelationID
	// IntentTick carries the user's intended tick on a command entity.
	IntentTick types.ComponentID
	// CausalStamp carries the causal key on producer-side command entities.
	CausalStamp types.ComponentID
}

// RegisterProtocol registers the replication layer's own definitions.
func RegisterProtocol(reg *ecs.Registry) Protocol {
	return Protocol{
		Replicated:  reg.RegisterTag("Replicated"),
		CommandOf:   reg.RegisterRelation("CommandOf", nil),
		IntentTick:  reg.RegisterComponent("IntentTick", ecs.MustAutoCodec(IntentTick{})),
		CausalStamp: reg.RegisterComponent("CausalStamp", ecs.MustAutoCodec(CausalStamp{})),
	}
}
