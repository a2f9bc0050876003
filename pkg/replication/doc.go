/*
Package replication streams authoritative mutations from a producer world
to consumer worlds and reconciles consumer prediction against them.

# Producer side

A Stream observes the world's mutation journal, collecting forward
operations for entities bearing the Replicated tag. At end of tick the
pending operations seal into a transaction; at the snapshot interval a full
image of the configured components is emitted. The driver drains the stream
with Flush or FlushPackets after the tick completes.

# Consumer side

A Reconciler buckets incoming transactions and snapshots by producer tick.
At the start of each local tick it rolls the world back to the earliest
affected tick through the history buffer, applies remote state in
(tick, seq) order — snapshots before transactions — and resimulates the
reconcile schedule forward, replaying locally queued commands and
journaling a fresh undo segment.

Foreign entities re-bind through the ghost table: the first spawn seen for
a foreign entity allocates a local stand-in, and subsequent operations
translate through the binding. Ghosts idle past the cleanup window are
collected.

# Causal keys

User intent spawns an ephemeral command entity tagged CommandOf(player)
with the intended tick. The consumer sends the intent components in a
command frame; both ends derive the batch's causal key from (domain, tick,
sequence), so the key never travels. When the producer's resulting spawn is
echoed back carrying the key, the consumer binds it to its predicted entity
instead of applying a duplicate.

Sessions wrap the handshake (with a retransmission cap), clock sampling and
packet routing for each side of a connection.
*/
package replication
