/*
Package wire frames and parses the replication protocol.

Every message starts with a five-byte header (u8 type, u32 tick,
little-endian) followed by a type-specific body: handshake, clocksync,
transaction, command or snapshot. Varints are LEB128 unsigned; component
payloads are fixed-size codec output with no length prefix.

Component IDs on the wire are the registry's registered IDs, which peers
share by registering definitions in the same order. Relation-carrying
operations travel under the relation's anchor ID plus the (relation, object)
pair; world-local virtual IDs never cross the wire.

Snapshot bodies decode lazily: Decode hands back the raw block bytes and
DecodeSnapshot parses them when the consumer commits to applying the
snapshot.

An unknown component or relation ID is a protocol mismatch, fatal for the
connection. Any other decode failure aborts the packet only.
*/
package wire
