/*
Package types defines the identifier layer and replication vocabulary shared
by every lattice package.

Entities are 32-bit IDs partitioned into an 8-bit domain tag and a 24-bit
per-domain ordinal. Domain 0 is the authoritative producer; each predicting
consumer owns a distinct non-zero domain. Two worlds that hold the same
domain-tagged entity refer to the same logical object once the consumer has
re-bound it through its ghost table.

The package also carries the wire-facing value types: Operation, Transaction,
Snapshot and Command. These are plain data — encoding lives in pkg/wire,
application lives in pkg/replication.
*/
package types
