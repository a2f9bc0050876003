/*
Package history gives a world bounded time travel: a ring of structural
checkpoints plus a per-tick undo log derived from the world's mutation
journal.

A checkpoint captures start-of-tick state. Rolling back to tick t restores
the smallest checkpoint at or after t, then replays reverse operations down
to t, yielding the world exactly as it was before t's mutations. The
reconciliation engine resimulates forward from there, journaling a fresh
undo segment in place of the discarded one.

Targets older than the configured window fail with ErrOutOfWindow; callers
degrade by dropping the remote event.
*/
package history
