/*
Package events provides a buffered broker for world lifecycle events.

The reconciliation engine, the replication stream and the session publish
events (rollbacks, ghost lifecycle, dropped transactions, emitted snapshots,
session sync) that external drivers and inspectors consume without touching
world state. EventTickCompleted is defined but none of them publishes it:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	for ev := range sub {
		// react to ev.Type
	}

Publishing never blocks a tick: subscribers with full buffers miss events
rather than stalling the simulation.
*/
package events
