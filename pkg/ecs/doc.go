/*
Package ecs implements lattice's world storage and query engine: the
component registry, relation registry, archetype graph, columnar stores with
per-cell version ticks, the resource side-table and descriptor-compiled
queries.

# Storage model

Every entity is assigned a world-unique row index on first touch; all
columnar stores key on it. The archetype graph holds one node per distinct
component set (canonical sorted ID vector, xxhash identity); each node keeps
the dense list of entities holding exactly that set, plus cached edges to
neighbours reachable by adding or removing a single component. Changing an
entity's component set moves it between nodes with a swap-remove; cell values
stay at the entity's row.

	reg := world.Registry()
	position := reg.RegisterComponent("Position", ecs.MustAutoCodec(Position{}))
	replicated := reg.RegisterTag("Replicated")
	childOf := reg.RegisterRelation("ChildOf", nil)

	e := world.Spawn(ecs.C(position, Position{X: 1, Y: 2}), ecs.T(replicated))
	world.AddRelation(e, childOf, parent)

# Relations

A relation instance is the pair (relation ID, object entity), materialised as
a virtual component ID on first use and stable thereafter. The reverse index
(virtual component → subject set) drives wildcard queries and the
object-destruction fan-out: despawning an entity strips every relation pair
whose object it is from all subjects.

# Queries

Descriptors compile against a world and cache their matching archetype set:

	q := world.Query(ecs.All(ecs.Entity(), ecs.Read(name), ecs.HasRel(childOf)))
	q.Each(func(r ecs.Row) { ... })

Write terms stamp the cell version of every yielded row whether or not the
caller mutates; the overestimate keeps In/Out windows and reconciliation
sound. In and Out wrap a query into an event window over the current tick's
archetype transitions; JoinRel resolves the right side through the relation
reverse index.

# Journals

Mutation observers receive every forward mutation with its previous state.
pkg/history derives undo entries from them, pkg/replication derives outbound
operations. Rollback paths pause journaling while they rewrite the world.
*/
package ecs
