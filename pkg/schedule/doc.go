/*
Package schedule orders and runs systems from their declared read/write
sets.

A system carries a Descriptor naming its query descriptors, the components
it structurally adds or removes, and the resources it touches. The schedule
derives two edge kinds — writers stay in registration order per component,
and every writer precedes every reader — then orders with Kahn's algorithm,
breaking ties by registration index. A cycle is fatal at build time, as is a
missing required resource at bind time.

	sched := schedule.New()
	sched.Add(schedule.Func("movement", schedule.Descriptor{
		Queries: []ecs.QueryDesc{ecs.All(ecs.Write(position), ecs.Read(velocity))},
	}, moveFn))
	err := sched.Run(world)

Systems with no shared components run in registration order. The order is
cached and rebuilt only when membership changes.
*/
package schedule
