package schedule

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/latticelabs/lattice/pkg/ecs"
	"github.com/latticelabs/lattice/pkg/log"
	"github.com/latticelabs/lattice/pkg/metrics"
	"github.com/latticelabs/lattice/pkg/types"
)

var (
	// ErrCycle is returned when the declared read/write sets admit no
	// topological order.
	ErrCycle = errors.New("cycle detected in system dependencies")
	// ErrMissingResource is returned at bind time when a required resource
	// is absent from the world.
	ErrMissingResource = errors.New("required resource is missing")
)

// ResourceAccess declares a system's use of a world resource.
type ResourceAccess struct {
	Component types.ComponentID
	Write     bool
	Optional  bool
}

// Descriptor declares everything the scheduler needs to place a system:
// its query descriptors, the components it structurally adds or removes,
// and the resources it touches.
type Descriptor struct {
	Queries   []ecs.QueryDesc
	Adds      []types.ComponentID
	Removes   []types.ComponentID
	Resources []ResourceAccess
}

// System is executable logic with a declared access pattern.
type System interface {
	Name() string
	Descriptor() Descriptor
	Run(ctx *Context) error
}

// Context supplies a running system with its bound arguments.
type Context struct {
	World     *ecs.World
	Tick      types.Tick
	Log       zerolog.Logger
	queries   []*ecs.Query
	resources map[types.ComponentID]any
}

// Query returns the compiled query for the i-th descriptor.
func (c *Context) Query(i int) *ecs.Query {
	return c.queries[i]
}

// Resource returns the bound resource value.
func (c *Context) Resource(comp types.ComponentID) any {
	return c.resources[comp]
}

type funcSystem struct {
	name string
	desc Descriptor
	fn   func(*Context) error
}

func (s *funcSystem) Name() string           { return s.name }
func (s *funcSystem) Descriptor() Descriptor { return s.desc }
func (s *funcSystem) Run(ctx *Context) error { return s.fn(ctx) }

// Func wraps a function into a System.
func Func(name string, desc Descriptor, fn func(*Context) error) System {
	return &funcSystem{name: name, desc: desc, fn: fn}
}

// Schedule orders systems by their declared access and runs them. The order
// is derived once per membership change: writers of a component stay in
// registration order, and every writer precedes every reader.
type Schedule struct {
	systems []System
	order   []int
	built   bool
	logger  zerolog.Logger
}

// New creates an empty schedule.
func New() *Schedule {
	return &Schedule{logger: log.WithComponent("schedule")}
}

// Add registers a system. Registration order breaks ordering ties.
func (s *Schedule) Add(sys System) {
	s.systems = append(s.systems, sys)
	s.built = false
}

// Len returns the number of registered systems.
func (s *Schedule) Len() int {
	return len(s.systems)
}

func accessOf(sys System) (reads, writes []ecs.AccessKey) {
	d := sys.Descriptor()
	for _, q := range d.Queries {
		r, w := q.Access()
		reads = append(reads, r...)
		writes = append(writes, w...)
	}
	for _, c := range d.Adds {
		writes = append(writes, ecs.ComponentKey(c))
	}
	for _, c := range d.Removes {
		writes = append(writes, ecs.ComponentKey(c))
	}
	for _, r := range d.Resources {
		if r.Write {
			writes = append(writes, ecs.ComponentKey(r.Component))
		} else {
			reads = append(reads, ecs.ComponentKey(r.Component))
		}
	}
	return reads, writes
}

func (s *Schedule) build() error {
	timer := metrics.NewTimer()
	n := len(s.systems)

	readsOf := make([]map[ecs.AccessKey]bool, n)
	writesOf := make([]map[ecs.AccessKey]bool, n)
	writers := make(map[ecs.AccessKey][]int)
	readers := make(map[ecs.AccessKey][]int)

	for i, sys := range s.systems {
		r, w := accessOf(sys)
		readsOf[i] = make(map[ecs.AccessKey]bool, len(r))
		writesOf[i] = make(map[ecs.AccessKey]bool, len(w))
		for _, k := range w {
			if !writesOf[i][k] {
				writesOf[i][k] = true
				writers[k] = append(writers[k], i)
			}
		}
		for _, k := range r {
			if !readsOf[i][k] {
				readsOf[i][k] = true
				readers[k] = append(readers[k], i)
			}
		}
	}

	adj := make([][]int, n)
	indeg := make([]int, n)
	seen := make(map[[2]int]bool)
	addEdge := func(u, v int) {
		if u == v || seen[[2]int{u, v}] {
			return
		}
		seen[[2]int{u, v}] = true
		adj[u] = append(adj[u], v)
		indeg[v]++
	}

	for key, ws := range writers {
		// Writers stay in registration order among themselves.
		for i := 1; i < len(ws); i++ {
			addEdge(ws[i-1], ws[i])
		}
		// Every writer precedes every pure reader.
		for _, r := range readers[key] {
			if writesOf[r][key] {
				continue
			}
			for _, w := range ws {
				addEdge(w, r)
			}
		}
	}

	// Kahn's algorithm; the ready queue is kept sorted ascending so ties
	// resolve by registration index.
	var ready []int
	for i := 0; i < n; i++ {
		if indeg[i] == 0 {
			ready = append(ready, i)
		}
	}
	sort.Ints(ready)

	order := make([]int, 0, n)
	for len(ready) > 0 {
		u := ready[0]
		ready = ready[1:]
		order = append(order, u)
		changed := false
		for _, v := range adj[u] {
			indeg[v]--
			if indeg[v] == 0 {
				ready = append(ready, v)
				changed = true
			}
		}
		if changed {
			sort.Ints(ready)
		}
	}

	if len(order) != n {
		return fmt.Errorf("schedule of %d systems: %w", n, ErrCycle)
	}

	s.order = order
	s.built = true
	timer.ObserveDuration(metrics.ScheduleBuildDuration)
	s.logger.Debug().Int("systems", n).Msg("Schedule ordered")
	return nil
}

// Order returns the system names in execution order, building if needed.
func (s *Schedule) Order() ([]string, error) {
	if !s.built {
		if err := s.build(); err != nil {
			return nil, err
		}
	}
	names := make([]string, 0, len(s.order))
	for _, i := range s.order {
		names = append(names, s.systems[i].Name())
	}
	return names, nil
}

// Run executes every system against the world in dependency order. Term
// descriptors bind to runtime values immediately before each invocation.
func (s *Schedule) Run(w *ecs.World) error {
	if !s.built {
		if err := s.build(); err != nil {
			return err
		}
	}

	for _, i := range s.order {
		sys := s.systems[i]
		ctx, err := s.bind(sys, w)
		if err != nil {
			return fmt.Errorf("failed to bind system %s: %w", sys.Name(), err)
		}
		timer := metrics.NewTimer()
		if err := sys.Run(ctx); err != nil {
			return fmt.Errorf("system %s failed: %w", sys.Name(), err)
		}
		timer.ObserveDurationVec(metrics.SystemRunDuration, sys.Name())
	}
	return nil
}

func (s *Schedule) bind(sys System, w *ecs.World) (*Context, error) {
	d := sys.Descriptor()
	ctx := &Context{
		World:     w,
		Tick:      w.Tick(),
		Log:       s.logger.With().Str("system", sys.Name()).Logger(),
		resources: make(map[types.ComponentID]any, len(d.Resources)),
	}
	for _, q := range d.Queries {
		ctx.queries = append(ctx.queries, w.Query(q))
	}
	for _, r := range d.Resources {
		v, ok := w.Resource(r.Component)
		if !ok && !r.Optional {
			return nil, fmt.Errorf("resource %s: %w", w.Registry().Name(r.Component), ErrMissingResource)
		}
		ctx.resources[r.Component] = v
	}
	return ctx, nil
}
