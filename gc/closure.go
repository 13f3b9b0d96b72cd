// ABOUTME: Transitive marking closure including the ephemeron fixpoint
// ABOUTME: Falls back to a linear algorithm keyed by a key->values multimap

package gc

import (
	"github.com/prateek/markcompact/heap"
	"github.com/prateek/markcompact/marking"
)

// ClosureState tracks the progress of the marking closure
type ClosureState int

const (
	ClosureSeeded ClosureState = iota
	ClosureIterating
	ClosureConverged
)

func (s ClosureState) String() string {
	switch s {
	case ClosureSeeded:
		return "seeded"
	case ClosureIterating:
		return "iterating"
	case ClosureConverged:
		return "converged"
	}
	return "unknown"
}

// closure drains a marker's worklists until no reachable object is white
type closure struct {
	m             *marker
	maxIterations int

	state      ClosureState
	iterations int
	linear     bool
	bytes      int

	// newly discovered objects of one linear round
	discovered      []heap.Address
	discoveredLimit int
	overflowed      bool
}

func newClosure(m *marker, maxIterations int) *closure {
	return &closure{m: m, maxIterations: maxIterations}
}

// DrainToFixpoint marks everything reachable from the grey set, honoring
// ephemeron semantics
func (c *closure) DrainToFixpoint() {
	c.state = ClosureIterating
	c.m.weak.NextEphemerons.Publish()
	if !c.fixpoint() {
		c.linearClosure()
	}
	c.m.publish()
	c.state = ClosureConverged
}

func (c *closure) fixpoint() bool {
	weak := c.m.ctx.weak
	for {
		if c.iterations >= c.maxIterations {
			return false
		}
		weak.CurrentEphemerons.Swap(weak.NextEphemerons)
		another := c.processEphemerons()
		c.iterations++
		if !another && c.m.local.IsLocalAndGlobalEmpty() {
			return true
		}
	}
}

// processEphemerons runs one fixpoint round and reports whether it marked
// anything
func (c *closure) processEphemerons() bool {
	another := false
	for {
		e, ok := c.m.weak.CurrentEphemerons.Pop()
		if !ok {
			break
		}
		if c.processEphemeron(e) {
			another = true
		}
	}
	if _, objects := c.drain(); objects > 0 {
		another = true
	}
	for {
		e, ok := c.m.weak.DiscoveredEphemerons.Pop()
		if !ok {
			break
		}
		if c.processEphemeron(e) {
			another = true
		}
	}
	c.m.weak.EphemeronHashTables.Publish()
	c.m.weak.NextEphemerons.Publish()
	return another
}

// processEphemeron marks the value of a pair whose key is live and keeps
// pairs with white keys and white values for the next round
func (c *closure) processEphemeron(e marking.Ephemeron) bool {
	s := c.m.state
	if s.IsBlackOrGrey(e.Key) {
		if s.WhiteToGrey(e.Value) {
			c.m.local.Push(e.Value)
			return true
		}
	} else if s.IsWhite(e.Value) {
		c.m.weak.NextEphemerons.Push(e)
	}
	return false
}

func (c *closure) drain() (int, int) {
	bytes, objects := c.m.drain(nil)
	c.bytes += bytes
	return bytes, objects
}

func (c *closure) trackDiscovered(obj heap.Address) {
	if c.overflowed {
		return
	}
	if len(c.discovered) >= c.discoveredLimit {
		c.overflowed = true
		return
	}
	c.discovered = append(c.discovered, obj)
}

// linearClosure finishes marking in time linear in the number of ephemerons.
// Every pending pair goes into a key->values multimap; after each drain the
// values of newly marked keys are marked directly. When too many objects are
// discovered in one round the pending list is scanned instead.
func (c *closure) linearClosure() {
	c.linear = true
	weak := c.m.ctx.weak
	s := c.m.state
	arena := newEphemeronArena()

	weak.CurrentEphemerons.Swap(weak.NextEphemerons)
	for {
		e, ok := c.m.weak.CurrentEphemerons.Pop()
		if !ok {
			break
		}
		c.processEphemeron(e)
		if s.IsWhite(e.Value) {
			arena.insert(e.Key, e.Value)
		}
	}

	c.m.visitor.onVisit = c.trackDiscovered
	defer func() { c.m.visitor.onVisit = nil }()
	for work := true; work; {
		c.discovered = c.discovered[:0]
		c.overflowed = false
		c.discoveredLimit = arena.len()
		c.drain()

		for {
			e, ok := c.m.weak.DiscoveredEphemerons.Pop()
			if !ok {
				break
			}
			c.processEphemeron(e)
			if s.IsWhite(e.Value) {
				arena.insert(e.Key, e.Value)
			}
		}

		if c.overflowed {
			c.m.weak.NextEphemerons.Publish()
			weak.NextEphemerons.Iterate(func(e marking.Ephemeron) {
				if s.IsBlackOrGrey(e.Key) {
					c.m.markObject(e.Value)
				}
			})
		} else {
			for _, obj := range c.discovered {
				arena.each(obj, c.m.markObject)
			}
		}
		work = !c.m.local.IsLocalAndGlobalEmpty()
	}
	c.m.weak.EphemeronHashTables.Publish()
	c.m.weak.NextEphemerons.Publish()
}

// ephemeronArena is a multimap from keys to values. Entries live in flat
// slices and are chained per key through next.
type ephemeronArena struct {
	head   map[heap.Address]int32
	values []heap.Address
	next   []int32
}

func newEphemeronArena() *ephemeronArena {
	return &ephemeronArena{head: make(map[heap.Address]int32)}
}

func (a *ephemeronArena) insert(key, value heap.Address) {
	prev, ok := a.head[key]
	if !ok {
		prev = -1
	}
	a.head[key] = int32(len(a.values))
	a.values = append(a.values, value)
	a.next = append(a.next, prev)
}

func (a *ephemeronArena) each(key heap.Address, fn func(value heap.Address)) {
	i, ok := a.head[key]
	if !ok {
		return
	}
	for ; i >= 0; i = a.next[i] {
		fn(a.values[i])
	}
}

func (a *ephemeronArena) len() int { return len(a.values) }

// verifyEphemerons checks that no pending pair has a live key and a white value
func (c *closure) verifyEphemerons() error {
	var err error
	s := c.m.state
	c.m.ctx.weak.NextEphemerons.Iterate(func(e marking.Ephemeron) {
		if err == nil && s.IsBlackOrGrey(e.Key) && s.IsWhite(e.Value) {
			err = ephemeronError(e)
		}
	})
	return err
}
