// ABOUTME: Insertion write barrier and background marking job for incremental cycles
// ABOUTME: The barrier greys stored values so concurrent marking never misses them

package gc

import (
	"sync"

	"github.com/prateek/markcompact/heap"
	"github.com/prateek/markcompact/marking"
)

// markingBarrier is installed on the heap while a cycle marks concurrently
// with the mutator. Every stored reference is greyed.
type markingBarrier struct {
	ctx *markingContext

	mu    sync.Mutex
	local *marking.Local[heap.Address]
}

func newMarkingBarrier(ctx *markingContext) *markingBarrier {
	return &markingBarrier{ctx: ctx, local: marking.NewLocal(ctx.worklists.Shared)}
}

func (b *markingBarrier) RecordWrite(host, slot heap.Address, value heap.Value) {
	if !value.IsHeapObject() {
		return
	}
	b.ctx.recordSlot(host, slot, value.Address())
	b.shade(value.Address())
}

func (b *markingBarrier) RecordCodeEntryWrite(host, slot, code heap.Address) {
	b.ctx.recordCodeEntry(host, slot, code)
	b.shade(code)
}

func (b *markingBarrier) shade(obj heap.Address) {
	if !b.ctx.state.WhiteToGrey(obj) {
		return
	}
	b.mu.Lock()
	b.local.Push(obj)
	b.mu.Unlock()
}

// publish hands the greyed objects to the markers
func (b *markingBarrier) publish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.local.Publish()
}

// concurrentMarkingJob drains the shared worklist in the background until
// it runs dry or is asked to yield
type concurrentMarkingJob struct {
	ctx     *markingContext
	barrier *markingBarrier
}

func (j *concurrentMarkingJob) Run(d Delegate) {
	m := newMarker(j.ctx, j.ctx.state)
	defer m.publish()
	for !d.ShouldYield() {
		j.barrier.publish()
		if _, objects := m.drain(d.ShouldYield); objects == 0 {
			return
		}
	}
}

func (j *concurrentMarkingJob) MaxConcurrency(int) int { return 1 }

// parallelMarkingJob drains the shared worklist with every worker during the
// pause
type parallelMarkingJob struct {
	ctx *markingContext
}

func (j *parallelMarkingJob) Run(d Delegate) {
	m := newMarker(j.ctx, j.ctx.state)
	m.drain(d.ShouldYield)
	m.publish()
}

func (j *parallelMarkingJob) MaxConcurrency(workers int) int {
	n := j.ctx.worklists.Shared.Size()
	if n < 1 {
		n = 1
	}
	if n > workers {
		return workers
	}
	return n
}
