// ABOUTME: Collector driver: runs full mark-compact cycles over a heap
// ABOUTME: Mark, clear, evacuate, update pointers, release, sweep; optionally incremental

package gc

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prateek/markcompact/config"
	"github.com/prateek/markcompact/heap"
)

// MigrationObserver is told about every object moved by evacuation
type MigrationObserver func(from, to heap.Address, size int)

// Options carries the collaborators of a Collector. Zero values select a
// discard logger and a scheduler with cfg.Workers workers.
type Options struct {
	Logger    *slog.Logger
	Scheduler Scheduler
	OnMigrate MigrationObserver
}

// Collector is a stop-the-world mark-compact collector with optional
// concurrent marking
type Collector struct {
	heap      *heap.Heap
	cfg       config.Config
	log       *slog.Logger
	sched     Scheduler
	tracer    *Tracer
	onMigrate MigrationObserver

	// mu serializes cycles and guards everything below
	mu         sync.Mutex
	ctx        *markingContext
	barrier    *markingBarrier
	background JobHandle
	// pending holds finalization registries with newly cleared cells
	pending   []heap.Address
	callbacks []func()
}

// New creates a collector for h
func New(h *heap.Heap, cfg config.Config, opts Options) (*Collector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = NewScheduler(cfg.Workers)
	}
	return &Collector{
		heap:      h,
		cfg:       cfg,
		log:       log,
		sched:     sched,
		tracer:    NewTracer(log),
		onMigrate: opts.OnMigrate,
	}, nil
}

// Heap returns the collected heap
func (c *Collector) Heap() *heap.Heap { return c.heap }

// Tracer returns the statistics collector
func (c *Collector) Tracer() *Tracer { return c.tracer }

// IsMarking reports whether an incremental cycle is in progress
func (c *Collector) IsMarking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx != nil
}

// TakePendingFinalizationRegistries returns the registries that gained
// cleared cells since the last call
func (c *Collector) TakePendingFinalizationRegistries() []heap.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

func heapSize(h *heap.Heap) int64 {
	var n int64
	for _, id := range []heap.SpaceID{heap.NewSpace, heap.OldSpace, heap.CodeSpace, heap.LargeObjectSpace} {
		n += h.SizeOfObjects(id)
	}
	return n
}

func markedBytes(h *heap.Heap) int64 {
	var n int64
	for _, r := range h.Regions() {
		if r.Bitmap() != nil {
			n += r.LiveBytes()
		}
	}
	return n
}

// runItems calls fn for items 0..n-1, on the scheduler's workers when
// parallel is set
func (c *Collector) runItems(parallel bool, n int, fn func(i int, d Delegate)) {
	if n == 0 {
		return
	}
	if !parallel || c.sched.WorkerCount() == 0 {
		for i := 0; i < n; i++ {
			fn(i, mainThread{})
		}
		return
	}
	c.sched.PostJob(PriorityUserBlocking, newItemJob(n, fn)).Join()
}

// startCycle switches the heap to black allocation and picks the
// evacuation candidates
func (c *Collector) startCycle() *markingContext {
	h := c.heap
	h.StartCycle()
	ctx := newMarkingContext(h, c.cfg.FlushBytecode, c.cfg.BytecodeOldAge)
	ctx.candidates = c.selectCandidates()
	c.ctx = ctx
	return ctx
}

func (c *Collector) selectCandidates() []*heap.Region {
	if !c.cfg.Compact {
		return nil
	}
	h := c.heap
	regions := h.Space(heap.OldSpace).Regions()
	if c.cfg.CompactCodeSpace {
		regions = append(regions, h.Space(heap.CodeSpace).Regions()...)
	}
	p := PolicyFor(c.cfg, int64(h.RegionSize()), c.tracer.CompactionSpeed())
	candidates := SelectCandidates(regions, p)
	for _, r := range candidates {
		r.SetFlag(heap.FlagEvacuationCandidate)
	}
	if c.cfg.TraceFragmentation {
		for _, r := range candidates {
			c.log.Info("evacuation candidate", "region", r.String(),
				"allocated", size(r.AllocatedBytes()),
				"free", size(int64(r.Size())-r.AllocatedBytes()))
		}
		c.log.Info("candidate selection", "mode", p.Mode,
			"target_fragmentation", p.TargetFragmentationPercent,
			"budget", size(p.MaxEvacuatedBytes), "selected", len(candidates))
	}
	return candidates
}

// StartIncrementalMarking begins a cycle whose marking runs in the
// background while the mutator continues. The write barrier is installed
// until CollectGarbage finishes the cycle.
func (c *Collector) StartIncrementalMarking() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx != nil {
		return
	}
	ctx := c.startCycle()
	m := newMarker(ctx, ctx.state)
	m.markRoots(c.pending)
	m.publish()
	c.barrier = newMarkingBarrier(ctx)
	c.heap.SetWriteBarrier(c.barrier)
	if c.cfg.ConcurrentMarking && c.sched.WorkerCount() > 0 {
		c.background = c.sched.PostJob(PriorityBestEffort, &concurrentMarkingJob{ctx: ctx, barrier: c.barrier})
	}
}

// MarkingStep performs up to budget object visits of an incremental cycle on
// the calling goroutine and reports whether the worklist ran dry
func (c *Collector) MarkingStep(budget int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return true
	}
	c.barrier.publish()
	m := newMarker(c.ctx, c.ctx.state)
	visited := 0
	m.drain(func() bool {
		visited++
		return visited > budget
	})
	empty := m.local.IsLocalAndGlobalEmpty()
	m.publish()
	return empty
}

// finishConcurrentMarking stops background marking and removes the barrier.
// Objects greyed by the barrier are handed to the pause markers.
func (c *Collector) finishConcurrentMarking() {
	if c.background != nil {
		c.background.Cancel()
		c.background = nil
	}
	c.heap.SetWriteBarrier(nil)
	c.barrier.publish()
	c.barrier = nil
}

// CollectGarbage runs a full collection, finishing an incremental cycle if
// one is in progress. Fatal conditions panic with *FatalError.
func (c *Collector) CollectGarbage(reason string) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.heap
	cfg := c.cfg
	began := time.Now()
	st := c.tracer.start(h.Cycles()+1, reason, heapSize(h))

	ctx := c.ctx
	if ctx != nil {
		done := c.tracer.Scope(PhaseFinishConcurrent)
		c.finishConcurrentMarking()
		done()
	} else {
		ctx = c.startCycle()
	}
	st.Candidates = len(ctx.candidates)

	done := c.tracer.Scope(PhaseMarkRoots)
	roots := newMarker(ctx, ctx.state)
	roots.markRoots(c.pending)
	roots.publish()
	done()

	if cfg.ParallelMarking && c.sched.WorkerCount() > 0 {
		done = c.tracer.Scope(PhaseMarkParallel)
		c.sched.PostJob(PriorityUserBlocking, &parallelMarkingJob{ctx: ctx}).Join()
		done()
	}

	done = c.tracer.Scope(PhaseMarkClosure)
	cl := newClosure(newMarker(ctx, ctx.nonAtomic), cfg.EphemeronFixpointIterations)
	cl.DrainToFixpoint()
	done()
	st.FixpointIterations = cl.iterations
	st.LinearFallback = cl.linear
	st.MarkedBytes = markedBytes(h)

	if cfg.VerifyHeap {
		if err := cl.verifyEphemerons(); err != nil {
			fatal("ephemeron verification", err)
		}
		if err := VerifyMarking(h, ctx.nonAtomic); err != nil {
			fatal("marking verification", err)
		}
	}

	done = c.tracer.Scope(PhaseClear)
	c.clearNonLiveReferences(ctx, st)
	done()

	done = c.tracer.Scope(PhaseEvacuate)
	e := c.evacuatePrologue(ctx, st)
	c.evacuate(e, st)
	done()

	done = c.tracer.Scope(PhaseUpdatePointers)
	c.updatePointers()
	done()

	if cfg.VerifyHeap {
		if err := VerifyEvacuation(h, ctx.nonAtomic); err != nil {
			fatal("evacuation verification", err)
		}
	}

	done = c.tracer.Scope(PhaseEpilogue)
	c.epilogue(ctx, e, st)
	done()

	done = c.tracer.Scope(PhaseSweep)
	c.sweep(ctx.nonAtomic, st)
	done()

	h.FinishCycle()
	c.ctx = nil
	callbacks := c.callbacks
	c.callbacks = nil

	out := c.tracer.finish(st, began, heapSize(h))
	c.tracer.logCycle(out, cfg.TraceGC)
	for _, cb := range callbacks {
		cb()
	}
	return out
}

// epilogue releases evacuated regions, unpins every region and drops the
// per-cycle state
func (c *Collector) epilogue(ctx *markingContext, e *evacuation, st *Stats) {
	h := c.heap
	for _, r := range ctx.candidates {
		if r.IsEvacuationCandidate() {
			h.ReleaseRegion(r)
			st.ReleasedRegions++
		}
	}
	for _, r := range e.young {
		h.ReleaseRegion(r)
		st.ReleasedRegions++
	}
	for _, r := range h.Regions() {
		r.ReleaseSlotSets(heap.OldToOld)
		r.ClearFlag(heap.FlagPinned)
	}
	if c.cfg.TraceEvacuation {
		c.log.Info("evacuation",
			"items", len(e.items),
			"aborted", st.AbortedCandidates,
			"promoted_pages", st.PromotedPages,
			"compaction_speed", fmt.Sprintf("%.0f B/ms", c.tracer.CompactionSpeed()))
	}
	ctx.worklists.Clear()
	ctx.weak.Clear()
}
