// ABOUTME: Evacuation: copies live objects out of young regions and candidates
// ABOUTME: Installs forwarding addresses, records slots and handles aborted regions

package gc

import (
	"fmt"
	"sync"
	"time"

	"github.com/prateek/markcompact/heap"
	"github.com/prateek/markcompact/marking"
)

type evacuationMode int

const (
	evacuateNewToOld evacuationMode = iota
	promotePage
	evacuateOldToOld
)

func (m evacuationMode) String() string {
	switch m {
	case evacuateNewToOld:
		return "objects-new-to-old"
	case promotePage:
		return "page-new-to-old"
	case evacuateOldToOld:
		return "objects-old-to-old"
	}
	return "unknown"
}

type evacuationItem struct {
	region *heap.Region
	mode   evacuationMode
}

type abortedRegion struct {
	region *heap.Region
	failed heap.Address
}

// evacuation is the state of one evacuation phase
type evacuation struct {
	c     *Collector
	h     *heap.Heap
	state marking.State
	items []evacuationItem
	// young regions whose objects were copied out and can be released
	young []*heap.Region

	mu      sync.Mutex
	aborted []abortedRegion
}

// evacuatePrologue decides per region how it is evacuated. Young regions are
// promoted wholesale when dense enough, others are copied into old space.
func (c *Collector) evacuatePrologue(ctx *markingContext, st *Stats) *evacuation {
	h := c.heap
	e := &evacuation{c: c, h: h, state: ctx.state}
	for _, r := range h.Space(heap.NewSpace).Regions() {
		if c.shouldPromotePage(r) {
			h.PromoteRegion(r)
			e.items = append(e.items, evacuationItem{region: r, mode: promotePage})
			st.PromotedPages++
			continue
		}
		e.young = append(e.young, r)
		if r.LiveBytes() > 0 {
			e.items = append(e.items, evacuationItem{region: r, mode: evacuateNewToOld})
		}
	}
	for _, r := range ctx.candidates {
		e.items = append(e.items, evacuationItem{region: r, mode: evacuateOldToOld})
	}
	return e
}

func (c *Collector) shouldPromotePage(r *heap.Region) bool {
	if r.IsFlagSet(heap.FlagBlackAllocated) {
		return true
	}
	if !c.cfg.PagePromotion || r.LiveBytes() == 0 {
		return false
	}
	return r.LiveBytes()*100 > int64(c.cfg.PagePromotionThreshold)*int64(r.Size())
}

// evacuate processes every item, in parallel when configured, and then fixes
// up aborted regions on the main thread
func (c *Collector) evacuate(e *evacuation, st *Stats) {
	begin := time.Now()
	evacuators := make([]*evacuator, c.sched.WorkerCount()+1)
	c.runItems(c.cfg.ParallelCompaction, len(e.items), func(i int, d Delegate) {
		ev := evacuators[d.TaskID()]
		if ev == nil {
			ev = &evacuator{e: e, h: e.h}
			evacuators[d.TaskID()] = ev
		}
		ev.evacuateItem(e.items[i])
	})

	var oldToOld int64
	for _, ev := range evacuators {
		if ev != nil {
			oldToOld += ev.compacted
		}
	}
	c.tracer.AddCompactionSample(oldToOld, time.Since(begin))
	e.postProcessAborted(st)
}

func (e *evacuation) abort(r *heap.Region, failed heap.Address) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aborted = append(e.aborted, abortedRegion{region: r, failed: failed})
}

// postProcessAborted drops the slots of the migrated prefix of every aborted
// region and re-records the slots of the objects that stayed. Candidate flags
// are cleared only after all regions were re-recorded so that references
// between aborted regions are still recorded.
func (e *evacuation) postProcessAborted(st *Stats) {
	ev := &evacuator{e: e, h: e.h}
	for _, a := range e.aborted {
		a.region.RemoveSlotRange(a.region.Base(), a.failed)
		ev.forEachBlackObject(a.region, func(obj heap.Address, _ int) bool {
			ev.recordMigratedSlots(obj)
			return true
		})
	}
	for _, a := range e.aborted {
		a.region.ClearFlag(heap.FlagEvacuationCandidate)
		st.AbortedCandidates++
		e.c.log.Debug("evacuation aborted", "region", a.region.String(), "failed", fmt.Sprintf("%#x", uint64(a.failed)))
	}
}

// evacuator is one worker's copying state
type evacuator struct {
	e *evacuation
	h *heap.Heap
	// compacted counts bytes copied out of old candidates
	compacted int64
}

func (ev *evacuator) evacuateItem(item evacuationItem) {
	r := item.region
	switch item.mode {
	case evacuateNewToOld:
		ev.forEachBlackObject(r, func(obj heap.Address, size int) bool {
			if _, err := ev.migrate(obj, size, heap.OldSpace); err != nil {
				fatal(fmt.Sprintf("evacuating young object %#x", uint64(obj)), err)
			}
			ev.e.c.tracer.addPromoted(int64(size))
			return true
		})
	case promotePage:
		ev.forEachBlackObject(r, func(obj heap.Address, size int) bool {
			ev.recordMigratedSlots(obj)
			ev.e.c.tracer.addPromoted(int64(size))
			return true
		})
	case evacuateOldToOld:
		failed := ev.forEachBlackObject(r, func(obj heap.Address, size int) bool {
			if _, err := ev.migrate(obj, size, r.Space()); err != nil {
				return false
			}
			ev.compacted += int64(size)
			ev.e.c.tracer.addEvacuated(int64(size))
			return true
		})
		if failed == 0 {
			return
		}
		if ev.e.c.cfg.CrashOnAbortedEvacuation {
			fatalf("evacuation of %v aborted at %#x", r, uint64(failed))
		}
		if b := r.Bitmap(); b != nil {
			b.ClearRange(0, r.WordIndex(failed))
		}
		r.SetFlag(heap.FlagCompactionAborted)
		ev.e.abort(r, failed)
	}
}

// forEachBlackObject walks the black objects of r until fn returns false and
// returns the object it stopped at, 0 if the walk completed
func (ev *evacuator) forEachBlackObject(r *heap.Region, fn func(obj heap.Address, size int) bool) heap.Address {
	h := ev.h
	s := ev.e.state
	for a := r.Base(); a < r.Top(); {
		size := h.SizeOf(a)
		if !h.IsFiller(a) && s.IsBlack(a) {
			if !fn(a, size) {
				return a
			}
		}
		a += heap.Address(size)
	}
	return 0
}

// migrate copies obj into space and leaves a forwarding address behind
func (ev *evacuator) migrate(obj heap.Address, size int, space heap.SpaceID) (heap.Address, error) {
	h := ev.h
	d := h.TypeOf(obj)
	dst, err := h.Allocate(space, size, d.Alignment)
	if err != nil {
		return 0, err
	}
	words := size / heap.WordSize
	for i := 1; i < words; i++ {
		h.StoreWord(dst.Add(i), h.LoadWord(obj.Add(i)))
	}
	h.StoreWord(dst, h.LoadWord(obj))
	if d.Kind == heap.KindCode {
		h.RelocateCode(dst, int64(dst)-int64(obj))
	}
	ev.recordMigratedSlots(dst)
	h.SetForwardingAddress(obj, dst)
	if on := ev.e.c.onMigrate; on != nil {
		on(obj, dst, size)
	}
	return dst, nil
}

// recordMigratedSlots records the slots of host that point into the young
// generation or into regions that are being evacuated
func (ev *evacuator) recordMigratedSlots(host heap.Address) {
	h := ev.h
	hr := h.RegionOf(host)
	moving := func(r *heap.Region) bool {
		return r.IsEvacuationCandidate() || r.IsFlagSet(heap.FlagCompactionAborted)
	}
	h.IterateBody(host, func(slot heap.Address, kind heap.SlotKind) {
		if kind == heap.SlotCodeEntry {
			entry := heap.Address(h.LoadWord(slot))
			if entry == 0 {
				return
			}
			if tr := h.RegionOf(heap.CodeFromEntry(entry)); tr != nil && moving(tr) {
				hr.RecordTypedSlot(heap.OldToOld, heap.CodeEntrySlot, slot)
			}
			return
		}
		v := h.Load(slot)
		if !v.IsHeapObject() {
			return
		}
		tr := h.RegionOf(v.Address())
		switch {
		case tr == nil:
		case tr.InYoungGeneration():
			hr.RecordSlot(heap.OldToNew, slot)
		case moving(tr):
			hr.RecordSlot(heap.OldToOld, slot)
		}
	})
}
