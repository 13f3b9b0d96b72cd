// ABOUTME: Sweeper: turns dead ranges into fillers on the free list
// ABOUTME: Releases empty regions and dead large objects, resets allocated bytes

package gc

import (
	"github.com/prateek/markcompact/heap"
	"github.com/prateek/markcompact/marking"
)

var sweptSpaces = []heap.SpaceID{heap.OldSpace, heap.CodeSpace, heap.LargeObjectSpace}

// sweep reclaims the memory of white objects. Regions allocated during the
// cycle hold only black objects and are skipped.
func (c *Collector) sweep(s marking.State, st *Stats) {
	h := c.heap
	for _, id := range sweptSpaces {
		for _, r := range h.Space(id).Regions() {
			if r.IsFlagSet(heap.FlagBlackAllocated) {
				continue
			}
			if id == heap.LargeObjectSpace {
				if s.IsWhite(r.Base()) {
					h.ReleaseRegion(r)
					st.ReleasedRegions++
				}
				continue
			}
			if r.LiveBytes() == 0 {
				h.ReleaseRegion(r)
				st.ReleasedRegions++
				continue
			}
			c.sweepRegion(s, r)
		}
	}
}

func (c *Collector) sweepRegion(s marking.State, r *heap.Region) {
	h := c.heap
	space := h.Space(r.Space())
	free := func(start, end heap.Address) {
		if end <= start {
			return
		}
		h.CreateFiller(start, int(end-start))
		r.RemoveSlotRange(start, end)
		space.AddFree(heap.FreeBlock{Start: start, End: end})
	}
	var live int64
	freeStart := r.Base()
	for a := r.Base(); a < r.Top(); {
		size := h.SizeOf(a)
		if !h.IsFiller(a) && s.IsBlack(a) {
			free(freeStart, a)
			live += int64(size)
			freeStart = a + heap.Address(size)
		}
		a += heap.Address(size)
	}
	free(freeStart, r.End())
	r.SetTop(r.End())
	r.SetAllocatedBytes(live)
}
