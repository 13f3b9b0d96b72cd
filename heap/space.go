// ABOUTME: Allocation spaces with a linear allocation area and a first-fit free list
// ABOUTME: Each space owns an ordered list of regions

package heap

import (
	"sort"
	"sync"
)

// FreeBlock is a free range [Start, End) inside one region
type FreeBlock struct {
	Start, End Address
}

// Size returns the block size in bytes
func (b FreeBlock) Size() int { return int(b.End - b.Start) }

// Space is one allocation space. Allocation is serialized by mu.
type Space struct {
	id   SpaceID
	heap *Heap

	mu   sync.Mutex
	lab  *Region
	free []FreeBlock

	listMu  sync.Mutex
	regions []*Region
}

// ID returns the space id
func (s *Space) ID() SpaceID { return s.id }

// Regions returns a snapshot of the space's regions in address order
func (s *Space) Regions() []*Region {
	s.listMu.Lock()
	defer s.listMu.Unlock()
	out := make([]*Region, len(s.regions))
	copy(out, s.regions)
	return out
}

func (s *Space) addRegion(r *Region) {
	s.listMu.Lock()
	defer s.listMu.Unlock()
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].base > r.base })
	s.regions = append(s.regions, nil)
	copy(s.regions[i+1:], s.regions[i:])
	s.regions[i] = r
}

func (s *Space) removeRegion(r *Region) {
	s.listMu.Lock()
	for i, x := range s.regions {
		if x == r {
			s.regions = append(s.regions[:i], s.regions[i+1:]...)
			break
		}
	}
	s.listMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lab == r {
		s.lab = nil
		r.ClearFlag(FlagLinearAllocation)
	}
	kept := s.free[:0]
	for _, b := range s.free {
		if !r.Contains(b.Start) {
			kept = append(kept, b)
		}
	}
	s.free = kept
}

func (s *Space) allocate(size, alignment int) (Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.bump(size, alignment); ok {
		return a, nil
	}
	if a, ok := s.allocateFromFreeList(size, alignment); ok {
		return a, nil
	}
	s.retireLinearArea()
	r, err := s.heap.acquireRegion(s.id, 1)
	if err != nil {
		return 0, err
	}
	r.SetFlag(FlagLinearAllocation)
	s.lab = r
	a, ok := s.bump(size, alignment)
	if !ok {
		Fatalf("allocation of %d bytes does not fit a fresh %s region", size, s.id)
	}
	return a, nil
}

func (s *Space) bump(size, alignment int) (Address, bool) {
	r := s.lab
	if r == nil {
		return 0, false
	}
	start := alignUp(r.top, alignment)
	if start+Address(size) > r.End() {
		return 0, false
	}
	if start > r.top {
		s.heap.CreateFiller(r.top, int(start-r.top))
	}
	r.top = start + Address(size)
	r.allocated.Add(int64(size))
	s.heap.CreateFiller(start, size)
	return start, true
}

func (s *Space) allocateFromFreeList(size, alignment int) (Address, bool) {
	for i := range s.free {
		b := &s.free[i]
		start := alignUp(b.Start, alignment)
		if start+Address(size) > b.End {
			continue
		}
		if start > b.Start {
			s.heap.CreateFiller(b.Start, int(start-b.Start))
		}
		s.heap.CreateFiller(start, size)
		s.heap.RegionOf(start).allocated.Add(int64(size))
		b.Start = start + Address(size)
		if b.Start == b.End {
			s.free = append(s.free[:i], s.free[i+1:]...)
		} else {
			s.heap.CreateFiller(b.Start, b.Size())
		}
		return start, true
	}
	return 0, false
}

// retireLinearArea closes the current linear allocation region. Its unused
// tail becomes a filler on the free list. Caller holds mu.
func (s *Space) retireLinearArea() {
	r := s.lab
	if r == nil {
		return
	}
	s.lab = nil
	r.ClearFlag(FlagLinearAllocation)
	if r.top < r.End() {
		tail := FreeBlock{Start: r.top, End: r.End()}
		s.heap.CreateFiller(tail.Start, tail.Size())
		r.top = r.End()
		if !s.heap.inCycle.Load() {
			s.free = append(s.free, tail)
		}
	}
}

// AddFree hands a swept range back to the free list. The range must already
// hold a filler.
func (s *Space) AddFree(b FreeBlock) {
	if b.Size() <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free = append(s.free, b)
}

// ResetFreeList drops every free block of the space
func (s *Space) ResetFreeList() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free = nil
}

// FreeBytes sums the free list
func (s *Space) FreeBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.free {
		n += b.Size()
	}
	return n
}

// LinearAllocationRegion returns the region serving bump allocation, if any
func (s *Space) LinearAllocationRegion() *Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lab
}
