// ABOUTME: Root provider: global and weak handles, simulated stack frames, embedder roots
// ABOUTME: Enumerates root slots for marking and pointer updating

package heap

import "sync"

// RootKind classifies an enumerated root
type RootKind uint8

const (
	RootHandle RootKind = iota
	RootWeakHandle
	RootStack
	// RootTopFrame is the code object of the innermost frame
	RootTopFrame
	RootEmbedder
)

func (k RootKind) String() string {
	switch k {
	case RootHandle:
		return "handle"
	case RootWeakHandle:
		return "weak-handle"
	case RootStack:
		return "stack"
	case RootTopFrame:
		return "top-frame"
	case RootEmbedder:
		return "embedder"
	}
	return "unknown"
}

// RootMode filters root enumeration
type RootMode uint8

const (
	RootsAll RootMode = iota
	// RootsSkipWeak leaves out weak handles
	RootsSkipWeak
)

// RootVisitor receives a pointer to each root slot. Visitors may rewrite the
// slot.
type RootVisitor func(kind RootKind, slot *Value)

// Handle is an off-heap slot holding a heap value
type Handle struct {
	slot     Value
	weak     bool
	callback func(Value)
	roots    *Roots
}

// Get returns the referenced value, Nil after a weak handle was cleared
func (h *Handle) Get() Value { return h.slot }

// Set replaces the referenced value
func (h *Handle) Set(v Value) { h.slot = v }

// IsWeak reports whether the handle does not keep its target alive
func (h *Handle) IsWeak() bool { return h.weak }

// Release removes the handle from the root set
func (h *Handle) Release() { h.roots.release(h) }

// Clear nulls a dead weak handle and returns its callback, if any
func (h *Handle) Clear() func() {
	old := h.slot
	h.slot = Nil
	if h.callback == nil {
		return nil
	}
	cb := h.callback
	return func() { cb(old) }
}

// Frame is one simulated activation record
type Frame struct {
	Function Value
	Code     Value
	Bytecode Value
	Locals   []Value
}

// Roots is the reference root provider
type Roots struct {
	mu       sync.Mutex
	handles  map[*Handle]struct{}
	order    []*Handle
	frames   []*Frame
	embedder []func(visit func(slot *Value))
}

func newRoots() *Roots {
	return &Roots{handles: make(map[*Handle]struct{})}
}

// NewHandle creates a strong global handle
func (r *Roots) NewHandle(v Value) *Handle {
	return r.add(&Handle{slot: v})
}

// NewWeakHandle creates a weak handle. callback runs with the old value after
// the target died.
func (r *Roots) NewWeakHandle(v Value, callback func(Value)) *Handle {
	return r.add(&Handle{slot: v, weak: true, callback: callback})
}

func (r *Roots) add(h *Handle) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h.roots = r
	r.handles[h] = struct{}{}
	r.order = append(r.order, h)
	return h
}

func (r *Roots) release(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handles[h]; !ok {
		return
	}
	delete(r.handles, h)
	for i, x := range r.order {
		if x == h {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// PushFrame enters a new innermost frame
func (r *Roots) PushFrame(f *Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

// PopFrame leaves the innermost frame
func (r *Roots) PopFrame() *Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.frames) == 0 {
		return nil
	}
	f := r.frames[len(r.frames)-1]
	r.frames = r.frames[:len(r.frames)-1]
	return f
}

// AddEmbedderRoots registers a callback reporting extra root slots
func (r *Roots) AddEmbedderRoots(fn func(visit func(slot *Value))) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embedder = append(r.embedder, fn)
}

// EnumerateRoots reports every root slot to visit
func (r *Roots) EnumerateRoots(visit RootVisitor, mode RootMode) {
	r.mu.Lock()
	handles := append([]*Handle(nil), r.order...)
	frames := append([]*Frame(nil), r.frames...)
	embedder := append([]func(func(*Value)){}, r.embedder...)
	r.mu.Unlock()

	for _, h := range handles {
		if h.weak {
			if mode == RootsSkipWeak {
				continue
			}
			visit(RootWeakHandle, &h.slot)
			continue
		}
		visit(RootHandle, &h.slot)
	}
	for i, f := range frames {
		visit(RootStack, &f.Function)
		visit(RootStack, &f.Bytecode)
		if i == len(frames)-1 {
			visit(RootTopFrame, &f.Code)
		} else {
			visit(RootStack, &f.Code)
		}
		for j := range f.Locals {
			visit(RootStack, &f.Locals[j])
		}
	}
	for _, fn := range embedder {
		fn(func(slot *Value) { visit(RootEmbedder, slot) })
	}
}

// IterateWeakHandles calls fn for each weak handle
func (r *Roots) IterateWeakHandles(fn func(h *Handle)) {
	r.mu.Lock()
	handles := append([]*Handle(nil), r.order...)
	r.mu.Unlock()
	for _, h := range handles {
		if h.weak {
			fn(h)
		}
	}
}

// IterateFrames calls fn for each frame from outermost to innermost
func (r *Roots) IterateFrames(fn func(f *Frame)) {
	r.mu.Lock()
	frames := append([]*Frame(nil), r.frames...)
	r.mu.Unlock()
	for _, f := range frames {
		fn(f)
	}
}

// HandleCount returns the number of live handles
func (r *Roots) HandleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
