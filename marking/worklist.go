// ABOUTME: Segment-based worklists with a mutex-guarded global pool and per-worker locals
// ABOUTME: Locals push and pop without locking and exchange full segments with the pool

package marking

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// SegmentSize is the number of entries a segment holds
const SegmentSize = 64

type segment[T any] struct {
	items []T
	next  *segment[T]
}

func newSegment[T any]() *segment[T] {
	return &segment[T]{items: make([]T, 0, SegmentSize)}
}

func (s *segment[T]) full() bool  { return len(s.items) == SegmentSize }
func (s *segment[T]) empty() bool { return len(s.items) == 0 }

// Worklist is the global pool of published segments
type Worklist[T any] struct {
	mu  sync.Mutex
	top *segment[T]
	_   cpu.CacheLinePad
	// size counts published segments and is read without the lock
	size atomic.Int64
}

// NewWorklist creates an empty worklist
func NewWorklist[T any]() *Worklist[T] {
	return &Worklist[T]{}
}

func (w *Worklist[T]) push(s *segment[T]) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s.next = w.top
	w.top = s
	w.size.Add(1)
}

func (w *Worklist[T]) pop() (*segment[T], bool) {
	if w.size.Load() == 0 {
		return nil, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.top == nil {
		return nil, false
	}
	s := w.top
	w.top = s.next
	s.next = nil
	w.size.Add(-1)
	return s, true
}

// IsEmpty reports whether no segment is published
func (w *Worklist[T]) IsEmpty() bool { return w.size.Load() == 0 }

// Size returns the number of published segments
func (w *Worklist[T]) Size() int { return int(w.size.Load()) }

// Clear drops every published segment
func (w *Worklist[T]) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.top = nil
	w.size.Store(0)
}

// Swap exchanges the contents of two worklists
func (w *Worklist[T]) Swap(other *Worklist[T]) {
	w.mu.Lock()
	defer w.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()
	w.top, other.top = other.top, w.top
	ws, os := w.size.Load(), other.size.Load()
	w.size.Store(os)
	other.size.Store(ws)
}

// Merge moves every segment of other into w
func (w *Worklist[T]) Merge(other *Worklist[T]) {
	other.mu.Lock()
	top := other.top
	n := other.size.Load()
	other.top = nil
	other.size.Store(0)
	other.mu.Unlock()
	if top == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	last := top
	for last.next != nil {
		last = last.next
	}
	last.next = w.top
	w.top = top
	w.size.Add(n)
}

// Iterate calls fn for each published entry
func (w *Worklist[T]) Iterate(fn func(T)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for s := w.top; s != nil; s = s.next {
		for _, v := range s.items {
			fn(v)
		}
	}
}

// Update rewrites published entries in place, dropping the ones fn rejects
func (w *Worklist[T]) Update(fn func(T) (T, bool)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var prev *segment[T]
	for s := w.top; s != nil; s = s.next {
		kept := s.items[:0]
		for _, v := range s.items {
			if nv, ok := fn(v); ok {
				kept = append(kept, nv)
			}
		}
		s.items = kept
		if s.empty() {
			if prev == nil {
				w.top = s.next
			} else {
				prev.next = s.next
			}
			w.size.Add(-1)
			continue
		}
		prev = s
	}
}

// Local is a single worker's view of a Worklist. Not safe for concurrent use.
type Local[T any] struct {
	global *Worklist[T]
	pushS  *segment[T]
	popS   *segment[T]
}

// NewLocal creates a local view of w
func NewLocal[T any](w *Worklist[T]) *Local[T] {
	return &Local[T]{global: w, pushS: newSegment[T](), popS: newSegment[T]()}
}

// Push adds an entry, publishing the push segment when it fills up
func (l *Local[T]) Push(v T) {
	if l.pushS.full() {
		l.global.push(l.pushS)
		l.pushS = newSegment[T]()
	}
	l.pushS.items = append(l.pushS.items, v)
}

// Pop takes an entry, stealing a published segment when the local ones are
// empty
func (l *Local[T]) Pop() (T, bool) {
	if l.popS.empty() {
		if !l.pushS.empty() {
			l.popS, l.pushS = l.pushS, l.popS
		} else if s, ok := l.global.pop(); ok {
			l.popS = s
		} else {
			var zero T
			return zero, false
		}
	}
	n := len(l.popS.items) - 1
	v := l.popS.items[n]
	l.popS.items = l.popS.items[:n]
	return v, true
}

// Publish hands every local entry to the global pool
func (l *Local[T]) Publish() {
	if !l.pushS.empty() {
		l.global.push(l.pushS)
		l.pushS = newSegment[T]()
	}
	if !l.popS.empty() {
		l.global.push(l.popS)
		l.popS = newSegment[T]()
	}
}

// IsLocalEmpty reports whether both local segments are empty
func (l *Local[T]) IsLocalEmpty() bool { return l.pushS.empty() && l.popS.empty() }

// IsGlobalEmpty reports whether the global pool is empty
func (l *Local[T]) IsGlobalEmpty() bool { return l.global.IsEmpty() }

// IsLocalAndGlobalEmpty reports whether there is no work anywhere
func (l *Local[T]) IsLocalAndGlobalEmpty() bool { return l.IsLocalEmpty() && l.IsGlobalEmpty() }

// Global returns the shared pool
func (l *Local[T]) Global() *Worklist[T] { return l.global }
