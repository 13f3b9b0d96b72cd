// ABOUTME: Marking worklists and the weak-object lists filled during marking
// ABOUTME: Weak lists are consumed by reference clearing after the closure converges

package marking

import "github.com/prateek/markcompact/heap"

// Ephemeron is a weak-map entry whose value is live only if its key is
type Ephemeron struct {
	Key, Value heap.Address
}

// ObjectInCode is an object weakly embedded in a code object
type ObjectInCode struct {
	Object, Code heap.Address
}

// Worklists holds the global marking work shared by all markers
type Worklists struct {
	Shared *Worklist[heap.Address]
}

// NewWorklists creates empty marking worklists
func NewWorklists() *Worklists {
	return &Worklists{Shared: NewWorklist[heap.Address]()}
}

// IsEmpty reports whether no published marking work remains
func (w *Worklists) IsEmpty() bool { return w.Shared.IsEmpty() }

// Clear drops all published work
func (w *Worklists) Clear() { w.Shared.Clear() }

// WeakObjects collects the weakly held objects discovered while marking
type WeakObjects struct {
	TransitionArrays     *Worklist[heap.Address]
	EphemeronHashTables  *Worklist[heap.Address]
	CurrentEphemerons    *Worklist[Ephemeron]
	NextEphemerons       *Worklist[Ephemeron]
	DiscoveredEphemerons *Worklist[Ephemeron]
	WeakObjectsInCode    *Worklist[ObjectInCode]
	WeakRefs             *Worklist[heap.Address]
	WeakCells            *Worklist[heap.Address]
	// FlushingCandidates are shared infos whose bytecode was held weakly
	FlushingCandidates *Worklist[heap.Address]
	// FlushedFunctions are functions whose shared info is a flushing candidate
	FlushedFunctions *Worklist[heap.Address]
}

// NewWeakObjects creates empty weak lists
func NewWeakObjects() *WeakObjects {
	return &WeakObjects{
		TransitionArrays:     NewWorklist[heap.Address](),
		EphemeronHashTables:  NewWorklist[heap.Address](),
		CurrentEphemerons:    NewWorklist[Ephemeron](),
		NextEphemerons:       NewWorklist[Ephemeron](),
		DiscoveredEphemerons: NewWorklist[Ephemeron](),
		WeakObjectsInCode:    NewWorklist[ObjectInCode](),
		WeakRefs:             NewWorklist[heap.Address](),
		WeakCells:            NewWorklist[heap.Address](),
		FlushingCandidates:   NewWorklist[heap.Address](),
		FlushedFunctions:     NewWorklist[heap.Address](),
	}
}

// Clear empties every list
func (w *WeakObjects) Clear() {
	w.TransitionArrays.Clear()
	w.EphemeronHashTables.Clear()
	w.CurrentEphemerons.Clear()
	w.NextEphemerons.Clear()
	w.DiscoveredEphemerons.Clear()
	w.WeakObjectsInCode.Clear()
	w.WeakRefs.Clear()
	w.WeakCells.Clear()
	w.FlushingCandidates.Clear()
	w.FlushedFunctions.Clear()
}

// LocalWeakObjects is one marker's view of the weak lists
type LocalWeakObjects struct {
	TransitionArrays     *Local[heap.Address]
	EphemeronHashTables  *Local[heap.Address]
	CurrentEphemerons    *Local[Ephemeron]
	NextEphemerons       *Local[Ephemeron]
	DiscoveredEphemerons *Local[Ephemeron]
	WeakObjectsInCode    *Local[ObjectInCode]
	WeakRefs             *Local[heap.Address]
	WeakCells            *Local[heap.Address]
	FlushingCandidates   *Local[heap.Address]
	FlushedFunctions     *Local[heap.Address]
}

// NewLocalWeakObjects creates local views of w
func NewLocalWeakObjects(w *WeakObjects) *LocalWeakObjects {
	return &LocalWeakObjects{
		TransitionArrays:     NewLocal(w.TransitionArrays),
		EphemeronHashTables:  NewLocal(w.EphemeronHashTables),
		CurrentEphemerons:    NewLocal(w.CurrentEphemerons),
		NextEphemerons:       NewLocal(w.NextEphemerons),
		DiscoveredEphemerons: NewLocal(w.DiscoveredEphemerons),
		WeakObjectsInCode:    NewLocal(w.WeakObjectsInCode),
		WeakRefs:             NewLocal(w.WeakRefs),
		WeakCells:            NewLocal(w.WeakCells),
		FlushingCandidates:   NewLocal(w.FlushingCandidates),
		FlushedFunctions:     NewLocal(w.FlushedFunctions),
	}
}

// Publish flushes every local list to its global pool
func (l *LocalWeakObjects) Publish() {
	l.TransitionArrays.Publish()
	l.EphemeronHashTables.Publish()
	l.CurrentEphemerons.Publish()
	l.NextEphemerons.Publish()
	l.DiscoveredEphemerons.Publish()
	l.WeakObjectsInCode.Publish()
	l.WeakRefs.Publish()
	l.WeakCells.Publish()
	l.FlushingCandidates.Publish()
	l.FlushedFunctions.Publish()
}
