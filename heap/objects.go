// ABOUTME: Mutator-side object construction, field access and write barriers
// ABOUTME: Covers structs, arrays, weak collections, shapes, functions and code

package heap

import (
	"errors"
	"fmt"
)

// WriteBarrier is notified of every reference store while marking is active
type WriteBarrier interface {
	// RecordWrite is called after value was stored into slot of host
	RecordWrite(host, slot Address, value Value)
	// RecordCodeEntryWrite is called after a code entry of host was pointed at code
	RecordCodeEntryWrite(host, slot Address, code Address)
}

var (
	// ErrWrongType is returned when an object does not have the expected kind
	ErrWrongType = errors.New("heap: wrong object type")
	// ErrIndexOutOfRange is returned for element accesses past the length
	ErrIndexOutOfRange = errors.New("heap: index out of range")
	// ErrWeakMapFull is returned when a weak map has no free entry left
	ErrWeakMapFull = errors.New("heap: weak map is full")
)

// WriteField stores v into word offset of obj and runs the write barriers
func (h *Heap) WriteField(obj Address, offset int, v Value) {
	slot := obj.Add(offset)
	h.Store(slot, v)
	h.barrierFor(obj, slot, v)
}

// ReadField loads word offset of obj
func (h *Heap) ReadField(obj Address, offset int) Value {
	return h.Load(obj.Add(offset))
}

func (h *Heap) barrierFor(host, slot Address, v Value) {
	if !v.IsHeapObject() {
		return
	}
	hr := h.RegionOf(host)
	if tr := h.RegionOf(v.Address()); hr != nil && tr != nil && !hr.InYoungGeneration() && tr.InYoungGeneration() {
		hr.RecordSlot(OldToNew, slot)
	}
	if b := h.barrier.Load(); b != nil {
		b.b.RecordWrite(host, slot, v)
	}
}

func (h *Heap) expect(obj Address, kinds ...Kind) error {
	k := h.TypeOf(obj).Kind
	for _, want := range kinds {
		if k == want {
			return nil
		}
	}
	return fmt.Errorf("%w: %#x is %v", ErrWrongType, uint64(obj), k)
}

// allocateObject reserves size bytes, clears the body and installs header
// after init has run.
func (h *Heap) allocateObject(space SpaceID, t TypeID, words int, init func(obj Address)) (Address, error) {
	d := h.types.Lookup(t)
	if d == nil {
		return 0, fmt.Errorf("%w: id %d", ErrUnknownType, t)
	}
	obj, err := h.Allocate(space, words*WordSize, d.Alignment)
	if err != nil {
		return 0, err
	}
	for i := 1; i < words; i++ {
		h.Store(obj.Add(i), Nil)
	}
	if init != nil {
		init(obj)
	}
	h.Store(obj, Smi(int64(t)))
	return obj, nil
}

// NewStruct allocates an instance of a registered struct type with Nil fields
func (h *Heap) NewStruct(space SpaceID, t TypeID) (Address, error) {
	d := h.types.Lookup(t)
	if d == nil || d.Kind != KindStruct {
		return 0, fmt.Errorf("%w: type %d is not a struct", ErrWrongType, t)
	}
	return h.allocateObject(space, t, 1+d.Fields+d.RawWords, nil)
}

// Field reads tagged field i of a struct
func (h *Heap) Field(obj Address, i int) Value { return h.ReadField(obj, 1+i) }

// SetField writes tagged field i of a struct
func (h *Heap) SetField(obj Address, i int, v Value) { h.WriteField(obj, 1+i, v) }

func (h *Heap) newArray(space SpaceID, t TypeID, length, words int) (Address, error) {
	return h.allocateObject(space, t, words, func(obj Address) {
		h.Store(obj.Add(LengthOffset), Smi(int64(length)))
	})
}

// NewFixedArray allocates an array of n Nil elements
func (h *Heap) NewFixedArray(space SpaceID, n int) (Address, error) {
	return h.newArray(space, TypeFixedArray, n, ArrayHeaderWords+n)
}

// NewDescriptorArray allocates a descriptor array of n Nil entries
func (h *Heap) NewDescriptorArray(space SpaceID, n int) (Address, error) {
	return h.newArray(space, TypeDescriptorArray, n, ArrayHeaderWords+n)
}

// Length returns the length word of an array-like object
func (h *Heap) Length(obj Address) int { return h.smiAt(obj.Add(LengthOffset)) }

// ArrayGet reads element i of a fixed or descriptor array
func (h *Heap) ArrayGet(arr Address, i int) Value {
	return h.ReadField(arr, ArrayHeaderWords+i)
}

// ArraySet writes element i of a fixed or descriptor array
func (h *Heap) ArraySet(arr Address, i int, v Value) error {
	if i < 0 || i >= h.Length(arr) {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, h.Length(arr))
	}
	h.WriteField(arr, ArrayHeaderWords+i, v)
	return nil
}

func (h *Heap) newBytes(space SpaceID, t TypeID, data []byte) (Address, error) {
	words := ArrayHeaderWords + (len(data)+WordSize-1)/WordSize
	return h.newArray(space, t, len(data), words)
}

func (h *Heap) writeBytes(obj Address, data []byte) {
	for i := 0; i < len(data); i += WordSize {
		var w uint64
		for j := 0; j < WordSize && i+j < len(data); j++ {
			w |= uint64(data[i+j]) << (8 * j)
		}
		h.StoreWord(obj.Add(ArrayHeaderWords+i/WordSize), w)
	}
}

// Bytes copies out the payload of a byte array, string or bytecode object
func (h *Heap) Bytes(obj Address) []byte {
	n := h.Length(obj)
	out := make([]byte, n)
	for i := 0; i < n; i += WordSize {
		w := h.LoadWord(obj.Add(ArrayHeaderWords + i/WordSize))
		for j := 0; j < WordSize && i+j < n; j++ {
			out[i+j] = byte(w >> (8 * j))
		}
	}
	return out
}

func (h *Heap) newFilledBytes(space SpaceID, t TypeID, data []byte) (Address, error) {
	obj, err := h.newBytes(space, t, data)
	if err != nil {
		return 0, err
	}
	// The header is already installed; payload words are raw and invisible
	// to the collector.
	h.writeBytes(obj, data)
	return obj, nil
}

// NewByteArray allocates a byte array holding data
func (h *Heap) NewByteArray(space SpaceID, data []byte) (Address, error) {
	return h.newFilledBytes(space, TypeByteArray, data)
}

// NewString allocates an uninterned string
func (h *Heap) NewString(space SpaceID, s string) (Address, error) {
	return h.newFilledBytes(space, TypeString, []byte(s))
}

// StringValue decodes a string object
func (h *Heap) StringValue(obj Address) string { return string(h.Bytes(obj)) }

// NewBytecode allocates a bytecode object
func (h *Heap) NewBytecode(space SpaceID, code []byte) (Address, error) {
	return h.newFilledBytes(space, TypeBytecode, code)
}

// NewWeakMap allocates an ephemeron table with room for capacity entries
func (h *Heap) NewWeakMap(space SpaceID, capacity int) (Address, error) {
	return h.allocateObject(space, TypeWeakMap, ArrayHeaderWords+2*capacity, func(obj Address) {
		h.Store(obj.Add(LengthOffset), Smi(int64(capacity)))
		for i := 0; i < capacity; i++ {
			h.Store(obj.Add(ArrayHeaderWords+2*i), Hole)
			h.Store(obj.Add(ArrayHeaderWords+2*i+1), Hole)
		}
	})
}

// WeakMapKeyOffset returns the word offset of entry i's key
func WeakMapKeyOffset(i int) int { return ArrayHeaderWords + 2*i }

// WeakMapSet inserts or replaces the value stored under key
func (h *Heap) WeakMapSet(m Address, key, value Value) error {
	if err := h.expect(m, KindWeakMap); err != nil {
		return err
	}
	if !key.IsHeapObject() {
		return fmt.Errorf("%w: weak map keys must be objects, got %v", ErrWrongType, key)
	}
	free := -1
	for i := 0; i < h.Length(m); i++ {
		k := h.ReadField(m, WeakMapKeyOffset(i))
		if k == key {
			h.WriteField(m, WeakMapKeyOffset(i)+1, value)
			return nil
		}
		if k == Hole && free < 0 {
			free = i
		}
	}
	if free < 0 {
		return ErrWeakMapFull
	}
	h.WriteField(m, WeakMapKeyOffset(free)+1, value)
	h.WriteField(m, WeakMapKeyOffset(free), key)
	return nil
}

// WeakMapGet returns the value stored under key
func (h *Heap) WeakMapGet(m Address, key Value) (Value, bool) {
	for i := 0; i < h.Length(m); i++ {
		if h.ReadField(m, WeakMapKeyOffset(i)) == key {
			return h.ReadField(m, WeakMapKeyOffset(i)+1), true
		}
	}
	return Nil, false
}

// WeakMapDelete removes key, reporting whether it was present
func (h *Heap) WeakMapDelete(m Address, key Value) bool {
	for i := 0; i < h.Length(m); i++ {
		if h.ReadField(m, WeakMapKeyOffset(i)) == key {
			h.Store(m.Add(WeakMapKeyOffset(i)), Hole)
			h.Store(m.Add(WeakMapKeyOffset(i)+1), Hole)
			return true
		}
	}
	return false
}

// WeakMapEntry is one live key/value pair
type WeakMapEntry struct {
	Key, Value Value
}

// WeakMapEntries lists the occupied entries of a weak map
func (h *Heap) WeakMapEntries(m Address) []WeakMapEntry {
	var out []WeakMapEntry
	for i := 0; i < h.Length(m); i++ {
		k := h.ReadField(m, WeakMapKeyOffset(i))
		if k == Hole {
			continue
		}
		out = append(out, WeakMapEntry{Key: k, Value: h.ReadField(m, WeakMapKeyOffset(i)+1)})
	}
	return out
}

// NewWeakRef allocates a weak reference to target
func (h *Heap) NewWeakRef(space SpaceID, target Value) (Address, error) {
	obj, err := h.allocateObject(space, TypeWeakRef, weakRefWords, nil)
	if err != nil {
		return 0, err
	}
	h.WriteField(obj, WeakRefTargetOffset, target)
	return obj, nil
}

// WeakRefTarget returns the target of a weak reference, Cleared once it died
func (h *Heap) WeakRefTarget(ref Address) Value {
	return h.ReadField(ref, WeakRefTargetOffset)
}

// NewFinalizationRegistry allocates an empty registry
func (h *Heap) NewFinalizationRegistry(space SpaceID) (Address, error) {
	return h.allocateObject(space, TypeFinalizationRegistry, registryWords, func(obj Address) {
		h.Store(obj.Add(RegistryFlagsOffset), Smi(0))
	})
}

// Register adds a cell watching target to the registry's active list.
// holdings is handed back once target dies.
func (h *Heap) Register(space SpaceID, registry Address, target, holdings Value) (Address, error) {
	if err := h.expect(registry, KindFinalizationRegistry); err != nil {
		return 0, err
	}
	cell, err := h.allocateObject(space, TypeWeakCell, weakCellWords, nil)
	if err != nil {
		return 0, err
	}
	h.WriteField(cell, WeakCellTargetOffset, target)
	h.WriteField(cell, WeakCellHoldingsOffset, holdings)
	h.WriteField(cell, WeakCellRegistryOffset, FromAddress(registry))
	head := h.ReadField(registry, RegistryActiveOffset)
	h.WriteField(cell, WeakCellNextOffset, head)
	if head.IsHeapObject() {
		h.WriteField(head.Address(), WeakCellPrevOffset, FromAddress(cell))
	}
	h.WriteField(registry, RegistryActiveOffset, FromAddress(cell))
	return cell, nil
}

// ActiveCells lists the cells still watching live targets
func (h *Heap) ActiveCells(registry Address) []Address {
	return h.cellList(h.ReadField(registry, RegistryActiveOffset))
}

func (h *Heap) cellList(v Value) []Address {
	var out []Address
	for v.IsHeapObject() {
		out = append(out, v.Address())
		v = h.ReadField(v.Address(), WeakCellNextOffset)
	}
	return out
}

// TakeClearedCells empties the registry's cleared list and returns the
// holdings of every cell on it, most recently cleared first
func (h *Heap) TakeClearedCells(registry Address) []Value {
	var out []Value
	for _, cell := range h.cellList(h.ReadField(registry, RegistryClearedOffset)) {
		out = append(out, h.ReadField(cell, WeakCellHoldingsOffset))
	}
	h.WriteField(registry, RegistryClearedOffset, Nil)
	flags := h.ReadField(registry, RegistryFlagsOffset).SmiValue()
	h.Store(registry.Add(RegistryFlagsOffset), Smi(flags&^RegistryScheduledForCleanup))
	return out
}

// NewShape allocates a shape. descriptors may be Nil.
func (h *Heap) NewShape(space SpaceID, backPointer, descriptors Value, ownDescriptors int) (Address, error) {
	obj, err := h.allocateObject(space, TypeShape, shapeWords, func(obj Address) {
		h.Store(obj.Add(ShapeOwnDescriptorsOffset), Smi(int64(ownDescriptors)))
	})
	if err != nil {
		return 0, err
	}
	h.WriteField(obj, ShapeBackPointerOffset, backPointer)
	h.WriteField(obj, ShapeDescriptorsOffset, descriptors)
	return obj, nil
}

// OwnDescriptors returns the number of descriptors a shape owns
func (h *Heap) OwnDescriptors(shape Address) int {
	return h.smiAt(shape.Add(ShapeOwnDescriptorsOffset))
}

// AddTransition records a transition from parent to child under key. The
// transition array is reallocated one entry larger.
func (h *Heap) AddTransition(space SpaceID, parent Address, key Value, child Address) error {
	if err := h.expect(parent, KindShape); err != nil {
		return err
	}
	old := h.ReadField(parent, ShapeTransitionsOffset)
	n := 0
	if old.IsHeapObject() {
		n = h.Length(old.Address())
	}
	arr, err := h.allocateObject(space, TypeTransitionArray, ArrayHeaderWords+2*(n+1), func(obj Address) {
		h.Store(obj.Add(LengthOffset), Smi(int64(n+1)))
	})
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		h.WriteField(arr, ArrayHeaderWords+2*i, h.ReadField(old.Address(), ArrayHeaderWords+2*i))
		h.WriteField(arr, ArrayHeaderWords+2*i+1, h.ReadField(old.Address(), ArrayHeaderWords+2*i+1))
	}
	h.WriteField(arr, ArrayHeaderWords+2*n, key)
	h.WriteField(arr, ArrayHeaderWords+2*n+1, FromAddress(child))
	h.WriteField(parent, ShapeTransitionsOffset, FromAddress(arr))
	return nil
}

// Transitions lists the live (key, target) pairs of a shape
func (h *Heap) Transitions(shape Address) []WeakMapEntry {
	arr := h.ReadField(shape, ShapeTransitionsOffset)
	if !arr.IsHeapObject() {
		return nil
	}
	var out []WeakMapEntry
	for i := 0; i < h.Length(arr.Address()); i++ {
		out = append(out, WeakMapEntry{
			Key:   h.ReadField(arr.Address(), ArrayHeaderWords+2*i),
			Value: h.ReadField(arr.Address(), ArrayHeaderWords+2*i+1),
		})
	}
	return out
}

// NewSharedInfo allocates shared function data. bytecode may be Nil.
func (h *Heap) NewSharedInfo(space SpaceID, bytecode, name Value) (Address, error) {
	obj, err := h.allocateObject(space, TypeSharedInfo, sharedWords, func(obj Address) {
		h.Store(obj.Add(SharedAgeOffset), Smi(0))
	})
	if err != nil {
		return 0, err
	}
	h.WriteField(obj, SharedBytecodeOffset, bytecode)
	h.WriteField(obj, SharedNameOffset, name)
	return obj, nil
}

// BytecodeAge returns the number of collections since the function last ran
func (h *Heap) BytecodeAge(shared Address) int {
	return h.smiAt(shared.Add(SharedAgeOffset))
}

// SetBytecodeAge overwrites the age of a shared info
func (h *Heap) SetBytecodeAge(shared Address, age int) {
	h.Store(shared.Add(SharedAgeOffset), Smi(int64(age)))
}

// MarkExecuted resets the bytecode age of a shared info
func (h *Heap) MarkExecuted(shared Address) { h.SetBytecodeAge(shared, 0) }

// NewFunction allocates a function closure over a shared info
func (h *Heap) NewFunction(space SpaceID, shared Address) (Address, error) {
	obj, err := h.allocateObject(space, TypeFunction, functionWords, nil)
	if err != nil {
		return 0, err
	}
	h.StoreWord(obj.Add(FunctionCodeEntryOffset), 0)
	h.WriteField(obj, FunctionSharedOffset, FromAddress(shared))
	return obj, nil
}

// SetFunctionCode points fn at code, updating the cached entry address
func (h *Heap) SetFunctionCode(fn, code Address) {
	h.WriteField(fn, FunctionCodeOffset, FromAddress(code))
	slot := fn.Add(FunctionCodeEntryOffset)
	h.StoreWord(slot, uint64(code+CodeInstructionStartDelta))
	if b := h.barrier.Load(); b != nil {
		b.b.RecordCodeEntryWrite(fn, slot, code)
	}
}

// ResetFunctionCode drops the compiled code of fn
func (h *Heap) ResetFunctionCode(fn Address) {
	h.Store(fn.Add(FunctionCodeOffset), Nil)
	h.StoreWord(fn.Add(FunctionCodeEntryOffset), 0)
}

// CodeEntry returns the cached instruction start of fn, 0 if none
func (h *Heap) CodeEntry(fn Address) Address {
	return Address(h.LoadWord(fn.Add(FunctionCodeEntryOffset)))
}

// NewCode allocates a code object with instrWords instruction words, the
// given weakly embedded objects and internal references at the given
// instruction word offsets.
func (h *Heap) NewCode(instrWords int, embedded []Value, reloc []int) (Address, error) {
	words := CodeInstructionsOffset + instrWords + len(embedded) + len(reloc)
	obj, err := h.allocateObject(CodeSpace, TypeCode, words, func(obj Address) {
		h.Store(obj.Add(CodeInstructionWordsOffset), Smi(int64(instrWords)))
		h.Store(obj.Add(CodeRelocCountOffset), Smi(int64(len(reloc))))
		h.Store(obj.Add(CodeEmbeddedCountOffset), Smi(int64(len(embedded))))
		h.Store(obj.Add(CodeFlagsOffset), Smi(0))
		for i := 0; i < instrWords; i++ {
			h.StoreWord(obj.Add(CodeInstructionsOffset+i), 0)
		}
	})
	if err != nil {
		return 0, err
	}
	for i, off := range reloc {
		if off < 0 || off >= instrWords {
			return 0, fmt.Errorf("%w: relocation offset %d", ErrIndexOutOfRange, off)
		}
		h.StoreWord(h.codeRelocSlot(obj, i), uint64(obj.Add(CodeInstructionsOffset+off)))
	}
	for i, v := range embedded {
		h.WriteField(obj, CodeInstructionsOffset+instrWords+i, v)
	}
	return obj, nil
}

func (h *Heap) codeRelocSlot(code Address, i int) Address {
	return code.Add(CodeInstructionsOffset + h.smiAt(code.Add(CodeInstructionWordsOffset)) +
		h.smiAt(code.Add(CodeEmbeddedCountOffset)) + i)
}

// CodeRelocations returns the absolute internal references of a code object
func (h *Heap) CodeRelocations(code Address) []Address {
	n := h.smiAt(code.Add(CodeRelocCountOffset))
	out := make([]Address, n)
	for i := range out {
		out[i] = Address(h.LoadWord(h.codeRelocSlot(code, i)))
	}
	return out
}

// RelocateCode shifts the internal references of code after it moved by delta bytes
func (h *Heap) RelocateCode(code Address, delta int64) {
	n := h.smiAt(code.Add(CodeRelocCountOffset))
	for i := 0; i < n; i++ {
		slot := h.codeRelocSlot(code, i)
		h.StoreWord(slot, uint64(int64(h.LoadWord(slot))+delta))
	}
}

// CodeEmbedded returns the embedded object values of code
func (h *Heap) CodeEmbedded(code Address) []Value {
	start := CodeInstructionsOffset + h.smiAt(code.Add(CodeInstructionWordsOffset))
	n := h.smiAt(code.Add(CodeEmbeddedCountOffset))
	out := make([]Value, n)
	for i := range out {
		out[i] = h.ReadField(code, start+i)
	}
	return out
}

// CodeFlags returns the flag bits of a code object
func (h *Heap) CodeFlags(code Address) int64 {
	return h.ReadField(code, CodeFlagsOffset).SmiValue()
}

// SetCodeFlags ors bits into the flags of a code object
func (h *Heap) SetCodeFlags(code Address, bits int64) {
	h.Store(code.Add(CodeFlagsOffset), Smi(h.CodeFlags(code)|bits))
}

// CodeFromEntry maps an instruction start back to its code object
func CodeFromEntry(entry Address) Address { return entry - CodeInstructionStartDelta }

// transferColor moves the mark of a left-trimmed object to its new start
func (h *Heap) transferColor(r *Region, from, to Address) (Color, bool) {
	b := r.Bitmap()
	if b == nil {
		return Black, false
	}
	i := r.WordIndex(from)
	for {
		c := b.GetAtomic(i)
		if c == White || b.Transition(i, c, White) {
			if c != White {
				b.Transition(r.WordIndex(to), White, Black)
			}
			return c, true
		}
	}
}

// LeftTrim drops the first n elements of a fixed array and returns the new
// array start. The freed prefix becomes a filler.
func (h *Heap) LeftTrim(arr Address, n int) (Address, error) {
	if err := h.expect(arr, KindFixedArray); err != nil {
		return 0, err
	}
	length := h.Length(arr)
	if n < 0 || n > length {
		return 0, fmt.Errorf("%w: trim %d of %d", ErrIndexOutOfRange, n, length)
	}
	if n == 0 {
		return arr, nil
	}
	r := h.RegionOf(arr)
	to := arr.Add(n)
	h.Store(to.Add(LengthOffset), Smi(int64(length-n)))
	h.Store(to, Smi(int64(TypeFixedArray)))
	h.CreateFiller(arr, n*WordSize)
	r.RemoveSlotRange(arr, to)
	if c, marking := h.transferColor(r, arr, to); marking {
		switch c {
		case Black:
			r.IncrementLiveBytes(-int64(n * WordSize))
		case Grey:
			// The grey entry for arr now finds a filler. The new array is
			// black, so its elements are shaded here.
			r.IncrementLiveBytes(int64(h.SizeOf(to)))
			if b := h.barrier.Load(); b != nil {
				for i := 0; i < length-n; i++ {
					slot := to.Add(ArrayHeaderWords + i)
					b.b.RecordWrite(to, slot, h.Load(slot))
				}
			}
		}
	}
	return to, nil
}

// RightTrim drops the last n elements of a fixed, descriptor or transition
// array. The freed tail becomes a filler.
func (h *Heap) RightTrim(arr Address, n int) error {
	d := h.TypeOf(arr)
	per := 1
	switch d.Kind {
	case KindFixedArray, KindDescriptorArray:
	case KindTransitionArray, KindWeakMap:
		per = 2
	default:
		return fmt.Errorf("%w: cannot trim %v", ErrWrongType, d.Kind)
	}
	length := h.Length(arr)
	if n < 0 || n > length {
		return fmt.Errorf("%w: trim %d of %d", ErrIndexOutOfRange, n, length)
	}
	if n == 0 {
		return nil
	}
	r := h.RegionOf(arr)
	end := arr.Add(ArrayHeaderWords + per*length)
	start := arr.Add(ArrayHeaderWords + per*(length-n))
	h.Store(arr.Add(LengthOffset), Smi(int64(length-n)))
	h.CreateFiller(start, int(end-start))
	r.RemoveSlotRange(start, end)
	if b := r.Bitmap(); b != nil && b.GetAtomic(r.WordIndex(arr)) == Black {
		r.IncrementLiveBytes(-int64(end - start))
	}
	if r.space == LargeObjectSpace {
		r.allocated.Add(-int64(end - start))
	}
	return nil
}
