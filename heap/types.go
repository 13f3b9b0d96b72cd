// ABOUTME: Object model: type descriptors, object layouts and body iteration
// ABOUTME: Tells the collector how big an object is and where its references live

package heap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Kind selects the layout family of a type
type Kind uint8

const (
	KindFiller Kind = iota
	KindStruct
	KindFixedArray
	KindByteArray
	KindString
	KindWeakMap
	KindWeakRef
	KindWeakCell
	KindFinalizationRegistry
	KindShape
	KindTransitionArray
	KindDescriptorArray
	KindFunction
	KindSharedInfo
	KindBytecode
	KindCode
)

var kindNames = [...]string{
	KindFiller:               "Filler",
	KindStruct:               "Struct",
	KindFixedArray:           "FixedArray",
	KindByteArray:            "ByteArray",
	KindString:               "String",
	KindWeakMap:              "WeakMap",
	KindWeakRef:              "WeakRef",
	KindWeakCell:             "WeakCell",
	KindFinalizationRegistry: "FinalizationRegistry",
	KindShape:                "Shape",
	KindTransitionArray:      "TransitionArray",
	KindDescriptorArray:      "DescriptorArray",
	KindFunction:             "Function",
	KindSharedInfo:           "SharedInfo",
	KindBytecode:             "Bytecode",
	KindCode:                 "Code",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// TypeID indexes the type registry. It is stored in every object header.
type TypeID uint32

// Built-in type ids. User struct types are registered after these.
const (
	TypeOneWordFiller TypeID = iota
	TypeFiller
	TypeFixedArray
	TypeByteArray
	TypeString
	TypeWeakMap
	TypeWeakRef
	TypeWeakCell
	TypeFinalizationRegistry
	TypeShape
	TypeTransitionArray
	TypeDescriptorArray
	TypeFunction
	TypeSharedInfo
	TypeBytecode
	TypeCode

	firstUserType
)

// CodeAlignment is the allocation alignment of code objects in bytes
const CodeAlignment = 32

// TypeDescriptor describes the layout of one object type
type TypeDescriptor struct {
	ID        TypeID
	Name      string
	Kind      Kind
	Fields    int // tagged fields of a struct
	RawWords  int // untagged words of a struct, after the fields
	Alignment int // allocation alignment in bytes
}

// SlotKind classifies a reference slot reported by IterateBody
type SlotKind uint8

const (
	SlotStrong SlotKind = iota
	// SlotWeak does not keep its target alive
	SlotWeak
	SlotEphemeronKey
	SlotEphemeronValue
	// SlotEmbedded is an object embedded in code; weak unless the code is
	// executing
	SlotEmbedded
	// SlotFlushable is bytecode held by a shared info; weak once the shared
	// info is old
	SlotFlushable
	// SlotCodeEntry holds an untagged instruction start address
	SlotCodeEntry
)

// IsTagged reports whether the slot holds a tagged Value
func (k SlotKind) IsTagged() bool { return k != SlotCodeEntry }

// SlotVisitor is invoked once per reference slot of an object body
type SlotVisitor func(slot Address, kind SlotKind)

// ObjectModel is what the collector needs to know about objects
type ObjectModel interface {
	SizeOf(obj Address) int
	IterateBody(obj Address, visit SlotVisitor)
}

// Word offsets of fixed layouts. Word 0 is always the header.
const (
	LengthOffset = 1

	WeakRefTargetOffset = 1
	weakRefWords        = 2

	WeakCellTargetOffset   = 1
	WeakCellHoldingsOffset = 2
	WeakCellRegistryOffset = 3
	WeakCellPrevOffset     = 4
	WeakCellNextOffset     = 5
	weakCellWords          = 6

	RegistryActiveOffset  = 1
	RegistryClearedOffset = 2
	RegistryFlagsOffset   = 3
	registryWords         = 4

	ShapeBackPointerOffset    = 1
	ShapeTransitionsOffset    = 2
	ShapeDescriptorsOffset    = 3
	ShapeOwnDescriptorsOffset = 4
	shapeWords                = 5

	FunctionSharedOffset    = 1
	FunctionCodeOffset      = 2
	FunctionCodeEntryOffset = 3
	functionWords           = 4

	SharedBytecodeOffset = 1
	SharedAgeOffset      = 2
	SharedNameOffset     = 3
	sharedWords          = 4

	CodeInstructionWordsOffset = 1
	CodeRelocCountOffset       = 2
	CodeEmbeddedCountOffset    = 3
	CodeFlagsOffset            = 4
	CodeInstructionsOffset     = 5

	// ArrayHeaderWords is the header plus length word of array-like objects
	ArrayHeaderWords = 2
)

// CodeInstructionStartDelta is the byte distance between a code object and
// its first instruction
const CodeInstructionStartDelta = CodeInstructionsOffset * WordSize

// Code flag bits
const (
	CodeFlagMarkedForDeopt int64 = 1 << iota
	CodeFlagOptimized
	// CodeFlagEmbeddedObjectsCleared is set once dead embedded objects were
	// dropped from the code
	CodeFlagEmbeddedObjectsCleared
)

// Finalization registry flag bits
const (
	RegistryScheduledForCleanup int64 = 1 << iota
)

// ErrUnknownType is returned for type ids or names that are not registered
var ErrUnknownType = errors.New("unknown type")

// Types is an append-only type registry. Lookups are lock-free.
type Types struct {
	mu     sync.Mutex
	descs  atomic.Pointer[[]*TypeDescriptor]
	byName map[string]TypeID
}

// NewTypes creates a registry populated with the built-in types
func NewTypes() *Types {
	t := &Types{byName: make(map[string]TypeID)}
	builtins := []*TypeDescriptor{
		{ID: TypeOneWordFiller, Name: "OneWordFiller", Kind: KindFiller},
		{ID: TypeFiller, Name: "Filler", Kind: KindFiller},
		{ID: TypeFixedArray, Name: "FixedArray", Kind: KindFixedArray},
		{ID: TypeByteArray, Name: "ByteArray", Kind: KindByteArray},
		{ID: TypeString, Name: "String", Kind: KindString},
		{ID: TypeWeakMap, Name: "WeakMap", Kind: KindWeakMap},
		{ID: TypeWeakRef, Name: "WeakRef", Kind: KindWeakRef},
		{ID: TypeWeakCell, Name: "WeakCell", Kind: KindWeakCell},
		{ID: TypeFinalizationRegistry, Name: "FinalizationRegistry", Kind: KindFinalizationRegistry},
		{ID: TypeShape, Name: "Shape", Kind: KindShape},
		{ID: TypeTransitionArray, Name: "TransitionArray", Kind: KindTransitionArray},
		{ID: TypeDescriptorArray, Name: "DescriptorArray", Kind: KindDescriptorArray},
		{ID: TypeFunction, Name: "Function", Kind: KindFunction},
		{ID: TypeSharedInfo, Name: "SharedInfo", Kind: KindSharedInfo},
		{ID: TypeBytecode, Name: "Bytecode", Kind: KindBytecode},
		{ID: TypeCode, Name: "Code", Kind: KindCode, Alignment: CodeAlignment},
	}
	for _, d := range builtins {
		t.byName[d.Name] = d.ID
	}
	t.descs.Store(&builtins)
	return t
}

// RegisterStruct adds a struct type with the given number of tagged fields
// followed by raw words. Registering an existing name with the same layout
// returns the existing id.
func (t *Types) RegisterStruct(name string, fields, raw int) (TypeID, error) {
	if fields < 0 || raw < 0 {
		return 0, fmt.Errorf("struct %q: negative layout", name)
	}
	if fields+raw == 0 {
		raw = 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.byName[name]; ok {
		d := (*t.descs.Load())[id]
		if d.Kind != KindStruct || d.Fields != fields || d.RawWords != raw {
			return 0, fmt.Errorf("struct %q: already registered with a different layout", name)
		}
		return id, nil
	}
	old := *t.descs.Load()
	next := make([]*TypeDescriptor, len(old), len(old)+1)
	copy(next, old)
	id := TypeID(len(next))
	next = append(next, &TypeDescriptor{ID: id, Name: name, Kind: KindStruct, Fields: fields, RawWords: raw})
	t.byName[name] = id
	t.descs.Store(&next)
	return id, nil
}

// Lookup returns the descriptor of id, nil if unknown
func (t *Types) Lookup(id TypeID) *TypeDescriptor {
	descs := *t.descs.Load()
	if int(id) >= len(descs) {
		return nil
	}
	return descs[id]
}

// ByName returns the id registered under name
func (t *Types) ByName(name string) (TypeID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return id, nil
}

// sizeInWords computes the object size from its descriptor. length reads the
// length word for variable-sized layouts.
func (d *TypeDescriptor) sizeInWords(length func() int, word func(off int) int) int {
	switch d.Kind {
	case KindFiller:
		if d.ID == TypeOneWordFiller {
			return 1
		}
		return length()
	case KindStruct:
		return 1 + d.Fields + d.RawWords
	case KindFixedArray, KindDescriptorArray:
		return ArrayHeaderWords + length()
	case KindTransitionArray, KindWeakMap:
		return ArrayHeaderWords + 2*length()
	case KindByteArray, KindString, KindBytecode:
		return ArrayHeaderWords + (length()+WordSize-1)/WordSize
	case KindWeakRef:
		return weakRefWords
	case KindWeakCell:
		return weakCellWords
	case KindFinalizationRegistry:
		return registryWords
	case KindShape:
		return shapeWords
	case KindFunction:
		return functionWords
	case KindSharedInfo:
		return sharedWords
	case KindCode:
		return CodeInstructionsOffset + word(CodeInstructionWordsOffset) +
			word(CodeEmbeddedCountOffset) + word(CodeRelocCountOffset)
	}
	panic(&FatalError{Reason: fmt.Sprintf("size of unknown kind %v", d.Kind)})
}

// iterateBody reports every reference slot of an object at obj
func (d *TypeDescriptor) iterateBody(obj Address, length func() int, word func(off int) int, visit SlotVisitor) {
	switch d.Kind {
	case KindStruct:
		for i := 0; i < d.Fields; i++ {
			visit(obj.Add(1+i), SlotStrong)
		}
	case KindFixedArray, KindDescriptorArray:
		n := length()
		for i := 0; i < n; i++ {
			visit(obj.Add(ArrayHeaderWords+i), SlotStrong)
		}
	case KindTransitionArray:
		n := length()
		for i := 0; i < n; i++ {
			visit(obj.Add(ArrayHeaderWords+2*i), SlotStrong)
			visit(obj.Add(ArrayHeaderWords+2*i+1), SlotWeak)
		}
	case KindWeakMap:
		n := length()
		for i := 0; i < n; i++ {
			visit(obj.Add(ArrayHeaderWords+2*i), SlotEphemeronKey)
			visit(obj.Add(ArrayHeaderWords+2*i+1), SlotEphemeronValue)
		}
	case KindWeakRef:
		visit(obj.Add(WeakRefTargetOffset), SlotWeak)
	case KindWeakCell:
		visit(obj.Add(WeakCellTargetOffset), SlotWeak)
		visit(obj.Add(WeakCellHoldingsOffset), SlotStrong)
		visit(obj.Add(WeakCellRegistryOffset), SlotStrong)
		visit(obj.Add(WeakCellPrevOffset), SlotStrong)
		visit(obj.Add(WeakCellNextOffset), SlotStrong)
	case KindFinalizationRegistry:
		visit(obj.Add(RegistryActiveOffset), SlotStrong)
		visit(obj.Add(RegistryClearedOffset), SlotStrong)
	case KindShape:
		visit(obj.Add(ShapeBackPointerOffset), SlotStrong)
		visit(obj.Add(ShapeTransitionsOffset), SlotStrong)
		visit(obj.Add(ShapeDescriptorsOffset), SlotStrong)
	case KindFunction:
		visit(obj.Add(FunctionSharedOffset), SlotStrong)
		visit(obj.Add(FunctionCodeOffset), SlotStrong)
		visit(obj.Add(FunctionCodeEntryOffset), SlotCodeEntry)
	case KindSharedInfo:
		visit(obj.Add(SharedBytecodeOffset), SlotFlushable)
		visit(obj.Add(SharedNameOffset), SlotStrong)
	case KindCode:
		start := CodeInstructionsOffset + word(CodeInstructionWordsOffset)
		n := word(CodeEmbeddedCountOffset)
		for i := 0; i < n; i++ {
			visit(obj.Add(start+i), SlotEmbedded)
		}
	}
}
