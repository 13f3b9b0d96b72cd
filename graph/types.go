// ABOUTME: Core data types for the heap object graph
// ABOUTME: Objects carry typed references: strong, weak and ephemeron

package graph

// ObjID is a unique identifier for a heap object. 0 is reserved for the
// super-root that points at every root.
type ObjID uint64

// RefKind says how a reference keeps its target alive
type RefKind uint8

const (
	// RefStrong keeps the target alive
	RefStrong RefKind = iota
	// RefWeak never keeps the target alive
	RefWeak
	// RefEphemeron keeps the target alive only while Key is alive
	RefEphemeron
)

func (k RefKind) String() string {
	switch k {
	case RefStrong:
		return "strong"
	case RefWeak:
		return "weak"
	case RefEphemeron:
		return "ephemeron"
	}
	return "unknown"
}

// Ref is one outgoing reference of an object
type Ref struct {
	Target ObjID
	Kind   RefKind
	// Key gates an ephemeron reference
	Key ObjID
}

// Object represents a single heap object
type Object struct {
	ID   ObjID  // Unique identifier
	Type string // Type name (e.g. "FixedArray", "WeakMap")
	Size uint64 // Size in bytes
	Refs []Ref  // Outgoing references
}

// Strong builds strong references to targets
func Strong(targets ...ObjID) []Ref {
	refs := make([]Ref, len(targets))
	for i, t := range targets {
		refs[i] = Ref{Target: t}
	}
	return refs
}

// Roots represents the set of GC root objects
type Roots struct {
	IDs []ObjID // Object IDs that are roots
}
