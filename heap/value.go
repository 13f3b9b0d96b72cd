// ABOUTME: Tagged word encoding shared by every heap slot
// ABOUTME: Separates heap references, small integers and sentinel values

package heap

import "fmt"

// WordSize is the size of a heap word in bytes
const WordSize = 8

// Address is a byte address inside the managed heap. Zero is never a valid
// object address.
type Address uint64

// Add returns the address n words past a
func (a Address) Add(words int) Address {
	return a + Address(words*WordSize)
}

// Value is the content of a tagged heap word. The low two bits select the
// representation: 01 heap reference, 10 small integer, 00 sentinel.
type Value uint64

const (
	tagMask       = 3
	heapObjectTag = 1
	smiTag        = 2
)

// Sentinel values. None of them is a heap reference.
const (
	Nil         Value = 0
	Hole        Value = 4
	Cleared     Value = 8
	LazyCompile Value = 12
)

// FromAddress tags an object address as a heap reference
func FromAddress(a Address) Value {
	return Value(a) | heapObjectTag
}

// Smi encodes a small integer
func Smi(n int64) Value {
	return Value(uint64(n)<<2) | smiTag
}

// IsHeapObject reports whether v references a heap object
func (v Value) IsHeapObject() bool {
	return v&tagMask == heapObjectTag
}

// IsSmi reports whether v is a small integer
func (v Value) IsSmi() bool {
	return v&tagMask == smiTag
}

// Address returns the referenced object address. Only valid for heap references.
func (v Value) Address() Address {
	return Address(v &^ tagMask)
}

// SmiValue decodes a small integer
func (v Value) SmiValue() int64 {
	return int64(v) >> 2
}

func (v Value) String() string {
	switch {
	case v.IsHeapObject():
		return fmt.Sprintf("ptr(%#x)", uint64(v.Address()))
	case v.IsSmi():
		return fmt.Sprintf("smi(%d)", v.SmiValue())
	}
	switch v {
	case Nil:
		return "nil"
	case Hole:
		return "hole"
	case Cleared:
		return "cleared"
	case LazyCompile:
		return "lazy-compile"
	}
	return fmt.Sprintf("raw(%#x)", uint64(v))
}

func alignUp(a Address, align int) Address {
	if align <= WordSize {
		return a
	}
	m := Address(align - 1)
	return (a + m) &^ m
}
