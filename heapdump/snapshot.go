// ABOUTME: Heap snapshot model shared by every dump format
// ABOUTME: Objects refer to each other by snapshot ID through "@id" references

package heapdump

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidSnapshot is wrapped by every snapshot validation failure
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// ID identifies an object within one snapshot. 0 is never a valid ID.
type ID uint64

// RefKind selects what a Ref holds
type RefKind uint8

const (
	RefNil RefKind = iota
	RefObject
	RefSmi
	RefHole
	RefCleared
	RefLazyCompile
)

// Ref is the content of a tagged slot. It is written as "@7" for object 7,
// a bare integer for a small integer, or one of "nil", "hole", "cleared" and
// "lazy-compile".
type Ref struct {
	Kind RefKind
	ID   ID
	Smi  int64
}

// Obj references object id
func Obj(id ID) Ref { return Ref{Kind: RefObject, ID: id} }

// Int is a small integer reference
func Int(n int64) Ref { return Ref{Kind: RefSmi, Smi: n} }

func (r Ref) String() string {
	switch r.Kind {
	case RefObject:
		return "@" + strconv.FormatUint(uint64(r.ID), 10)
	case RefSmi:
		return strconv.FormatInt(r.Smi, 10)
	case RefHole:
		return "hole"
	case RefCleared:
		return "cleared"
	case RefLazyCompile:
		return "lazy-compile"
	}
	return "nil"
}

// ParseRef decodes the textual form of a Ref
func ParseRef(s string) (Ref, error) {
	switch s {
	case "", "nil":
		return Ref{}, nil
	case "hole":
		return Ref{Kind: RefHole}, nil
	case "cleared":
		return Ref{Kind: RefCleared}, nil
	case "lazy-compile":
		return Ref{Kind: RefLazyCompile}, nil
	}
	if rest, ok := strings.CutPrefix(s, "@"); ok {
		id, err := strconv.ParseUint(rest, 10, 64)
		if err != nil || id == 0 {
			return Ref{}, fmt.Errorf("%w: bad object reference %q", ErrInvalidSnapshot, s)
		}
		return Obj(ID(id)), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: bad reference %q", ErrInvalidSnapshot, s)
	}
	return Int(n), nil
}

// MarshalJSON writes the textual form
func (r Ref) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON accepts the textual form or a plain JSON number
func (r *Ref) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("%w: reference %s", ErrInvalidSnapshot, data)
		}
		s = n.String()
	}
	v, err := ParseRef(s)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// MarshalYAML writes the textual form
func (r Ref) MarshalYAML() (interface{}, error) {
	if r.Kind == RefSmi {
		return r.Smi, nil
	}
	return r.String(), nil
}

// UnmarshalYAML accepts the textual form or a plain integer
func (r *Ref) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParseRef(s)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Entry is a key/value pair of a weak map or a shape's transition list
type Entry struct {
	Key   Ref `json:"key" yaml:"key"`
	Value Ref `json:"value" yaml:"value"`
}

// StructType declares a user struct layout
type StructType struct {
	Name   string `json:"name" yaml:"name"`
	Fields int    `json:"fields" yaml:"fields"`
	Raw    int    `json:"raw,omitempty" yaml:"raw,omitempty"`
}

// Object is one heap object. Which attributes apply depends on Type:
//
//	struct types, FixedArray, DescriptorArray: Fields
//	WeakMap: Entries, Capacity
//	WeakRef: Fields[0] is the target
//	WeakCell: Fields are target and holdings, Registry names the registry
//	Shape: Fields are back pointer and descriptors, Own, Entries are transitions
//	Function: Fields are shared info and code
//	SharedInfo: Fields are bytecode and name, Age
//	String, ByteArray, Bytecode: Data
//	Code: Instructions, Fields are embedded objects, Relocations, Flags
type Object struct {
	ID    ID     `json:"id" yaml:"id"`
	Type  string `json:"type" yaml:"type"`
	Space string `json:"space,omitempty" yaml:"space,omitempty"`

	Fields   []Ref   `json:"fields,omitempty" yaml:"fields,omitempty"`
	Entries  []Entry `json:"entries,omitempty" yaml:"entries,omitempty"`
	Capacity int     `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	Data     string  `json:"data,omitempty" yaml:"data,omitempty"`
	Registry ID      `json:"registry,omitempty" yaml:"registry,omitempty"`
	Own      int     `json:"own,omitempty" yaml:"own,omitempty"`
	Age      int     `json:"age,omitempty" yaml:"age,omitempty"`

	Instructions int   `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Relocations  []int `json:"relocations,omitempty" yaml:"relocations,omitempty"`
	Flags        int64 `json:"flags,omitempty" yaml:"flags,omitempty"`
}

// Frame is a stack frame root
type Frame struct {
	Function Ref   `json:"function" yaml:"function"`
	Code     Ref   `json:"code" yaml:"code"`
	Bytecode Ref   `json:"bytecode" yaml:"bytecode"`
	Locals   []Ref `json:"locals,omitempty" yaml:"locals,omitempty"`
}

// Snapshot is a complete heap image. Frames are listed outermost first.
type Snapshot struct {
	Types     []StructType `json:"types,omitempty" yaml:"types,omitempty"`
	Objects   []Object     `json:"objects" yaml:"objects"`
	Roots     []ID         `json:"roots,omitempty" yaml:"roots,omitempty"`
	WeakRoots []ID         `json:"weak_roots,omitempty" yaml:"weak_roots,omitempty"`
	Frames    []Frame      `json:"frames,omitempty" yaml:"frames,omitempty"`
	// Interned lists string objects registered in the string table
	Interned []ID `json:"interned,omitempty" yaml:"interned,omitempty"`
}

// Validate checks that IDs are unique and every reference resolves
func (s *Snapshot) Validate() error {
	ids := make(map[ID]*Object, len(s.Objects))
	for i := range s.Objects {
		obj := &s.Objects[i]
		if obj.ID == 0 {
			return fmt.Errorf("%w: object at index %d missing ID", ErrInvalidSnapshot, i)
		}
		if obj.Type == "" {
			return fmt.Errorf("%w: object %d missing type", ErrInvalidSnapshot, obj.ID)
		}
		if _, dup := ids[obj.ID]; dup {
			return fmt.Errorf("%w: duplicate object ID %d", ErrInvalidSnapshot, obj.ID)
		}
		ids[obj.ID] = obj
	}
	check := func(where string, r Ref) error {
		if r.Kind == RefObject && ids[r.ID] == nil {
			return fmt.Errorf("%w: %s refers to missing object %d", ErrInvalidSnapshot, where, r.ID)
		}
		return nil
	}
	checkID := func(where string, id ID) error { return check(where, Obj(id)) }
	for _, obj := range s.Objects {
		where := fmt.Sprintf("object %d", obj.ID)
		for _, r := range obj.Fields {
			if err := check(where, r); err != nil {
				return err
			}
		}
		for _, e := range obj.Entries {
			if err := check(where, e.Key); err != nil {
				return err
			}
			if err := check(where, e.Value); err != nil {
				return err
			}
		}
		if obj.Registry != 0 {
			if err := checkID(where, obj.Registry); err != nil {
				return err
			}
		}
	}
	for _, id := range s.Roots {
		if err := checkID("roots", id); err != nil {
			return err
		}
	}
	for _, id := range s.WeakRoots {
		if err := checkID("weak_roots", id); err != nil {
			return err
		}
	}
	for _, id := range s.Interned {
		if err := checkID("interned", id); err != nil {
			return err
		}
	}
	for i, f := range s.Frames {
		where := fmt.Sprintf("frame %d", i)
		for _, r := range append([]Ref{f.Function, f.Code, f.Bytecode}, f.Locals...) {
			if err := check(where, r); err != nil {
				return err
			}
		}
	}
	return nil
}
