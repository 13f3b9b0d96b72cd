// ABOUTME: Materializes a snapshot into a live heap
// ABOUTME: Allocates every object first, then links fields, handles and frames

package heapdump

import (
	"fmt"

	"github.com/prateek/markcompact/heap"
)

// Image is a snapshot loaded into a heap
type Image struct {
	// Objects maps snapshot IDs to heap addresses
	Objects     map[ID]heap.Address
	Handles     []*heap.Handle
	WeakHandles []*heap.Handle
}

// Value returns the current value of the object loaded for id. Only valid
// until the next collection moves it; use handles across collections.
func (img *Image) Value(id ID) heap.Value {
	addr, ok := img.Objects[id]
	if !ok {
		return heap.Nil
	}
	return heap.FromAddress(addr)
}

type loader struct {
	h    *heap.Heap
	s    *Snapshot
	objs map[ID]heap.Address
}

// Load allocates every object of s in h and installs its roots. Weak handles
// get no callback.
func Load(h *heap.Heap, s *Snapshot) (*Image, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	for _, t := range s.Types {
		if _, err := h.Types().RegisterStruct(t.Name, t.Fields, t.Raw); err != nil {
			return nil, fmt.Errorf("register type: %w", err)
		}
	}
	l := &loader{h: h, s: s, objs: make(map[ID]heap.Address, len(s.Objects))}

	// functions need their shared info and cells their registry, so they
	// come after everything else
	for _, stage := range []func(obj *Object) bool{
		func(obj *Object) bool { return obj.Type != "Function" && obj.Type != "WeakCell" },
		func(obj *Object) bool { return obj.Type == "Function" },
		func(obj *Object) bool { return obj.Type == "WeakCell" },
	} {
		for i := range s.Objects {
			obj := &s.Objects[i]
			if !stage(obj) {
				continue
			}
			addr, err := l.allocate(obj)
			if err != nil {
				return nil, fmt.Errorf("object %d (%s): %w", obj.ID, obj.Type, err)
			}
			l.objs[obj.ID] = addr
		}
	}
	for i := range s.Objects {
		obj := &s.Objects[i]
		if err := l.link(obj); err != nil {
			return nil, fmt.Errorf("object %d (%s): %w", obj.ID, obj.Type, err)
		}
	}

	img := &Image{Objects: l.objs}
	roots := h.Roots()
	for _, id := range s.Roots {
		img.Handles = append(img.Handles, roots.NewHandle(l.value(Obj(id))))
	}
	for _, id := range s.WeakRoots {
		img.WeakHandles = append(img.WeakHandles, roots.NewWeakHandle(l.value(Obj(id)), nil))
	}
	for _, f := range s.Frames {
		frame := &heap.Frame{
			Function: l.value(f.Function),
			Code:     l.value(f.Code),
			Bytecode: l.value(f.Bytecode),
		}
		for _, r := range f.Locals {
			frame.Locals = append(frame.Locals, l.value(r))
		}
		roots.PushFrame(frame)
	}
	for _, id := range s.Interned {
		if obj := l.objs[id]; h.TypeOf(obj).Kind == heap.KindString {
			h.StringTable().Add(obj)
		} else {
			return nil, fmt.Errorf("%w: interned object %d is not a string", ErrInvalidSnapshot, id)
		}
	}
	return img, nil
}

func (l *loader) value(r Ref) heap.Value {
	switch r.Kind {
	case RefObject:
		return heap.FromAddress(l.objs[r.ID])
	case RefSmi:
		return heap.Smi(r.Smi)
	case RefHole:
		return heap.Hole
	case RefCleared:
		return heap.Cleared
	case RefLazyCompile:
		return heap.LazyCompile
	}
	return heap.Nil
}

func (l *loader) object(r Ref, kind heap.Kind) (heap.Address, error) {
	if r.Kind != RefObject {
		return 0, fmt.Errorf("%w: expected a %v reference, got %v", ErrInvalidSnapshot, kind, r)
	}
	addr, ok := l.objs[r.ID]
	if !ok {
		return 0, fmt.Errorf("%w: object %d is not loaded yet", ErrInvalidSnapshot, r.ID)
	}
	if got := l.h.TypeOf(addr).Kind; got != kind {
		return 0, fmt.Errorf("%w: object %d is a %v, expected %v", ErrInvalidSnapshot, r.ID, got, kind)
	}
	return addr, nil
}

func field(obj *Object, i int) Ref {
	if i < len(obj.Fields) {
		return obj.Fields[i]
	}
	return Ref{}
}

func (l *loader) allocate(obj *Object) (heap.Address, error) {
	h := l.h
	space, err := heap.ParseSpace(obj.Space)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	switch obj.Type {
	case "FixedArray":
		return h.NewFixedArray(space, len(obj.Fields))
	case "DescriptorArray":
		return h.NewDescriptorArray(space, len(obj.Fields))
	case "String":
		return h.NewString(space, obj.Data)
	case "ByteArray":
		return h.NewByteArray(space, []byte(obj.Data))
	case "Bytecode":
		return h.NewBytecode(space, []byte(obj.Data))
	case "WeakMap":
		return h.NewWeakMap(space, max(obj.Capacity, len(obj.Entries)))
	case "WeakRef":
		return h.NewWeakRef(space, heap.Nil)
	case "FinalizationRegistry":
		return h.NewFinalizationRegistry(space)
	case "Shape":
		return h.NewShape(space, heap.Nil, heap.Nil, obj.Own)
	case "SharedInfo":
		addr, err := h.NewSharedInfo(space, heap.Nil, heap.Nil)
		if err == nil {
			h.SetBytecodeAge(addr, obj.Age)
		}
		return addr, err
	case "Code":
		addr, err := h.NewCode(obj.Instructions, make([]heap.Value, len(obj.Fields)), obj.Relocations)
		if err == nil && obj.Flags != 0 {
			h.SetCodeFlags(addr, obj.Flags)
		}
		return addr, err
	case "Function":
		shared, err := l.object(field(obj, 0), heap.KindSharedInfo)
		if err != nil {
			return 0, err
		}
		return h.NewFunction(space, shared)
	case "WeakCell":
		registry, err := l.object(Obj(obj.Registry), heap.KindFinalizationRegistry)
		if err != nil {
			return 0, err
		}
		return h.Register(space, registry, l.value(field(obj, 0)), l.value(field(obj, 1)))
	}
	t, err := h.Types().ByName(obj.Type)
	if err != nil {
		return 0, err
	}
	d := h.Types().Lookup(t)
	if d.Kind != heap.KindStruct {
		return 0, fmt.Errorf("%w: type %s cannot be loaded directly", ErrInvalidSnapshot, obj.Type)
	}
	if len(obj.Fields) > d.Fields {
		return 0, fmt.Errorf("%w: %d fields for a struct with %d", ErrInvalidSnapshot, len(obj.Fields), d.Fields)
	}
	return h.NewStruct(space, t)
}

func (l *loader) link(obj *Object) error {
	h := l.h
	addr := l.objs[obj.ID]
	switch h.TypeOf(addr).Kind {
	case heap.KindStruct:
		for i, r := range obj.Fields {
			h.SetField(addr, i, l.value(r))
		}
	case heap.KindFixedArray, heap.KindDescriptorArray:
		for i, r := range obj.Fields {
			if err := h.ArraySet(addr, i, l.value(r)); err != nil {
				return err
			}
		}
	case heap.KindWeakMap:
		for _, e := range obj.Entries {
			if err := h.WeakMapSet(addr, l.value(e.Key), l.value(e.Value)); err != nil {
				return err
			}
		}
	case heap.KindWeakRef:
		h.WriteField(addr, heap.WeakRefTargetOffset, l.value(field(obj, 0)))
	case heap.KindShape:
		h.WriteField(addr, heap.ShapeBackPointerOffset, l.value(field(obj, 0)))
		h.WriteField(addr, heap.ShapeDescriptorsOffset, l.value(field(obj, 1)))
		space := h.RegionOf(addr).Space()
		if space == heap.LargeObjectSpace {
			space = heap.OldSpace
		}
		for _, e := range obj.Entries {
			child, err := l.object(e.Value, heap.KindShape)
			if err != nil {
				return err
			}
			if err := h.AddTransition(space, addr, l.value(e.Key), child); err != nil {
				return err
			}
		}
	case heap.KindSharedInfo:
		h.WriteField(addr, heap.SharedBytecodeOffset, l.value(field(obj, 0)))
		h.WriteField(addr, heap.SharedNameOffset, l.value(field(obj, 1)))
	case heap.KindFunction:
		if r := field(obj, 1); r.Kind == RefObject {
			code, err := l.object(r, heap.KindCode)
			if err != nil {
				return err
			}
			h.SetFunctionCode(addr, code)
		}
	case heap.KindCode:
		start := heap.CodeInstructionsOffset + obj.Instructions
		for i, r := range obj.Fields {
			h.WriteField(addr, start+i, l.value(r))
		}
	}
	return nil
}
