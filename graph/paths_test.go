// ABOUTME: Tests for the paths-to-roots algorithm
// ABOUTME: Validates BFS path finding, cycle handling and non-retaining edges
package graph

import (
	"reflect"
	"testing"
)

func TestPathsToRoots(t *testing.T) {
	// 1 (root) -> 2 -> 3
	//               -> 4
	g := NewMemGraph()
	g.AddObject(&Object{ID: 1, Type: "root", Refs: Strong(2)})
	g.AddObject(&Object{ID: 2, Type: "middle", Refs: Strong(3, 4)})
	g.AddObject(&Object{ID: 3, Type: "leaf1"})
	g.AddObject(&Object{ID: 4, Type: "leaf2"})
	g.SetRoots(Roots{IDs: []ObjID{1}})

	tests := []struct {
		name     string
		from     ObjID
		maxPaths int
		want     []Path
	}{
		{"Direct path from root", 1, 5, []Path{{IDs: []ObjID{1}}}},
		{"One hop from root", 2, 5, []Path{{IDs: []ObjID{2, 1}}}},
		{"Two hops from root", 3, 5, []Path{{IDs: []ObjID{3, 2, 1}}}},
		{"Another two hops path", 4, 5, []Path{{IDs: []ObjID{4, 2, 1}}}},
		{"Zero paths requested", 4, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			paths := PathsToRoots(g, tt.from, tt.maxPaths)
			if !reflect.DeepEqual(paths, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, paths)
			}
		})
	}
}

func TestPathsWithCycles(t *testing.T) {
	g := NewMemGraph()
	g.AddObject(&Object{ID: 1, Type: "root", Refs: Strong(2)})
	g.AddObject(&Object{ID: 2, Type: "cycle1", Refs: Strong(3)})
	g.AddObject(&Object{ID: 3, Type: "cycle2", Refs: Strong(2, 3)})
	g.SetRoots(Roots{IDs: []ObjID{1}})

	paths := PathsToRoots(g, 3, 5)
	want := []Path{{IDs: []ObjID{3, 2, 1}}}
	if !reflect.DeepEqual(paths, want) {
		t.Errorf("Expected %v, got %v", want, paths)
	}
}

func TestUnreachableObject(t *testing.T) {
	g := NewMemGraph()
	g.AddObject(&Object{ID: 1, Type: "root", Refs: Strong(2)})
	g.AddObject(&Object{ID: 2, Type: "connected"})
	g.AddObject(&Object{ID: 3, Type: "disconnected"})
	g.SetRoots(Roots{IDs: []ObjID{1}})

	if paths := PathsToRoots(g, 3, 5); len(paths) != 0 {
		t.Errorf("Expected no paths for unreachable object, got %v", paths)
	}
}

func TestMultipleRootsAndMaxPaths(t *testing.T) {
	g := NewMemGraph()
	g.AddObject(&Object{ID: 1, Type: "root1", Refs: Strong(4)})
	g.AddObject(&Object{ID: 2, Type: "root2", Refs: Strong(4)})
	g.AddObject(&Object{ID: 3, Type: "root3", Refs: Strong(4)})
	g.AddObject(&Object{ID: 4, Type: "target"})
	g.SetRoots(Roots{IDs: []ObjID{1, 2, 3}})

	paths := PathsToRoots(g, 4, 5)
	want := []Path{{IDs: []ObjID{4, 1}}, {IDs: []ObjID{4, 2}}, {IDs: []ObjID{4, 3}}}
	if !reflect.DeepEqual(paths, want) {
		t.Errorf("Expected %v, got %v", want, paths)
	}
	if paths := PathsToRoots(g, 4, 2); len(paths) != 2 {
		t.Errorf("Expected at most 2 paths, got %d", len(paths))
	}
}

func TestPathsSkipWeakAndDeadKeyedEdges(t *testing.T) {
	// 1 holds 3 weakly and through an ephemeron keyed by dead 4; 2 holds it
	// strongly
	g := NewMemGraph()
	g.AddObject(&Object{ID: 1, Refs: []Ref{{Target: 3, Kind: RefWeak}, {Target: 3, Kind: RefEphemeron, Key: 4}}})
	g.AddObject(&Object{ID: 2, Refs: Strong(3)})
	g.AddObject(&Object{ID: 3})
	g.AddObject(&Object{ID: 4})
	g.SetRoots(Roots{IDs: []ObjID{1, 2}})

	paths := PathsToRoots(g, 3, 5)
	want := []Path{{IDs: []ObjID{3, 2}}}
	if !reflect.DeepEqual(paths, want) {
		t.Errorf("Expected %v, got %v", want, paths)
	}
}

func TestPathsThroughEphemeronKey(t *testing.T) {
	// the value of a live ephemeron is retained by the table and by the key
	g := NewMemGraph()
	g.AddObject(&Object{ID: 1, Refs: append(Strong(2), Ref{Target: 3, Kind: RefEphemeron, Key: 2})})
	g.AddObject(&Object{ID: 2})
	g.AddObject(&Object{ID: 3})
	g.SetRoots(Roots{IDs: []ObjID{1}})

	paths := PathsToRoots(g, 3, 5)
	want := []Path{{IDs: []ObjID{3, 1}}, {IDs: []ObjID{3, 2, 1}}}
	if !reflect.DeepEqual(paths, want) {
		t.Errorf("Expected %v, got %v", want, paths)
	}
}
