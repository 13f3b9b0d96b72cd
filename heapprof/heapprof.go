// ABOUTME: Summarizes the live heap by space and type and exports it as a pprof profile
// ABOUTME: Liveness and retained sizes come from the analysis graph of the heap

// Package heapprof reports where live heap memory is going. Each (space, type)
// pair becomes one pprof sample whose stack is the type under its space, so
// `go tool pprof -top` ranks types and `-traces` groups them by space.
package heapprof

import (
	"io"
	"sort"
	"time"

	"github.com/google/pprof/profile"

	"github.com/prateek/markcompact/graph"
	"github.com/prateek/markcompact/heap"
	"github.com/prateek/markcompact/heapdump"
)

// TypeStat aggregates the live objects of one type in one space
type TypeStat struct {
	Space   string
	Type    string
	Objects int64
	Bytes   int64
	// Retained sums the retained sizes of objects not dominated by another
	// object of the same type, so nested instances are counted once
	Retained int64
}

// Options control what counts as live and what gets computed
type Options struct {
	Graph heapdump.GraphOptions
	// SkipRetained leaves Retained at zero and skips the dominator tree
	SkipRetained bool
	// Time stamps the profile; zero means now
	Time time.Time
}

// Collect returns statistics for the objects reachable in h, largest shallow
// size first. h must not be collecting.
func Collect(h *heap.Heap, opts Options) ([]TypeStat, error) {
	if h.InCycle() {
		return nil, heapdump.ErrInCycle
	}
	g := heapdump.ToGraph(h, opts.Graph)
	live := graph.Reachable(g)

	var retained map[graph.ObjID]uint64
	var top map[graph.ObjID]bool
	if !opts.SkipRetained {
		idom := graph.Dominators(g)
		retained = graph.RetainedSize(g)
		top = outermost(g, graph.DominatorTree(idom))
	}

	type key struct{ space, typ string }
	byKey := make(map[key]*TypeStat)
	g.ForEachObject(func(obj *graph.Object) {
		if !live[obj.ID] {
			return
		}
		addr, _ := g.Address(obj.ID)
		k := key{space: h.RegionOf(addr).Space().String(), typ: obj.Type}
		st, ok := byKey[k]
		if !ok {
			st = &TypeStat{Space: k.space, Type: k.typ}
			byKey[k] = st
		}
		st.Objects++
		st.Bytes += int64(obj.Size)
		if top[obj.ID] {
			st.Retained += int64(retained[obj.ID])
		}
	})

	out := make([]TypeStat, 0, len(byKey))
	for _, st := range byKey {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bytes != out[j].Bytes {
			return out[i].Bytes > out[j].Bytes
		}
		if out[i].Space != out[j].Space {
			return out[i].Space < out[j].Space
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

// outermost marks the objects with no dominator of their own type, walking
// the dominator tree once while counting the types on the current path
func outermost(g graph.Graph, tree map[graph.ObjID][]graph.ObjID) map[graph.ObjID]bool {
	type visit struct {
		id   graph.ObjID
		exit bool
	}
	top := make(map[graph.ObjID]bool)
	onPath := make(map[string]int)
	stack := []visit{{id: 0}}
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if v.id != 0 {
			typ := g.GetObject(v.id).Type
			if v.exit {
				onPath[typ]--
				continue
			}
			if onPath[typ] == 0 {
				top[v.id] = true
			}
			onPath[typ]++
			stack = append(stack, visit{id: v.id, exit: true})
		}
		for _, c := range tree[v.id] {
			stack = append(stack, visit{id: c})
		}
	}
	return top
}

// Build turns statistics into a profile with objects, space and retained
// sample values. Space is the default sample type.
func Build(stats []TypeStat, at time.Time) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "objects", Unit: "count"},
			{Type: "space", Unit: "bytes"},
			{Type: "retained", Unit: "bytes"},
		},
		PeriodType:        &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:            1,
		DefaultSampleType: "space",
		TimeNanos:         at.UnixNano(),
	}
	locs := make(map[string]*profile.Location)
	location := func(name string) *profile.Location {
		if l, ok := locs[name]; ok {
			return l
		}
		fn := &profile.Function{ID: uint64(len(p.Function) + 1), Name: name, SystemName: name}
		p.Function = append(p.Function, fn)
		l := &profile.Location{ID: uint64(len(p.Location) + 1), Line: []profile.Line{{Function: fn}}}
		p.Location = append(p.Location, l)
		locs[name] = l
		return l
	}
	for _, st := range stats {
		p.Sample = append(p.Sample, &profile.Sample{
			// leaf first
			Location: []*profile.Location{location(st.Type), location(st.Space + " space")},
			Value:    []int64{st.Objects, st.Bytes, st.Retained},
			Label:    map[string][]string{"space": {st.Space}, "type": {st.Type}},
		})
	}
	return p
}

// Profile collects h and builds its profile
func Profile(h *heap.Heap, opts Options) (*profile.Profile, error) {
	stats, err := Collect(h, opts)
	if err != nil {
		return nil, err
	}
	at := opts.Time
	if at.IsZero() {
		at = time.Now()
	}
	return Build(stats, at), nil
}

// Write encodes the profile of h to w in the gzipped protobuf format
func Write(w io.Writer, h *heap.Heap, opts Options) error {
	p, err := Profile(h, opts)
	if err != nil {
		return err
	}
	return p.Write(w)
}
