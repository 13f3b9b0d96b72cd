// ABOUTME: Root package wiring a heap to its collector, snapshots and finalizers
// ABOUTME: Runtime runs collections and delivers finalization callbacks after each one

// Package markcompact is a tracing mark-compact garbage collector for a
// simulated managed heap. It marks live objects from roots with ephemeron
// and weak-reference semantics, clears dead weak references, evacuates
// fragmented regions in parallel and rewrites every pointer to moved objects.
//
// The heap package holds the object model, the gc package the collector,
// heapdump the snapshot formats and graph the offline analyses.
package markcompact

import (
	"fmt"
	"io"

	"github.com/prateek/markcompact/config"
	"github.com/prateek/markcompact/gc"
	"github.com/prateek/markcompact/heap"
	"github.com/prateek/markcompact/heapdump"
)

// Version is the semantic version of the collector
const Version = "0.1.0-dev"

// FinalizationCallback receives the holdings of the cells of registry whose
// targets died, most recently cleared first
type FinalizationCallback func(registry heap.Address, holdings []heap.Value)

// Options configure a Runtime
type Options struct {
	GC         gc.Options
	OnFinalize FinalizationCallback
}

// Runtime is a heap together with its collector
type Runtime struct {
	Heap *heap.Heap
	GC   *gc.Collector

	cfg        config.Config
	onFinalize FinalizationCallback
}

// New creates an empty heap sized by cfg and a collector for it
func New(cfg config.Config, opts Options) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h, err := heap.New(heap.Options{RegionSize: int(cfg.RegionSize), MaxRegions: cfg.MaxRegions()})
	if err != nil {
		return nil, fmt.Errorf("create heap: %w", err)
	}
	c, err := gc.New(h, cfg, opts.GC)
	if err != nil {
		return nil, fmt.Errorf("create collector: %w", err)
	}
	return &Runtime{Heap: h, GC: c, cfg: cfg, onFinalize: opts.OnFinalize}, nil
}

// Config returns the configuration the runtime was created with
func (rt *Runtime) Config() config.Config { return rt.cfg }

// Load reads a snapshot in any registered format and materializes it
func (rt *Runtime) Load(r io.Reader) (*heapdump.Image, error) {
	s, err := heapdump.Open(r)
	if err != nil {
		return nil, err
	}
	return heapdump.Load(rt.Heap, s)
}

// Collect runs a full collection and then hands the cleared cells of every
// notified finalization registry to the finalization callback
func (rt *Runtime) Collect(reason string) gc.Stats {
	st := rt.GC.CollectGarbage(reason)
	for _, registry := range rt.GC.TakePendingFinalizationRegistries() {
		holdings := rt.Heap.TakeClearedCells(registry)
		if rt.onFinalize != nil && len(holdings) > 0 {
			rt.onFinalize(registry, holdings)
		}
	}
	return st
}

// Graph returns the object graph of the heap with the liveness rules the
// collector is configured with
func (rt *Runtime) Graph() *heapdump.HeapGraph {
	return heapdump.ToGraph(rt.Heap, heapdump.GraphOptions{
		FlushBytecode:  rt.cfg.FlushBytecode,
		BytecodeOldAge: rt.cfg.BytecodeOldAge,
	})
}
