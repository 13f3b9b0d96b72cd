// ABOUTME: Per-cycle statistics, phase timings and the compaction speed estimate
// ABOUTME: Logs cycle summaries through slog with human readable byte sizes

package gc

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aclements/go-moremath/stats"
	"github.com/inhies/go-bytesize"
)

// Phase names a timed part of a cycle
type Phase string

const (
	PhaseFinishConcurrent Phase = "finish-concurrent"
	PhaseMarkRoots        Phase = "mark-roots"
	PhaseMarkParallel     Phase = "mark-parallel"
	PhaseMarkClosure      Phase = "mark-closure"
	PhaseClear            Phase = "clear"
	PhaseEvacuate         Phase = "evacuate"
	PhaseUpdatePointers   Phase = "update-pointers"
	PhaseEpilogue         Phase = "epilogue"
	PhaseSweep            Phase = "sweep"
)

// PhaseTiming is the duration of one phase
type PhaseTiming struct {
	Phase    Phase
	Duration time.Duration
}

// Stats summarizes one collection cycle
type Stats struct {
	Cycle    uint64
	Reason   string
	Duration time.Duration
	Phases   []PhaseTiming

	HeapBefore int64
	HeapAfter  int64
	// MarkedBytes is the live byte total found by marking
	MarkedBytes int64

	Candidates        int
	AbortedCandidates int
	PromotedPages     int
	EvacuatedBytes    int64
	PromotedBytes     int64
	ReleasedRegions   int

	FixpointIterations int
	LinearFallback     bool

	ClearedWeakRefs       int
	ClearedWeakMapEntries int
	ClearedCells          int
	ClearedWeakHandles    int
	PrunedStrings         int
	FlushedBytecode       int
	DeoptimizedCode       int
	PrunedTransitions     int
}

// speedSamples bounds the history used for the compaction speed estimate
const speedSamples = 10

// Tracer collects statistics and logs cycles
type Tracer struct {
	log *slog.Logger

	mu      sync.Mutex
	current *Stats
	speeds  []float64
	last    Stats

	evacuated atomic.Int64
	promoted  atomic.Int64
}

// NewTracer returns a tracer logging to log
func NewTracer(log *slog.Logger) *Tracer {
	return &Tracer{log: log}
}

func (t *Tracer) start(cycle uint64, reason string, heapBefore int64) *Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = &Stats{Cycle: cycle, Reason: reason, HeapBefore: heapBefore}
	t.evacuated.Store(0)
	t.promoted.Store(0)
	return t.current
}

// Scope times a phase until the returned func is called
func (t *Tracer) Scope(p Phase) func() {
	begin := time.Now()
	return func() {
		d := time.Since(begin)
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.current != nil {
			t.current.Phases = append(t.current.Phases, PhaseTiming{Phase: p, Duration: d})
		}
	}
}

func (t *Tracer) addEvacuated(n int64) { t.evacuated.Add(n) }
func (t *Tracer) addPromoted(n int64)  { t.promoted.Add(n) }

// AddCompactionSample records bytes compacted over a duration
func (t *Tracer) AddCompactionSample(bytes int64, d time.Duration) {
	if bytes <= 0 {
		return
	}
	ms := float64(d) / float64(time.Millisecond)
	if ms <= 0 {
		ms = 1e-3
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.speeds = append(t.speeds, float64(bytes)/ms)
	if len(t.speeds) > speedSamples {
		t.speeds = t.speeds[len(t.speeds)-speedSamples:]
	}
}

// CompactionSpeed returns the mean compaction speed in bytes per millisecond,
// 0 without samples
func (t *Tracer) CompactionSpeed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.speeds) == 0 {
		return 0
	}
	return stats.Mean(t.speeds)
}

func (t *Tracer) finish(s *Stats, began time.Time, heapAfter int64) Stats {
	s.Duration = time.Since(began)
	s.HeapAfter = heapAfter
	s.EvacuatedBytes = t.evacuated.Load()
	s.PromotedBytes = t.promoted.Load()
	t.mu.Lock()
	t.last = *s
	t.current = nil
	t.mu.Unlock()
	return *s
}

// Last returns the statistics of the most recent cycle
func (t *Tracer) Last() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func size(n int64) string {
	if n < 0 {
		return "-" + bytesize.ByteSize(-n).String()
	}
	return bytesize.ByteSize(n).String()
}

func (t *Tracer) logCycle(s Stats, verbose bool) {
	level := slog.LevelDebug
	if verbose {
		level = slog.LevelInfo
	}
	ctx := context.Background()
	if !t.log.Enabled(ctx, level) {
		return
	}
	attrs := []slog.Attr{
		slog.Uint64("cycle", s.Cycle),
		slog.String("reason", s.Reason),
		slog.String("before", size(s.HeapBefore)),
		slog.String("after", size(s.HeapAfter)),
		slog.String("marked", size(s.MarkedBytes)),
		slog.Int("candidates", s.Candidates),
		slog.Int("aborted", s.AbortedCandidates),
		slog.Int("promoted_pages", s.PromotedPages),
		slog.String("evacuated", size(s.EvacuatedBytes)),
		slog.Int("released_regions", s.ReleasedRegions),
		slog.Int("fixpoint_iterations", s.FixpointIterations),
		slog.Bool("linear", s.LinearFallback),
		slog.Duration("duration", s.Duration),
	}
	t.log.LogAttrs(ctx, level, "mark-compact", attrs...)
	if verbose {
		for _, p := range s.Phases {
			t.log.LogAttrs(ctx, slog.LevelDebug, "phase",
				slog.Uint64("cycle", s.Cycle),
				slog.String("phase", string(p.Phase)),
				slog.Duration("duration", p.Duration))
		}
	}
}
