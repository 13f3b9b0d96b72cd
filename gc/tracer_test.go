// ABOUTME: Tests for cycle statistics, phase scopes and the compaction speed estimate
// ABOUTME: Log output is captured in a buffer through a text handler
package gc

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestCompactionSpeedAveragesRecentSamples(t *testing.T) {
	tr := NewTracer(slog.Default())
	if tr.CompactionSpeed() != 0 {
		t.Errorf("Expected 0 without samples, got %f", tr.CompactionSpeed())
	}
	tr.AddCompactionSample(0, time.Millisecond)
	if tr.CompactionSpeed() != 0 {
		t.Error("Expected empty samples to be ignored")
	}
	tr.AddCompactionSample(1000, time.Millisecond)
	tr.AddCompactionSample(3000, time.Millisecond)
	if got := tr.CompactionSpeed(); got != 2000 {
		t.Errorf("Expected 2000 B/ms, got %f", got)
	}
	for i := 0; i < speedSamples; i++ {
		tr.AddCompactionSample(500, 2*time.Millisecond)
	}
	if got := tr.CompactionSpeed(); got != 250 {
		t.Errorf("Expected old samples dropped and 250 B/ms, got %f", got)
	}
}

func TestTracerRecordsPhasesAndLogs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	tr := NewTracer(log)
	st := tr.start(3, "test", 4096)
	tr.Scope(PhaseMarkRoots)()
	tr.Scope(PhaseSweep)()
	tr.addEvacuated(64)
	tr.addPromoted(32)
	out := tr.finish(st, time.Now(), 1024)

	if len(out.Phases) != 2 || out.Phases[0].Phase != PhaseMarkRoots || out.Phases[1].Phase != PhaseSweep {
		t.Errorf("Expected two timed phases, got %+v", out.Phases)
	}
	if out.EvacuatedBytes != 64 || out.PromotedBytes != 32 || out.HeapAfter != 1024 {
		t.Errorf("Unexpected stats %+v", out)
	}
	if tr.Last().Cycle != 3 {
		t.Errorf("Expected last cycle 3, got %d", tr.Last().Cycle)
	}
	tr.Scope(PhaseClear)()
	if len(tr.Last().Phases) != 2 {
		t.Error("Expected scopes outside a cycle to be dropped")
	}

	tr.logCycle(out, true)
	text := buf.String()
	for _, want := range []string{"mark-compact", "cycle=3", "reason=test", "before=4.00KB", "phase=sweep"} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected log to contain %q, got %s", want, text)
		}
	}
}

func TestSizeFormatting(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0.00B"},
		{2048, "2.00KB"},
		{-1024, "-1.00KB"},
	}
	for _, tt := range tests {
		if got := size(tt.n); got != tt.want {
			t.Errorf("Expected %s, got %s", tt.want, got)
		}
	}
}
