// ABOUTME: Evacuation candidate selection by fragmentation and a byte budget
// ABOUTME: Also computes the heuristics from memory mode or compaction speed

package gc

import (
	"sort"

	"github.com/prateek/markcompact/config"
	"github.com/prateek/markcompact/heap"
)

const (
	targetFragmentationPercentForReduceMemory   = 20
	maxEvacuatedBytesForReduceMemory            = 12 << 20
	targetFragmentationPercentForOptimizeMemory = 20
	maxEvacuatedBytesForOptimizeMemory          = 6 << 20
	defaultTargetFragmentationPercent           = 70
	defaultMaxEvacuatedBytes                    = 4 << 20
	// targetMsPerArea is the time budget for compacting one region worth of
	// objects once compaction speed samples exist
	targetMsPerArea = 0.5
)

// SelectionMode picks how candidates are chosen
type SelectionMode int

const (
	// SelectStandard applies the fragmentation threshold and the byte budget
	SelectStandard SelectionMode = iota
	// SelectManual takes only regions carrying FlagForceEvacuation
	SelectManual
	// SelectStress takes every other eligible region
	SelectStress
	// SelectEveryGC takes every eligible region, even without net gain
	SelectEveryGC
)

func (m SelectionMode) String() string {
	switch m {
	case SelectStandard:
		return "standard"
	case SelectManual:
		return "manual"
	case SelectStress:
		return "stress"
	case SelectEveryGC:
		return "every-gc"
	}
	return "unknown"
}

// CandidatePolicy parameterizes SelectCandidates
type CandidatePolicy struct {
	Mode SelectionMode
	// AreaSize is the usable size of one region in bytes
	AreaSize int64
	// TargetFragmentationPercent is the minimum free share of a region
	TargetFragmentationPercent int
	// MaxEvacuatedBytes caps the bytes copied out of candidates
	MaxEvacuatedBytes int64
}

// ComputeEvacuationHeuristics derives the fragmentation target and byte
// budget from the memory mode, or from the measured compaction speed in bytes
// per millisecond when one is available.
func ComputeEvacuationHeuristics(areaSize int64, mode config.MemoryMode, speed float64) (int, int64) {
	switch mode {
	case config.MemoryReduce:
		return targetFragmentationPercentForReduceMemory, maxEvacuatedBytesForReduceMemory
	case config.MemoryOptimizeForMemory:
		return targetFragmentationPercentForOptimizeMemory, maxEvacuatedBytesForOptimizeMemory
	}
	if speed == 0 {
		return defaultTargetFragmentationPercent, defaultMaxEvacuatedBytes
	}
	msPerArea := 1 + float64(areaSize)/speed
	target := int(100 - 100*targetMsPerArea/msPerArea)
	if target < targetFragmentationPercentForReduceMemory {
		target = targetFragmentationPercentForReduceMemory
	}
	return target, defaultMaxEvacuatedBytes
}

// PolicyFor builds the candidate policy of a configuration
func PolicyFor(cfg config.Config, areaSize int64, speed float64) CandidatePolicy {
	p := CandidatePolicy{AreaSize: areaSize}
	switch {
	case cfg.ManualEvacuationCandidates:
		p.Mode = SelectManual
	case cfg.StressCompaction:
		p.Mode = SelectStress
	case cfg.CompactOnEveryGC:
		p.Mode = SelectEveryGC
	}
	p.TargetFragmentationPercent, p.MaxEvacuatedBytes = ComputeEvacuationHeuristics(areaSize, cfg.MemoryMode, speed)
	if cfg.TargetFragmentationPercent != 0 {
		p.TargetFragmentationPercent = cfg.TargetFragmentationPercent
	}
	if cfg.MaxEvacuatedBytes != 0 {
		p.MaxEvacuatedBytes = cfg.MaxEvacuatedBytes.Bytes()
	}
	return p
}

// eligible reports whether r may be compacted at all. Pins last for one
// cycle; the collector's epilogue removes them.
func eligible(r *heap.Region) bool {
	return !r.IsFlagSet(heap.FlagNeverEvacuate | heap.FlagPinned | heap.FlagLinearAllocation | heap.FlagBlackAllocated)
}

// SelectCandidates chooses the regions to evacuate. Regions are ranked by
// allocated bytes, which equal live bytes after the previous sweep.
// Region flags other than the manual force flag are left untouched.
func SelectCandidates(regions []*heap.Region, p CandidatePolicy) []*heap.Region {
	type ranked struct {
		live   int64
		region *heap.Region
	}
	threshold := int64(p.TargetFragmentationPercent) * (p.AreaSize / 100)
	var pages []ranked
	for _, r := range regions {
		if !eligible(r) {
			continue
		}
		live := r.AllocatedBytes()
		if p.Mode == SelectStandard && p.AreaSize-live < threshold {
			continue
		}
		pages = append(pages, ranked{live: live, region: r})
	}

	var out []*heap.Region
	switch p.Mode {
	case SelectManual:
		for _, pg := range pages {
			if pg.region.IsFlagSet(heap.FlagForceEvacuation) {
				pg.region.ClearFlag(heap.FlagForceEvacuation)
				out = append(out, pg.region)
			}
		}
		return out
	case SelectStress:
		for i, pg := range pages {
			if i%2 == 0 {
				out = append(out, pg.region)
			}
		}
		return out
	}

	sort.SliceStable(pages, func(i, j int) bool { return pages[i].live < pages[j].live })
	count := 0
	var total int64
	for _, pg := range pages {
		if p.Mode == SelectEveryGC || total+pg.live <= p.MaxEvacuatedBytes {
			count++
			total += pg.live
		}
	}
	// Worst case number of fresh regions the survivors need
	estimatedNew := int((total + p.AreaSize - 1) / p.AreaSize)
	if count-estimatedNew == 0 && p.Mode != SelectEveryGC {
		return nil
	}
	for _, pg := range pages[:count] {
		out = append(out, pg.region)
	}
	return out
}
