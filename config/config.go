// ABOUTME: Collector configuration with YAML loading, byte sizes and flag strings
// ABOUTME: Defaults mirror a production mark-compact collector's flag values

package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"

	"github.com/google/shlex"
	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid config")

// MemoryMode selects the compaction budget used under memory pressure
type MemoryMode string

const (
	MemoryDefault           MemoryMode = "default"
	MemoryReduce            MemoryMode = "reduce-memory"
	MemoryOptimizeForMemory MemoryMode = "optimize-for-memory"
)

// ByteSize is a byte quantity written as an integer or as "4MB"
type ByteSize uint64

// UnmarshalYAML accepts plain integers and unit suffixed strings
func (b *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n uint64
	if err := unmarshal(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return b.Set(s)
}

// MarshalYAML writes the human readable form
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// Set implements flag.Value
func (b *ByteSize) Set(s string) error {
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		*b = ByteSize(n)
		return nil
	}
	v, err := bytesize.Parse(s)
	if err != nil {
		return fmt.Errorf("byte size %q: %w", s, err)
	}
	*b = ByteSize(v)
	return nil
}

func (b ByteSize) String() string { return bytesize.ByteSize(b).String() }

// Bytes returns the quantity as an int64
func (b ByteSize) Bytes() int64 { return int64(b) }

// Config holds every collector knob
type Config struct {
	RegionSize  ByteSize `yaml:"region_size"`
	MaxHeapSize ByteSize `yaml:"max_heap_size"`
	// Workers is the helper goroutine count; 0 runs every phase on the
	// collecting goroutine
	Workers int `yaml:"workers"`

	ParallelMarking       bool `yaml:"parallel_marking"`
	ConcurrentMarking     bool `yaml:"concurrent_marking"`
	ParallelCompaction    bool `yaml:"parallel_compaction"`
	ParallelPointerUpdate bool `yaml:"parallel_pointer_update"`

	Compact                    bool       `yaml:"compact"`
	CompactCodeSpace           bool       `yaml:"compact_code_space"`
	CompactOnEveryGC           bool       `yaml:"compact_on_every_gc"`
	StressCompaction           bool       `yaml:"stress_compaction"`
	ManualEvacuationCandidates bool       `yaml:"manual_evacuation_candidates"`
	CrashOnAbortedEvacuation   bool       `yaml:"crash_on_aborted_evacuation"`
	MemoryMode                 MemoryMode `yaml:"memory_mode"`
	// MaxEvacuatedBytes overrides the heuristic budget when non-zero
	MaxEvacuatedBytes ByteSize `yaml:"max_evacuated_bytes"`
	// TargetFragmentationPercent overrides the heuristic when non-zero
	TargetFragmentationPercent int `yaml:"target_fragmentation_percent"`

	EphemeronFixpointIterations int  `yaml:"ephemeron_fixpoint_iterations"`
	FlushBytecode               bool `yaml:"flush_bytecode"`
	BytecodeOldAge              int  `yaml:"bytecode_old_age"`
	PagePromotion               bool `yaml:"page_promotion"`
	PagePromotionThreshold      int  `yaml:"page_promotion_threshold"`

	VerifyHeap         bool `yaml:"verify_heap"`
	TraceGC            bool `yaml:"trace_gc"`
	TraceFragmentation bool `yaml:"trace_fragmentation"`
	TraceEvacuation    bool `yaml:"trace_evacuation"`
}

// Default returns the production defaults
func Default() Config {
	return Config{
		RegionSize:                  256 << 10,
		MaxHeapSize:                 256 << 20,
		Workers:                     runtime.NumCPU(),
		ParallelMarking:             true,
		ConcurrentMarking:           true,
		ParallelCompaction:          true,
		ParallelPointerUpdate:       true,
		Compact:                     true,
		CompactCodeSpace:            true,
		MemoryMode:                  MemoryDefault,
		EphemeronFixpointIterations: 10,
		FlushBytecode:               true,
		BytecodeOldAge:              5,
		PagePromotion:               true,
		PagePromotionThreshold:      70,
	}
}

// Parse decodes YAML on top of the defaults
func Parse(data []byte) (Config, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads a YAML config file
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return Parse(data)
}

// Marshal encodes the config as YAML
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// ApplyFlags overrides fields from a command-line style string such as
// "--compact-on-every-gc --ephemeron-fixpoint-iterations=3"
func (c *Config) ApplyFlags(line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("split flags: %w", err)
	}
	fs := flag.NewFlagSet("markcompact", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	c.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected arguments %q", ErrInvalid, fs.Args())
	}
	return c.Validate()
}

// RegisterFlags binds every field to fs
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.Var(&c.RegionSize, "region-size", "region size")
	fs.Var(&c.MaxHeapSize, "max-heap-size", "heap size limit")
	fs.IntVar(&c.Workers, "workers", c.Workers, "helper worker count, 0 for single-threaded")
	fs.BoolVar(&c.ParallelMarking, "parallel-marking", c.ParallelMarking, "mark with helper workers")
	fs.BoolVar(&c.ConcurrentMarking, "concurrent-marking", c.ConcurrentMarking, "mark in the background")
	fs.BoolVar(&c.ParallelCompaction, "parallel-compaction", c.ParallelCompaction, "evacuate in parallel")
	fs.BoolVar(&c.ParallelPointerUpdate, "parallel-pointer-update", c.ParallelPointerUpdate, "update pointers in parallel")
	fs.BoolVar(&c.Compact, "compact", c.Compact, "perform compaction")
	fs.BoolVar(&c.CompactCodeSpace, "compact-code-space", c.CompactCodeSpace, "compact code space")
	fs.BoolVar(&c.CompactOnEveryGC, "compact-on-every-gc", c.CompactOnEveryGC, "compact even without net gain")
	fs.BoolVar(&c.StressCompaction, "stress-compaction", c.StressCompaction, "evacuate every other region")
	fs.BoolVar(&c.ManualEvacuationCandidates, "manual-evacuation-candidates", c.ManualEvacuationCandidates, "evacuate only force-flagged regions")
	fs.BoolVar(&c.CrashOnAbortedEvacuation, "crash-on-aborted-evacuation", c.CrashOnAbortedEvacuation, "treat aborted evacuation as fatal")
	fs.Func("memory-mode", "default, reduce-memory or optimize-for-memory", func(s string) error {
		c.MemoryMode = MemoryMode(s)
		return nil
	})
	fs.Var(&c.MaxEvacuatedBytes, "max-evacuated-bytes", "compaction budget override")
	fs.IntVar(&c.TargetFragmentationPercent, "target-fragmentation-percent", c.TargetFragmentationPercent, "fragmentation threshold override")
	fs.IntVar(&c.EphemeronFixpointIterations, "ephemeron-fixpoint-iterations", c.EphemeronFixpointIterations, "fixpoint rounds before the linear algorithm")
	fs.BoolVar(&c.FlushBytecode, "flush-bytecode", c.FlushBytecode, "flush old bytecode")
	fs.IntVar(&c.BytecodeOldAge, "bytecode-old-age", c.BytecodeOldAge, "collections before bytecode is old")
	fs.BoolVar(&c.PagePromotion, "page-promotion", c.PagePromotion, "promote dense young regions wholesale")
	fs.IntVar(&c.PagePromotionThreshold, "page-promotion-threshold", c.PagePromotionThreshold, "live percent for page promotion")
	fs.BoolVar(&c.VerifyHeap, "verify-heap", c.VerifyHeap, "run heap verifiers")
	fs.BoolVar(&c.TraceGC, "trace-gc", c.TraceGC, "log every cycle")
	fs.BoolVar(&c.TraceFragmentation, "trace-fragmentation", c.TraceFragmentation, "log candidate selection")
	fs.BoolVar(&c.TraceEvacuation, "trace-evacuation", c.TraceEvacuation, "log evacuation")
}

// Validate checks field ranges
func (c Config) Validate() error {
	if c.RegionSize < 1024 || c.RegionSize&(c.RegionSize-1) != 0 {
		return fmt.Errorf("%w: region_size %s must be a power of two of at least 1KB", ErrInvalid, c.RegionSize)
	}
	if c.MaxHeapSize < c.RegionSize {
		return fmt.Errorf("%w: max_heap_size %s is smaller than one region", ErrInvalid, c.MaxHeapSize)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers must not be negative, got %d", ErrInvalid, c.Workers)
	}
	switch c.MemoryMode {
	case MemoryDefault, MemoryReduce, MemoryOptimizeForMemory:
	default:
		return fmt.Errorf("%w: unknown memory_mode %q", ErrInvalid, c.MemoryMode)
	}
	if c.TargetFragmentationPercent < 0 || c.TargetFragmentationPercent > 100 {
		return fmt.Errorf("%w: target_fragmentation_percent %d out of range", ErrInvalid, c.TargetFragmentationPercent)
	}
	if c.EphemeronFixpointIterations < 0 {
		return fmt.Errorf("%w: ephemeron_fixpoint_iterations must not be negative", ErrInvalid)
	}
	if c.BytecodeOldAge < 1 {
		return fmt.Errorf("%w: bytecode_old_age must be positive", ErrInvalid)
	}
	if c.PagePromotionThreshold < 0 || c.PagePromotionThreshold > 100 {
		return fmt.Errorf("%w: page_promotion_threshold %d out of range", ErrInvalid, c.PagePromotionThreshold)
	}
	return nil
}

// MaxRegions is the number of region slots the heap may use
func (c Config) MaxRegions() int {
	return int(c.MaxHeapSize / c.RegionSize)
}
