// ABOUTME: Command line driver: loads a heap snapshot, collects it and reports what survived
// ABOUTME: Writes pprof profiles and snapshots of the collected heap and explains retention

// Markcompact loads a heap snapshot, runs mark-compact collections over it
// and reports the result.
//
// Usage:
//
//	markcompact [flags] snapshot.{json,yaml}
//
// Collector settings come from -config, then -gc-flags, then the individual
// flags, with later sources overriding earlier ones.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/inhies/go-bytesize"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/prateek/markcompact"
	"github.com/prateek/markcompact/config"
	"github.com/prateek/markcompact/gc"
	"github.com/prateek/markcompact/graph"
	"github.com/prateek/markcompact/heap"
	"github.com/prateek/markcompact/heapdump"
	"github.com/prateek/markcompact/heapprof"
)

var errUsage = errors.New("usage: markcompact [flags] snapshot")

type options struct {
	configPath  string
	gcFlags     string
	cycles      int
	profilePath string
	dumpPath    string
	format      string
	explain     uint64
	paths       int
	top         int
	verbose     bool
	color       bool
	snapshot    string
}

func main() {
	err := run(os.Args[1:], colorable.NewColorableStdout(), colorable.NewColorableStderr(), isatty.IsTerminal(os.Stdout.Fd()))
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "markcompact:", err)
		os.Exit(1)
	}
}

// parseArgs reads the command line. Collector flags are applied on top of the
// config file, so the file is loaded before the flag set is parsed a second
// time.
func parseArgs(args []string, stderr io.Writer) (options, config.Config, error) {
	var opts options
	cfg := config.Default()
	newFlagSet := func() *flag.FlagSet {
		fs := flag.NewFlagSet("markcompact", flag.ContinueOnError)
		fs.SetOutput(stderr)
		fs.StringVar(&opts.configPath, "config", "", "YAML collector config")
		fs.StringVar(&opts.gcFlags, "gc-flags", "", "collector flags as one string, e.g. \"--compact-on-every-gc\"")
		fs.IntVar(&opts.cycles, "cycles", 1, "number of full collections")
		fs.StringVar(&opts.profilePath, "profile", "", "write a pprof profile of the live heap")
		fs.StringVar(&opts.dumpPath, "dump", "", "write a snapshot of the collected heap")
		fs.StringVar(&opts.format, "format", "", "snapshot format for -dump, from the extension if empty")
		fs.Uint64Var(&opts.explain, "explain", 0, "explain what retains the snapshot object with this id")
		fs.IntVar(&opts.paths, "paths", 3, "retaining paths shown by -explain")
		fs.IntVar(&opts.top, "top", 10, "types listed in the summary")
		fs.BoolVar(&opts.verbose, "v", false, "log every phase")
		cfg.RegisterFlags(fs)
		return fs
	}

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return opts, cfg, err
	}
	if opts.configPath != "" || opts.gcFlags != "" {
		var err error
		if opts.configPath != "" {
			if cfg, err = config.Load(opts.configPath); err != nil {
				return opts, cfg, err
			}
		}
		if err := cfg.ApplyFlags(opts.gcFlags); err != nil {
			return opts, cfg, err
		}
		// explicit flags win over both
		fs = newFlagSet()
		if err := fs.Parse(args); err != nil {
			return opts, cfg, err
		}
	}
	if fs.NArg() != 1 {
		return opts, cfg, errUsage
	}
	opts.snapshot = fs.Arg(0)
	if opts.cycles < 1 {
		return opts, cfg, fmt.Errorf("cycles must be positive, got %d", opts.cycles)
	}
	if opts.verbose {
		cfg.TraceGC = true
	}
	return opts, cfg, cfg.Validate()
}

func run(args []string, stdout, stderr io.Writer, color bool) error {
	opts, cfg, err := parseArgs(args, stderr)
	if err != nil {
		return err
	}
	opts.color = color

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	finalized := 0
	rt, err := markcompact.New(cfg, markcompact.Options{
		GC: gc.Options{Logger: log},
		OnFinalize: func(_ heap.Address, holdings []heap.Value) {
			finalized += len(holdings)
		},
	})
	if err != nil {
		return err
	}

	img, err := load(rt, opts.snapshot)
	if err != nil {
		return err
	}
	var explained *heap.Handle
	if opts.explain != 0 {
		addr, ok := img.Objects[heapdump.ID(opts.explain)]
		if !ok {
			return fmt.Errorf("explain: no object %d in %s", opts.explain, opts.snapshot)
		}
		explained = rt.Heap.Roots().NewWeakHandle(heap.FromAddress(addr), nil)
	}
	log.Info("loaded", "snapshot", opts.snapshot, "objects", len(img.Objects))

	p := &printer{w: stdout, color: opts.color}
	for i := 0; i < opts.cycles; i++ {
		p.cycle(rt.Collect(fmt.Sprintf("cycle %d", i+1)))
	}
	if finalized > 0 {
		p.printf("finalization: %d holdings delivered\n", finalized)
	}

	profOpts := heapprof.Options{Graph: heapdump.GraphOptions{
		FlushBytecode:  cfg.FlushBytecode,
		BytecodeOldAge: cfg.BytecodeOldAge,
	}}
	stats, err := heapprof.Collect(rt.Heap, profOpts)
	if err != nil {
		return err
	}
	p.types(stats, opts.top)

	if explained != nil {
		p.explain(rt, opts.explain, explained.Get(), opts.paths)
	}
	if opts.profilePath != "" {
		if err := writeFile(opts.profilePath, func(w io.Writer) error {
			return heapprof.Write(w, rt.Heap, profOpts)
		}); err != nil {
			return err
		}
		log.Info("wrote profile", "path", opts.profilePath)
	}
	if opts.dumpPath != "" {
		format := opts.format
		if format == "" {
			format = formatFor(opts.dumpPath)
		}
		s, err := heapdump.Dump(rt.Heap)
		if err != nil {
			return err
		}
		if err := writeFile(opts.dumpPath, func(w io.Writer) error {
			return heapdump.Encode(w, format, s)
		}); err != nil {
			return err
		}
		log.Info("wrote snapshot", "path", opts.dumpPath, "format", format, "objects", len(s.Objects))
	}
	return nil
}

func load(rt *markcompact.Runtime, path string) (*heapdump.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := rt.Load(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return img, nil
}

func formatFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	}
	return "json"
}

func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

type printer struct {
	w     io.Writer
	color bool
}

const (
	bold  = "\x1b[1m"
	green = "\x1b[32m"
	red   = "\x1b[31m"
	reset = "\x1b[0m"
)

func (p *printer) printf(format string, args ...any) {
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) paint(code, s string) string {
	if !p.color {
		return s
	}
	return code + s + reset
}

func size(n int64) string {
	if n < 0 {
		return "-" + bytesize.ByteSize(-n).String()
	}
	return bytesize.ByteSize(n).String()
}

func (p *printer) cycle(st gc.Stats) {
	freed := st.HeapBefore - st.HeapAfter
	p.printf("%s %s -> %s (%s freed) in %v\n",
		p.paint(bold, fmt.Sprintf("cycle %d:", st.Cycle)),
		size(st.HeapBefore), size(st.HeapAfter), p.paint(green, size(freed)), st.Duration)
	p.printf("  candidates %d, aborted %d, evacuated %s, promoted pages %d, released regions %d\n",
		st.Candidates, st.AbortedCandidates, size(st.EvacuatedBytes), st.PromotedPages, st.ReleasedRegions)
	p.printf("  cleared: weak refs %d, weak map entries %d, cells %d, weak handles %d, strings %d\n",
		st.ClearedWeakRefs, st.ClearedWeakMapEntries, st.ClearedCells, st.ClearedWeakHandles, st.PrunedStrings)
	if st.FlushedBytecode > 0 || st.DeoptimizedCode > 0 || st.PrunedTransitions > 0 {
		p.printf("  flushed bytecode %d, deoptimized code %d, pruned transitions %d\n",
			st.FlushedBytecode, st.DeoptimizedCode, st.PrunedTransitions)
	}
}

func (p *printer) types(stats []heapprof.TypeStat, top int) {
	p.printf("%s\n", p.paint(bold, "live heap by type:"))
	for i, st := range stats {
		if i == top {
			p.printf("  ... %d more\n", len(stats)-top)
			break
		}
		p.printf("  %-24s %-12s %6d objects %10s shallow %10s retained\n",
			st.Type, st.Space, st.Objects, size(st.Bytes), size(st.Retained))
	}
}

func (p *printer) explain(rt *markcompact.Runtime, id uint64, v heap.Value, maxPaths int) {
	if !v.IsHeapObject() {
		p.printf("object %d: %s\n", id, p.paint(red, "collected"))
		return
	}
	g := rt.Graph()
	gid, ok := g.ID(v.Address())
	if !ok {
		p.printf("object %d: not found in the heap\n", id)
		return
	}
	retained := graph.RetainedSizeSubsets(g, []graph.ObjID{gid})
	obj := g.GetObject(gid)
	p.printf("object %d: %s, %s shallow, %s retained\n",
		id, obj.Type, size(int64(obj.Size)), size(int64(retained[gid])))
	for i, path := range graph.PathsToRoots(g, gid, maxPaths) {
		var hops []string
		for _, hop := range path.IDs {
			addr, _ := g.Address(hop)
			hops = append(hops, fmt.Sprintf("%s@%#x", g.GetObject(hop).Type, uint64(addr)))
		}
		p.printf("  path %d: %s <- root\n", i+1, strings.Join(hops, " <- "))
	}
}
