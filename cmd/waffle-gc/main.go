package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/jazz-lang/Waffle/internal/cli"
	"github.com/jazz-lang/Waffle/internal/config"
	"github.com/jazz-lang/Waffle/internal/runtime/gc"
	"github.com/jazz-lang/Waffle/internal/runtime/gctrace"
	"github.com/jazz-lang/Waffle/internal/runtime/heap"
	"github.com/jazz-lang/Waffle/internal/runtime/metrics"
	"github.com/jazz-lang/Waffle/internal/runtime/process"
	"github.com/jazz-lang/Waffle/internal/runtime/vmem"
)

var log = commonlog.GetLogger("waffle.cli")

func main() {
	var (
		showVersion bool
		jsonOutput  bool
		configFile  string
		initConfig  bool
		validate    bool
		watch       bool
		dumpTrace   string

		workers   int
		backend   string
		traceFile string
		archive   string
		listen    string
		listenH3  string
		verbosity int
		logFile   string

		procs      int
		steps      int
		threads    int
		dropEvery  int
		storeEvery int
		payload    int
	)

	flag.BoolVar(&showVersion, "version", false, "show version information")
	flag.BoolVar(&jsonOutput, "json", false, "output version information in JSON format")
	flag.StringVar(&configFile, "config", "", "configuration file (TOML)")
	flag.BoolVar(&initConfig, "init", false, "write the effective configuration to -config and exit")
	flag.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	flag.BoolVar(&watch, "watch", false, "reload heap limits when the configuration file changes")
	flag.StringVar(&dumpTrace, "dump-trace", "", "print a summary of a recorded trace file or archive directory and exit")

	flag.IntVar(&workers, "workers", 0, "GC worker threads (overrides gc.workers)")
	flag.StringVar(&backend, "backend", "", `memory backend, "os" or "fake" (overrides memory.backend)`)
	flag.StringVar(&traceFile, "trace", "", "record collections to this file (overrides gc.trace)")
	flag.StringVar(&archive, "archive", "", "keep collection records in a pebble store in this directory (overrides gc.archive)")
	flag.StringVar(&listen, "metrics", "", "serve metrics over HTTP on this address (overrides metrics.listen)")
	flag.StringVar(&listenH3, "metrics-http3", "", "serve metrics over HTTP/3 on this address (overrides metrics.http3)")
	flag.IntVar(&verbosity, "v", -1, "log verbosity (overrides log.verbosity)")
	flag.StringVar(&logFile, "log", "", "log file (overrides log.file)")

	flag.IntVar(&procs, "procs", 64, "number of processes to run")
	flag.IntVar(&steps, "steps", 20000, "allocations per process")
	flag.IntVar(&threads, "threads", runtime.NumCPU(), "execution threads")
	flag.IntVar(&dropEvery, "drop-every", 500, "steps between dropping a process's list")
	flag.IntVar(&storeEvery, "store-every", 7, "steps between stores into the long-lived anchor")
	flag.IntVar(&payload, "payload", 48, "extra bytes accounted per object")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Runs an allocation workload on the Waffle heap with collections on a GC pool.\n\n")
		fmt.Fprintf(os.Stderr, "OPTIONS:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEXAMPLES:\n")
		fmt.Fprintf(os.Stderr, "  %s -procs 100 -workers 4                # 100 processes, 4 GC threads\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config waffle.toml -init            # write a default config\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config waffle.toml -watch -steps 1000000 # reload limits live\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -trace gc.cbor && %s -dump-trace gc.cbor\n", os.Args[0], os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -archive gc.db && %s -dump-trace gc.db\n", os.Args[0], os.Args[0])
	}
	flag.Parse()

	if showVersion {
		cli.PrintVersion("waffle-gc", jsonOutput)
		return
	}

	if dumpTrace != "" {
		if err := printTrace(dumpTrace); err != nil {
			cli.ExitWithError("%v", err)
		}
		return
	}

	cfg := config.Default()
	if configFile != "" && !initConfig {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			cli.ExitWithError("%v", err)
		}
	}

	var opts []config.Option
	if workers != 0 {
		opts = append(opts, config.WithWorkers(workers))
	}
	if backend != "" {
		opts = append(opts, config.WithBackend(vmem.Kind(backend)))
	}
	if traceFile != "" {
		opts = append(opts, config.WithTrace(traceFile))
	}
	if archive != "" {
		opts = append(opts, config.WithArchive(archive))
	}
	if listen != "" || listenH3 != "" {
		opts = append(opts, config.WithMetrics(listen, listenH3))
	}
	if verbosity >= 0 {
		opts = append(opts, config.WithVerbosity(verbosity))
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if logFile != "" {
		cfg.Log.File = logFile
	}
	if err := cfg.Validate(); err != nil {
		cli.ExitWithError("%v", err)
	}

	if initConfig {
		if configFile == "" {
			cli.ExitWithError("-init needs -config")
		}
		data, err := cfg.Encode()
		if err != nil {
			cli.ExitWithError("encode configuration: %v", err)
		}
		if err := os.WriteFile(configFile, data, 0o644); err != nil {
			cli.ExitWithError("%v", err)
		}
		fmt.Printf("Configuration written: %s\n", configFile)
		return
	}
	if validate {
		fmt.Println("Configuration is valid")
		return
	}

	var logPath *string
	if cfg.Log.File != "" {
		logPath = &cfg.Log.File
	}
	commonlog.Configure(cfg.Log.Verbosity, logPath)

	w := workload{steps: steps, dropEvery: max(dropEvery, 1), storeEvery: max(storeEvery, 1), payload: uintptr(max(payload, 0))}
	if err := run(cfg, configFile, watch, procs, threads, w); err != nil {
		cli.ExitWithError("%v", err)
	}
}

func run(cfg config.Config, configFile string, watch bool, procs, threads int, w workload) error {
	mem := vmem.New(vmem.Kind(cfg.Memory.Backend))
	pool := gc.NewGcPool(cfg.GC.Workers)
	exec := process.NewExecutor(threads, pool)

	state := &gc.State{Scheduler: exec}
	if cfg.GC.Trace != "" {
		f, err := os.Create(cfg.GC.Trace)
		if err != nil {
			return fmt.Errorf("create trace: %w", err)
		}
		buf := bufio.NewWriter(f)
		defer func() {
			if err := buf.Flush(); err != nil {
				log.Errorf("flush trace: %s", err)
			}
			f.Close()
		}()
		state.Trace = gctrace.NewWriter(buf)
	}
	if cfg.GC.Archive != "" {
		a, err := gctrace.OpenArchive(cfg.GC.Archive, false)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				log.Errorf("close archive: %s", err)
			}
		}()
		state.Trace = gctrace.Tee(state.Trace, a)
	}

	all := make([]*process.Process, procs)
	for i := range all {
		all[i] = process.New(mem, w.step(), cfg.HeapOptions()...)
	}
	heaps := func() []*heap.Heap {
		hs := make([]*heap.Heap, len(all))
		for i, p := range all {
			hs[i] = p.Heap()
		}
		return hs
	}

	reg := metrics.NewRegistry()
	reg.Register("heap", metrics.HeapSource(heaps))
	reg.Register("gc", metrics.PoolSource(pool))
	reg.Register("exec", metrics.ExecutorSource(exec))
	reg.Register("vmem", metrics.BackendSource(mem))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Listen != "" {
		_, stop, err := metrics.StartServer(cfg.Metrics.Listen, reg)
		if err != nil {
			return err
		}
		defer stop(context.Background())
	}
	if cfg.Metrics.HTTP3 != "" {
		tlsCfg, err := metrics.SelfSignedTLS("localhost", "127.0.0.1")
		if err != nil {
			return err
		}
		srv := metrics.NewHTTP3Server(cfg.Metrics.HTTP3, tlsCfg, reg)
		if _, err := srv.Start(); err != nil {
			return err
		}
		defer srv.Stop()
	}
	if watch && configFile != "" {
		cw, err := config.NewWatcher(configFile, func(c config.Config) {
			for _, p := range all {
				p.Heap().SetLimits(uintptr(c.Heap.Threshold), uintptr(c.Heap.MaxBytes))
			}
			log.Noticef("heap limits now threshold=%s max=%s", c.Heap.Threshold, c.Heap.MaxBytes)
		})
		if err != nil {
			return err
		}
		defer cw.Close()
		go cw.Run(ctx)
	}

	start := time.Now()
	joins := pool.Start(state)
	exec.Start()
	for _, p := range all {
		exec.Spawn(p)
	}
	exec.Wait()
	elapsed := time.Since(start)

	pool.Terminate()
	joins.Join()
	exec.Stop()

	var first *heap.Heap
	if len(all) > 0 {
		first = all[0].Heap()
	}
	return report(os.Stdout, procs, elapsed, pool.Stats(), first, reg)
}

// report prints the end-of-run summary. first may be nil.
func report(w io.Writer, procs int, elapsed time.Duration, stats gc.PoolStats, first *heap.Heap, reg *metrics.Registry) error {
	if _, err := fmt.Fprintf(w, "%d processes finished in %s\ngc pool: %s\n", procs, elapsed, stats); err != nil {
		return err
	}
	if first != nil {
		if _, err := fmt.Fprint(w, "\nfirst process, "); err != nil {
			return err
		}
		if err := first.DumpSummary(w, elapsed); err != nil {
			return fmt.Errorf("dump heap summary: %w", err)
		}
	}
	if _, err := fmt.Fprintln(w, "\ntotals:"); err != nil {
		return err
	}
	return reg.WriteText(w)
}

func printTrace(path string) error {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		a, err := gctrace.OpenArchive(path, false)
		if err != nil {
			return err
		}
		defer a.Close()
		records, err := a.Records()
		if err != nil {
			return err
		}
		gctrace.Summarize(records).Fprint(os.Stdout)
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	records, err := gctrace.ReadAll(bufio.NewReader(f))
	if err != nil {
		return err
	}
	gctrace.Summarize(records).Fprint(os.Stdout)
	return nil
}
