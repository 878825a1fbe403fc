// Marrow CLI - loads compiled method files and runs them as processes
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/chazu/marrow/manifest"
	"github.com/chazu/marrow/vm"
	"github.com/chazu/marrow/vm/snapshot"
	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("marrow")

func main() {
	configPath := flag.String("config", "", "Path to marrow.toml (default: search upward from the working directory)")
	verbose := flag.Bool("v", false, "Verbose output")
	entry := flag.String("m", "", "Entry method (overrides [methods] entry)")
	workers := flag.Int("workers", 0, "Scheduler goroutines (overrides [scheduler] workers)")
	disasm := flag.Bool("disasm", false, "Print the disassembly of every loaded method and exit")
	suspend := flag.Bool("suspend", false, "Run without a scheduler and save the process to the snapshot store when it switches out")
	resume := flag.String("resume", "", "Resume the snapshot with the given process ID")
	list := flag.Bool("list", false, "List stored snapshots and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: marrow [options] [paths...]\n\n")
		fmt.Fprintf(os.Stderr, "Loads method files (.toml) from the given paths, or from the [methods] dirs\n")
		fmt.Fprintf(os.Stderr, "of marrow.toml, and runs the entry method.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  marrow -m main ./methods      # Run 'main'\n")
		fmt.Fprintf(os.Stderr, "  marrow -disasm ./methods      # Show decoded bytecode\n")
		fmt.Fprintf(os.Stderr, "  marrow -m loop -suspend       # Park 'loop' at its first switch\n")
		fmt.Fprintf(os.Stderr, "  marrow -resume <id>           # Continue a parked process\n")
	}
	flag.Parse()

	m, err := loadManifest(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		m.Log.Verbosity = 2
	}
	configureLogging(m)
	if *entry != "" {
		m.Methods.Entry = *entry
	}
	if *workers > 0 {
		m.Scheduler.Workers = *workers
	}

	if err := run(m, flag.Args(), options{
		disasm:  *disasm,
		suspend: *suspend,
		resume:  *resume,
		list:    *list,
		verbose: *verbose,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	disasm  bool
	suspend bool
	resume  string
	list    bool
	verbose bool
}

func loadManifest(path string) (*manifest.Manifest, error) {
	if path != "" {
		return manifest.LoadFile(path)
	}
	m, err := manifest.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = manifest.Default()
		if m.Dir, err = os.Getwd(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func configureLogging(m *manifest.Manifest) {
	var path *string
	if m.Log.File != "" {
		path = &m.Log.File
	}
	commonlog.Configure(m.Log.Verbosity, path)
}

func run(m *manifest.Manifest, paths []string, opts options) error {
	table := vm.NewMethodTable()
	rr := vm.NewRoundRobin()

	vmOpts := append(primitives(os.Stdout), vm.WithResolver(table))
	if !opts.suspend {
		vmOpts = append(vmOpts, vm.WithScheduler(rr))
	}
	if m.Interpreter.TimeSlice > 0 {
		vmOpts = append(vmOpts, vm.WithPoller(vm.TimeSlice(m.Interpreter.TimeSlice)))
	}
	machine := vm.New(m.VMConfig(), vmOpts...)
	defer machine.Close()
	table.ClassOf = machine.ClassOf

	if len(paths) == 0 {
		paths = m.MethodDirPaths()
	}
	ld := newLoader(machine, table)
	for _, path := range paths {
		n, err := ld.loadPath(path)
		if err != nil {
			return err
		}
		log.Infof("loaded %d methods from %s", n, path)
	}

	if opts.disasm {
		for _, code := range ld.loaded {
			text, err := vm.Disassemble(code)
			if err != nil {
				return err
			}
			fmt.Printf("%s:\n%s\n\n", code.Name, text)
		}
		return nil
	}

	needStore := opts.suspend || opts.resume != "" || opts.list
	var store *snapshot.Store
	if needStore {
		var err error
		if store, err = snapshot.Open(m.SnapshotPath()); err != nil {
			return err
		}
		defer store.Close()
	}

	if opts.list {
		entries, err := store.List()
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%s  %-20s %6d bytes  %s\n", e.ID, e.Name, e.Size, e.SavedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	}

	var p *vm.Process
	if opts.resume != "" {
		var err error
		if p, err = store.Load(machine, opts.resume, table); err != nil {
			return err
		}
		if err := store.Delete(opts.resume); err != nil {
			return err
		}
	} else {
		if m.Methods.Entry == "" {
			return errors.New("no entry method (use -m or [methods] entry)")
		}
		code, ok := table.LoadCode(m.Methods.Entry)
		if !ok {
			return fmt.Errorf("entry method %q not found", m.Methods.Entry)
		}
		p = machine.NewProcess(m.Methods.Entry, code, vm.Nil)
	}

	if opts.suspend {
		sig := p.Run()
		if p.State() == vm.ProcessSuspended {
			if err := store.Save(machine, p); err != nil {
				return err
			}
			fmt.Printf("suspended %s\n", p.ID)
			return nil
		}
		return report(machine, p, sig, opts.verbose)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	rr.Spawn(p)
	if err := rr.RunWorkers(ctx, m.Scheduler.Workers); err != nil {
		return err
	}
	select {
	case <-p.Done():
	default:
		return fmt.Errorf("process %s did not finish", p.ID)
	}
	if opts.verbose {
		fmt.Fprintf(os.Stderr, "switches: %d\n", rr.Switches())
	}
	return report(machine, p, vm.Signal{}, opts.verbose)
}

// report prints a finished process's result.
func report(machine *vm.VM, p *vm.Process, sig vm.Signal, verbose bool) error {
	result, err := p.Result()
	if err != nil {
		return err
	}
	if sig.Kind == vm.SignalError && sig.Err != nil {
		return sig.Err
	}
	fmt.Println(format(machine, result))
	if verbose {
		fmt.Fprintf(os.Stderr, "back jumps: %d, polls: %d\n", p.BackJumps(), p.Polls())
		for _, s := range machine.Profiler().Top(5) {
			fmt.Fprintf(os.Stderr, "  %s\n", s)
		}
		if table, ok := machine.Resolver().(*vm.MethodTable); ok {
			cs := table.CacheStats()
			fmt.Fprintf(os.Stderr, "lookup caches: %d (%d mono, %d poly, %d mega), hit rate %.1f%%\n",
				cs.Caches, cs.Monomorphic, cs.Polymorphic, cs.Megamorphic, cs.HitRate())
		}
	}
	return nil
}
