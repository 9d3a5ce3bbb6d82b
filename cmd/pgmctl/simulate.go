package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/joshuapare/probguard/crashreport"
	"github.com/joshuapare/probguard/guard"
	"github.com/joshuapare/probguard/guard/metrics"
	"github.com/joshuapare/probguard/vm"
	"github.com/joshuapare/probguard/zone/heap"
)

// simBase is where the simulated address space starts. Corpses written by
// simulate keep these addresses, so faults can be replayed with diagnose.
const simBase = 1 << 32

var (
	simAllocs   int
	simSize     uint64
	simRate     uint32
	simPageSize uint64
	simBug      string
	simCorpse   string
	simMetrics  bool
)

func init() {
	cmd := newSimulateCmd()
	cmd.Flags().IntVar(&simAllocs, "allocs", 1000, "Number of allocations to make")
	cmd.Flags().Uint64Var(&simSize, "size", 64, "Allocation size in bytes")
	cmd.Flags().Uint32Var(&simRate, "rate", 0, "Sample rate (0 keeps the environment's)")
	cmd.Flags().Uint64Var(&simPageSize, "page-size", 4096, "Simulated page size")
	cmd.Flags().StringVar(&simBug, "bug", "", "Inject a bug: overflow, underflow, use-after-free, double-free")
	cmd.Flags().StringVar(&simCorpse, "corpse", "", "Write a corpse file after the run")
	cmd.Flags().BoolVar(&simMetrics, "metrics", false, "Print zone metrics in Prometheus text format")
	rootCmd.AddCommand(cmd)
}

func newSimulateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "simulate",
		Short: "Run a workload against a zone on a simulated address space",
		Long: `The simulate command wraps a heap in a guard zone on a simulated
address space, makes a series of allocations, frees every other one, and
optionally injects a memory bug into a guarded block. A bug that faults is
diagnosed the way a crash reporter would.

Example:
  pgmctl simulate --allocs 5000 --rate 10
  pgmctl simulate --bug overflow --rate 1
  pgmctl simulate --bug use-after-free --corpse run.corpse`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate()
		},
	}
}

type simulateOutput struct {
	Stats      guard.Stats   `json:"stats"`
	ZoneAddr   string        `json:"zone_addr"`
	Fault      string        `json:"fault,omitempty"`
	Report     *guard.Report `json:"report,omitempty"`
	FatalError string        `json:"fatal_error,omitempty"`
}

func runSimulate() error {
	cfg, err := guard.ConfigFromEnv(nil)
	if err != nil {
		return err
	}
	if simRate != 0 {
		cfg.SampleRate = simRate
	}
	if verbose {
		cfg.Debug = true
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	var fatal *guard.FatalError
	cfg.OnFatal = func(e *guard.FatalError) { fatal = e }

	sim := vm.NewSim(uintptr(simPageSize), simBase)
	h, err := heap.New(sim, heap.Options{})
	if err != nil {
		return err
	}
	z, err := guard.New(h, sim, cfg)
	if err != nil {
		return err
	}
	defer z.Destroy()

	var live, guarded []uintptr
	for i := range simAllocs {
		p := z.Malloc(uintptr(simSize))
		if p == 0 {
			return fmt.Errorf("allocation %d of %d bytes failed", i, simSize)
		}
		if i%2 == 1 {
			z.Free(p)
			continue
		}
		live = append(live, p)
		if z.IsGuarded(p) {
			guarded = append(guarded, p)
		}
	}
	printVerbose("%d allocations, %d live, %d live guarded\n", simAllocs, len(live), len(guarded))

	out := simulateOutput{ZoneAddr: fmt.Sprintf("0x%x", z.Address())}
	if simBug != "" {
		if len(guarded) == 0 {
			return errors.New("no live guarded block to inject a bug into; raise --allocs or lower --rate")
		}
		fault, err := injectBug(z, sim, guarded[0])
		if err != nil {
			return err
		}
		if fault != 0 {
			out.Fault = fmt.Sprintf("0x%x", fault)
			if out.Report, err = z.DiagnosePageFault(fault); err != nil {
				return err
			}
		}
	}
	if fatal != nil {
		out.FatalError = fatal.Error()
	}
	out.Stats = z.Stats()

	if simCorpse != "" {
		if err := writeSimCorpse(z, sim); err != nil {
			return err
		}
	}

	if jsonOut {
		if err := printJSON(out); err != nil {
			return err
		}
	} else {
		printInfo("zone at %s: %s\n", out.ZoneAddr, out.Stats)
		if out.Fault != "" {
			printInfo("fault at %s\n%s", out.Fault, out.Report)
		}
		if out.FatalError != "" {
			printInfo("fatal: %s\n", out.FatalError)
		}
	}
	if simMetrics {
		return printMetrics(z)
	}
	return nil
}

// injectBug misuses the block at addr and returns the faulting address, or 0
// when the misuse is reported without a fault.
func injectBug(z *guard.Zone, sim *vm.Sim, addr uintptr) (uintptr, error) {
	switch simBug {
	case "overflow":
		return walk(sim, addr, 1)
	case "underflow":
		return walk(sim, addr-1, -1)
	case "use-after-free":
		z.Free(addr)
		return firstFault(sim.Load(addr, 1))
	case "double-free":
		z.Free(addr)
		z.Free(addr)
		return 0, nil
	}
	return 0, fmt.Errorf("unknown bug %q", simBug)
}

// walk writes one byte at a time from addr in direction step until the
// simulated VM reports a fault.
func walk(sim *vm.Sim, addr uintptr, step int) (uintptr, error) {
	for i := 0; i <= 2*int(sim.PageSize()); i++ {
		at := addr + uintptr(i*step)
		if err := sim.Store(at, []byte{0x41}); err != nil {
			return firstFault(nil, err)
		}
	}
	return 0, errors.New("walked two pages without a fault")
}

func firstFault(_ []byte, err error) (uintptr, error) {
	var f *vm.Fault
	if errors.As(err, &f) {
		return f.Addr, nil
	}
	if err == nil {
		return 0, errors.New("access did not fault")
	}
	return 0, err
}

func writeSimCorpse(z *guard.Zone, sim *vm.Sim) error {
	f, err := os.Create(simCorpse)
	if err != nil {
		return err
	}
	n, err := crashreport.WriteCorpse(f, 0, []uintptr{z.Address()}, crashreport.VMReader(sim))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write corpse: %w", err)
	}
	printVerbose("wrote %d zone(s) to %s\n", n, simCorpse)
	return nil
}

func printMetrics(z *guard.Zone) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(z, "pgmctl"))
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(os.Stdout, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
