package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/joshuapare/probguard/crashreport"
	"github.com/joshuapare/probguard/guard"
)

var (
	diagCorpse  string
	diagPID     int
	diagZones   []string
	diagSymbols bool
)

func init() {
	cmd := newDiagnoseCmd()
	cmd.Flags().StringVar(&diagCorpse, "corpse", "", "Read zones from a corpse file")
	cmd.Flags().IntVar(&diagPID, "pid", 0, "Read zones from a live process")
	cmd.Flags().StringSliceVar(&diagZones, "zone", nil, "Zone header address in the process (repeatable)")
	cmd.Flags().BoolVar(&diagSymbols, "symbolize", false, "Resolve trace frames (only meaningful for this process)")
	rootCmd.AddCommand(cmd)
}

func newDiagnoseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose <fault-addr>",
		Short: "Explain a fault in a guard zone",
		Long: `The diagnose command finds the probguard zone whose quarantine holds the
fault address and classifies the fault as an out-of-bounds access, a
use-after-free, or both, together with the recorded allocation and
deallocation traces.

Example:
  pgmctl diagnose --corpse run.corpse 0x100003000
  pgmctl diagnose --pid 4242 --zone 0x7f0000000000 0x7f1000001ff0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiagnose(args)
		},
	}
}

func runDiagnose(args []string) error {
	fault, err := parseAddr(args[0])
	if err != nil {
		return err
	}

	var (
		read  crashreport.Reader
		task  crashreport.Task
		zones []uintptr
	)
	switch {
	case diagCorpse != "" && diagPID != 0:
		return errors.New("use either --corpse or --pid, not both")
	case diagCorpse != "":
		c, err := crashreport.OpenCorpse(diagCorpse)
		if err != nil {
			return err
		}
		defer c.Close()
		read, zones = c.Read, c.Zones()
	case diagPID != 0:
		if len(diagZones) == 0 {
			return errors.New("--pid needs at least one --zone address")
		}
		for _, s := range diagZones {
			a, err := parseAddr(s)
			if err != nil {
				return err
			}
			zones = append(zones, a)
		}
		read, task = crashreport.ReadProcess, crashreport.Task(diagPID)
	default:
		return errors.New("one of --corpse or --pid is required")
	}

	printVerbose("probing %d zone(s) for 0x%x\n", len(zones), fault)
	r, err := crashreport.ExtractReport(fault, task, zones, read)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(r)
	}
	printInfo("%s", r)
	if diagSymbols {
		printFrames(r)
	}
	return nil
}

func printFrames(r *guard.Report) {
	for _, t := range r.Traces {
		printInfo("%s:\n", t.Kind)
		for _, f := range t.Symbolize() {
			if f.Function == "" {
				printInfo("  0x%x\n", f.PC)
				continue
			}
			printInfo("  %s\n      %s:%d\n", f.Function, f.File, f.Line)
		}
	}
	if len(r.Traces) == 0 {
		printInfo("no traces recorded\n")
	}
}
