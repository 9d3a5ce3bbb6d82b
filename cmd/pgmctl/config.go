package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/joshuapare/probguard/guard"
)

var configPageSize uint64

func init() {
	cmd := newConfigCmd()
	cmd.Flags().Uint64Var(&configPageSize, "page-size", uint64(os.Getpagesize()), "Page size to resolve against")
	rootCmd.AddCommand(cmd)
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the zone configuration the environment selects",
		Long: `The config command reads the MallocProbGuard* environment variables,
applies defaults, and prints the resolved limits a zone would run with.

Example:
  pgmctl config
  MallocProbGuardSampleRate=10 pgmctl config --json
  pgmctl config --page-size 16384`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfig()
		},
	}
}

type configOutput struct {
	PageSize           uintptr `json:"page_size"`
	MaxAllocations     uint32  `json:"max_allocations"`
	NumSlots           uint32  `json:"num_slots"`
	MaxMetadata        uint32  `json:"max_metadata"`
	SampleCounterRange uint32  `json:"sample_counter_range"`
	RightAlignPercent  uint32  `json:"right_align_percent"`
	QuarantineBytes    uintptr `json:"quarantine_bytes"`
	Debug              bool    `json:"debug"`
}

func runConfig() error {
	cfg, err := guard.ConfigFromEnv(nil)
	if err != nil {
		return err
	}
	r, err := cfg.Resolve(uintptr(configPageSize))
	if err != nil {
		return err
	}
	out := configOutput{
		PageSize:           r.PageSize,
		MaxAllocations:     r.MaxAllocations,
		NumSlots:           r.NumSlots,
		MaxMetadata:        r.MaxMetadata,
		SampleCounterRange: r.SampleCounterRange,
		RightAlignPercent:  r.RightAlignPercent,
		QuarantineBytes:    r.QuarantineSize(),
		Debug:              r.Debug,
	}
	if jsonOut {
		return printJSON(out)
	}
	printInfo("page size:           %d\n", out.PageSize)
	printInfo("max allocations:     %d\n", out.MaxAllocations)
	printInfo("slots:               %d\n", out.NumSlots)
	printInfo("metadata records:    %d\n", out.MaxMetadata)
	printInfo("sample range:        %d\n", out.SampleCounterRange)
	printInfo("right align percent: %d\n", out.RightAlignPercent)
	printInfo("quarantine bytes:    %d\n", out.QuarantineBytes)
	printVerbose("debug:               %v\n", out.Debug)
	return nil
}
