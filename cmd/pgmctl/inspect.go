package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshuapare/probguard/crashreport"
	"github.com/joshuapare/probguard/guard"
)

var inspectSlots bool

func init() {
	cmd := newInspectCmd()
	cmd.Flags().BoolVar(&inspectSlots, "slots", false, "List every used slot")
	rootCmd.AddCommand(cmd)
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <corpse>",
		Short: "Show the zones saved in a corpse file",
		Long: `The inspect command validates every zone image in a corpse file and
prints its quarantine range and counters.

Example:
  pgmctl inspect run.corpse
  pgmctl inspect run.corpse --slots
  pgmctl inspect run.corpse --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(args)
		},
	}
}

type slotOutput struct {
	Index     uint32  `json:"index"`
	State     string  `json:"state"`
	BlockAddr string  `json:"block_addr"`
	Size      uintptr `json:"size"`
}

type zoneOutput struct {
	Addr     string       `json:"addr"`
	Begin    string       `json:"quarantine_begin"`
	End      string       `json:"quarantine_end"`
	PageSize uintptr      `json:"page_size"`
	Stats    guard.Stats  `json:"stats"`
	Slots    []slotOutput `json:"slots,omitempty"`
}

func runInspect(args []string) error {
	c, err := crashreport.OpenCorpse(args[0])
	if err != nil {
		return err
	}
	defer c.Close()

	snaps, err := crashreport.LoadSnapshots(0, c.Zones(), c.Read)
	if err != nil {
		return err
	}
	var zones []zoneOutput
	for _, s := range snaps {
		h := s.Header()
		z := zoneOutput{
			Addr:     fmt.Sprintf("0x%x", s.Addr()),
			Begin:    fmt.Sprintf("0x%x", h.Begin),
			End:      fmt.Sprintf("0x%x", h.End),
			PageSize: h.PageSize,
			Stats:    s.Stats(),
		}
		if inspectSlots {
			for _, si := range s.Slots() {
				z.Slots = append(z.Slots, slotOutput{
					Index:     si.Index,
					State:     si.State.String(),
					BlockAddr: fmt.Sprintf("0x%x", si.BlockAddr),
					Size:      si.Size,
				})
			}
		}
		zones = append(zones, z)
	}

	if jsonOut {
		return printJSON(zones)
	}
	for _, z := range zones {
		printInfo("zone %s quarantine [%s, %s) page %d\n", z.Addr, z.Begin, z.End, z.PageSize)
		printInfo("  allocations %d/%d, metadata %d/%d, in use %d bytes (peak %d)\n",
			z.Stats.NumAllocations, z.Stats.MaxAllocations, z.Stats.NumMetadata, z.Stats.MaxMetadata,
			z.Stats.SizeInUse, z.Stats.MaxSizeInUse)
		for _, s := range z.Slots {
			printInfo("  slot %4d  %-9s  %s  %d bytes\n", s.Index, s.State, s.BlockAddr, s.Size)
		}
	}
	if len(zones) == 0 {
		printInfo("no probguard zones in %s\n", args[0])
	}
	return nil
}
