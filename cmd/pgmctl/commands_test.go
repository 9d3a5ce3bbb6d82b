package main

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// smallZone pins the zone limits so runs are deterministic.
func smallZone(t *testing.T) {
	t.Helper()
	t.Setenv("MallocProbGuardAllocations", "4")
	t.Setenv("MallocProbGuardSlots", "16")
	t.Setenv("MallocProbGuardMetadata", "8")
	t.Setenv("MallocProbGuardRightAlignPercent", "100")
	t.Setenv("MallocProbGuardSampleRate", "1")
}

func TestConfigCommand(t *testing.T) {
	resetFlags(t)
	smallZone(t)

	out, err := captureOutput(t, runConfig)
	require.NoError(t, err)
	assertContains(t, out, []string{"max allocations:     4", "slots:               16", "metadata records:    8"})

	jsonOut = true
	out, err = captureOutput(t, runConfig)
	require.NoError(t, err)
	var got configOutput
	decodeJSON(t, out, &got)
	assert.Equal(t, uint32(4), got.MaxAllocations)
	assert.Equal(t, uint32(1), got.SampleCounterRange)
	assert.Equal(t, uintptr(33*4096), got.QuarantineBytes)
}

func TestConfigCommand_BadEnv(t *testing.T) {
	resetFlags(t)
	t.Setenv("MallocProbGuardSampleRate", "often")

	_, err := captureOutput(t, runConfig)
	require.ErrorContains(t, err, "MallocProbGuardSampleRate")
}

func TestSimulateCommand_Bugs(t *testing.T) {
	tests := []struct {
		bug        string
		errorType  string
		confidence string
		fatal      bool
	}{
		{bug: "overflow", errorType: "OOB", confidence: "high"},
		{bug: "use-after-free", errorType: "use-after-free", confidence: "high"},
		{bug: "double-free", fatal: true},
	}
	for _, tt := range tests {
		t.Run(tt.bug, func(t *testing.T) {
			resetFlags(t)
			smallZone(t)
			simAllocs = 10
			simBug = tt.bug
			jsonOut = true

			out, err := captureOutput(t, runSimulate)
			require.NoError(t, err)

			var got struct {
				Stats struct {
					NumAllocations uint32 `json:"num_allocations"`
					Sampled        uint64 `json:"sampled"`
					Delegated      uint64 `json:"delegated"`
				} `json:"stats"`
				Fault  string `json:"fault"`
				Report *struct {
					ErrorType  string `json:"error_type"`
					Confidence string `json:"confidence"`
					SlotState  string `json:"slot_state"`
				} `json:"report"`
				FatalError string `json:"fatal_error"`
			}
			decodeJSON(t, out, &got)
			assert.Equal(t, uint64(10), got.Stats.Sampled+got.Stats.Delegated)

			if tt.fatal {
				assert.Contains(t, got.FatalError, "already freed")
				assert.Nil(t, got.Report)
				return
			}
			require.NotNil(t, got.Report)
			assert.NotEmpty(t, got.Fault)
			assert.Equal(t, tt.errorType, got.Report.ErrorType)
			assert.Equal(t, tt.confidence, got.Report.Confidence)
		})
	}
}

func TestSimulateCommand_UnknownBug(t *testing.T) {
	resetFlags(t)
	smallZone(t)
	simAllocs = 4
	simBug = "stack-smash"

	_, err := captureOutput(t, runSimulate)
	require.ErrorContains(t, err, "unknown bug")
}

func TestSimulateCommand_Metrics(t *testing.T) {
	resetFlags(t)
	smallZone(t)
	simAllocs = 10
	simMetrics = true

	out, err := captureOutput(t, runSimulate)
	require.NoError(t, err)
	assertContains(t, out, []string{
		"pgmctl_probguard_allocations 4",
		"pgmctl_probguard_allocations_max 4",
		"pgmctl_probguard_slots 16",
		"pgmctl_probguard_sampled_total",
	})
}

func TestCorpseWorkflow(t *testing.T) {
	resetFlags(t)
	smallZone(t)
	corpse := filepath.Join(t.TempDir(), "run.corpse")
	simAllocs = 10
	simBug = "use-after-free"
	simCorpse = corpse
	jsonOut = true

	out, err := captureOutput(t, runSimulate)
	require.NoError(t, err)
	var sim simulateOutput
	decodeJSON(t, out, &sim)
	require.NotEmpty(t, sim.Fault)

	t.Run("inspect", func(t *testing.T) {
		defaultFlags()
		jsonOut = true
		inspectSlots = true

		out, err := captureOutput(t, func() error { return runInspect([]string{corpse}) })
		require.NoError(t, err)
		var zones []zoneOutput
		decodeJSON(t, out, &zones)
		require.Len(t, zones, 1)
		assert.Equal(t, sim.ZoneAddr, zones[0].Addr)
		assert.Equal(t, uintptr(4096), zones[0].PageSize)
		assert.Equal(t, uint32(16), zones[0].Stats.NumSlots)

		states := map[string]int{}
		for _, s := range zones[0].Slots {
			states[s.State]++
		}
		assert.Positive(t, states["freed"])
		assert.Positive(t, states["allocated"])
	})

	t.Run("diagnose", func(t *testing.T) {
		defaultFlags()
		diagCorpse = corpse

		out, err := captureOutput(t, func() error { return runDiagnose([]string{sim.Fault}) })
		require.NoError(t, err)
		assertContains(t, out, []string{"use-after-free (confidence high)", "allocated by thread", "deallocated by thread"})
	})

	t.Run("diagnose outside quarantine", func(t *testing.T) {
		defaultFlags()
		diagCorpse = corpse

		_, err := captureOutput(t, func() error { return runDiagnose([]string{fmt.Sprint(simBase - 1)}) })
		require.Error(t, err)
	})
}

func TestDiagnoseCommand_Flags(t *testing.T) {
	tests := []struct {
		name   string
		corpse string
		pid    int
		zones  []string
		args   []string
		want   string
	}{
		{name: "no source", args: []string{"0x1000"}, want: "one of --corpse or --pid"},
		{name: "both sources", corpse: "x", pid: 1, args: []string{"0x1000"}, want: "not both"},
		{name: "pid without zones", pid: 1, args: []string{"0x1000"}, want: "--zone"},
		{name: "bad fault address", corpse: "x", args: []string{"nowhere"}, want: "invalid address"},
		{name: "bad zone address", pid: 1, zones: []string{"zz"}, args: []string{"0x1000"}, want: "invalid address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetFlags(t)
			diagCorpse, diagPID, diagZones = tt.corpse, tt.pid, tt.zones

			_, err := captureOutput(t, func() error { return runDiagnose(tt.args) })
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestParseAddr(t *testing.T) {
	for in, want := range map[string]uintptr{"0x1000": 0x1000, "4096": 4096, "0X10": 16} {
		got, err := parseAddr(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseAddr("-1")
	require.Error(t, err)
}
