package crashreport

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/probguard/guard"
	"github.com/joshuapare/probguard/vm"
	"github.com/joshuapare/probguard/zone/heap"
)

const testPage = 4096

type fixture struct {
	sim   *vm.Sim
	zone  *guard.Zone
	other uintptr // a readable page carrying another zone type's tag
	freed uintptr
	live  uintptr
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sim := vm.NewSim(testPage, 1<<30)
	other, err := sim.Map(testPage, vm.ProtReadWrite)
	require.NoError(t, err)
	require.NoError(t, sim.Store(other, []byte("MALZ")))

	h, err := heap.New(sim, heap.Options{})
	require.NoError(t, err)
	z, err := guard.New(h, sim, guard.Config{MaxAllocations: 2, Slots: 4, Metadata: 4, SampleRate: 1, LeftAlignOnly: true})
	require.NoError(t, err)
	t.Cleanup(z.Destroy)

	f := &fixture{sim: sim, zone: z, other: other}
	f.freed = z.Malloc(32)
	f.live = z.Malloc(64)
	z.Free(f.freed)
	return f
}

func (f *fixture) zones() []uintptr {
	return []uintptr{f.other, f.zone.Address()}
}

func TestExtractReport_UseAfterFree(t *testing.T) {
	f := newFixture(t)

	r, err := ExtractReport(f.freed+4, 0, f.zones(), VMReader(f.sim))
	require.NoError(t, err)
	require.Equal(t, guard.ErrorUseAfterFree, r.ErrorType)
	require.Equal(t, guard.ConfidenceHigh, r.Confidence)
	require.Len(t, r.Traces, 2)
}

func TestExtractReport_Overflow(t *testing.T) {
	f := newFixture(t)

	r, err := ExtractReport(f.live+testPage, 0, f.zones(), VMReader(f.sim))
	require.NoError(t, err)
	require.Equal(t, guard.ErrorOOB, r.ErrorType)
	require.Equal(t, f.live, r.BlockAddr)
}

func TestExtractReport_NotThisZone(t *testing.T) {
	f := newFixture(t)

	_, err := ExtractReport(f.other, 0, f.zones(), VMReader(f.sim))
	require.ErrorIs(t, err, ErrNotThisZone)

	_, err = ExtractReport(f.live, 0, []uintptr{f.other}, VMReader(f.sim))
	require.ErrorIs(t, err, ErrNotThisZone)

	_, err = ExtractReport(f.live, 0, nil, VMReader(f.sim))
	require.ErrorIs(t, err, ErrNotThisZone)
}

func TestExtractReport_ReadFailure(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("task suspended")
	var tasks []Task
	read := func(task Task, addr, size uintptr) ([]byte, error) {
		tasks = append(tasks, task)
		if addr == f.zone.Address() {
			return nil, boom
		}
		return VMReader(f.sim)(task, addr, size)
	}

	_, err := ExtractReport(f.live, 42, f.zones(), read)
	require.ErrorIs(t, err, ErrReadFailure)
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrNotThisZone)
	require.Equal(t, []Task{42, 42}, tasks, "reader receives the task handle")
}

func TestExtractReport_UnmappedZoneAddress(t *testing.T) {
	f := newFixture(t)
	_, err := ExtractReport(f.live, 0, []uintptr{0x1000}, VMReader(f.sim))
	require.ErrorIs(t, err, ErrReadFailure)
}

func TestCorpse_RoundTrip(t *testing.T) {
	f := newFixture(t)

	var out bytes.Buffer
	n, err := WriteCorpse(&out, 0, f.zones(), VMReader(f.sim))
	require.NoError(t, err)
	require.Equal(t, 1, n, "only the probguard zone is saved")

	path := filepath.Join(t.TempDir(), "app.corpse")
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0o600))
	c, err := OpenCorpse(path)
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, []uintptr{f.zone.Address()}, c.Zones())

	live, err := ExtractReport(f.freed, 0, f.zones(), VMReader(f.sim))
	require.NoError(t, err)
	dead, err := ExtractReport(f.freed, 0, c.Zones(), c.Read)
	require.NoError(t, err)
	require.Equal(t, live, dead)
}

func TestCorpse_ReadBounds(t *testing.T) {
	f := newFixture(t)
	var out bytes.Buffer
	_, err := WriteCorpse(&out, 0, f.zones(), VMReader(f.sim))
	require.NoError(t, err)
	c, err := ParseCorpse(out.Bytes())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	base := f.zone.Address()
	b, err := c.Read(0, base, 4)
	require.NoError(t, err)
	require.Equal(t, []byte("PGMZ"), b)

	_, err = c.Read(0, base-1, 4)
	require.Error(t, err)
	_, err = c.Read(0, base, 1<<20)
	require.Error(t, err)
}

func TestParseCorpse_Malformed(t *testing.T) {
	f := newFixture(t)
	var out bytes.Buffer
	_, err := WriteCorpse(&out, 0, f.zones(), VMReader(f.sim))
	require.NoError(t, err)
	good := out.Bytes()

	cases := map[string][]byte{
		"empty":     nil,
		"magic":     append([]byte("NOTACORP"), good[8:]...),
		"truncated": good[:len(good)-1],
		"no body":   good[:corpseHeaderSize+4],
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCorpse(data)
			require.ErrorIs(t, err, ErrBadCorpse)
		})
	}
}
