package guard

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/probguard/vm"
	"github.com/joshuapare/probguard/zone/heap"
)

const testPage = 4096

// testConfig samples every eligible allocation and always places blocks at
// the start of their page.
func testConfig() Config {
	return Config{
		MaxAllocations: 2,
		Slots:          4,
		Metadata:       4,
		SampleRate:     1,
		LeftAlignOnly:  true,
		Rand:           rand.New(rand.NewPCG(1, 2)),
	}
}

type fatalRecorder struct {
	errs []*FatalError
}

func (r *fatalRecorder) record(e *FatalError) { r.errs = append(r.errs, e) }

func newTestZone(t *testing.T, cfg Config) (*Zone, *vm.Sim) {
	t.Helper()
	sim := vm.NewSim(testPage, 1<<30)
	h, err := heap.New(sim, heap.Options{ChunkPages: 2})
	require.NoError(t, err)
	z, err := New(h, sim, cfg)
	require.NoError(t, err)
	t.Cleanup(z.Destroy)
	return z, sim
}

func requireFault(t *testing.T, sim *vm.Sim, addr uintptr) {
	t.Helper()
	_, err := sim.Load(addr, 1)
	var f *vm.Fault
	require.ErrorAs(t, err, &f, "expected fault at 0x%x", addr)
}

func requireAccessible(t *testing.T, sim *vm.Sim, addr, n uintptr) {
	t.Helper()
	require.NoError(t, sim.Store(addr, make([]byte, n)))
}
