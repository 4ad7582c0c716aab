package metrics

import (
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ocapkernel/pkg/kernelstore"
	"github.com/cuemby/ocapkernel/pkg/store"
	"github.com/cuemby/ocapkernel/pkg/types"
)

type fakeHA struct {
	leader bool
	stats  map[string]any
}

func (f *fakeHA) IsLeader() bool        { return f.leader }
func (f *fakeHA) Stats() map[string]any { return f.stats }

func newTestKernelStore(t *testing.T) *kernelstore.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "collector-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := store.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return kernelstore.New(db)
}

func TestCollectorUpdatesGaugesFromStore(t *testing.T) {
	ks := newTestKernelStore(t)

	id, err := ks.NextVatID()
	require.NoError(t, err)
	require.NoError(t, ks.CreateVat(&types.VatRecord{ID: id, Status: types.VatRunning}))

	kref, err := ks.NextKref(types.KindObject)
	require.NoError(t, err)
	_, err = ks.AdjustRefcount(kref, types.Reachable, 1, id, "")
	require.NoError(t, err)

	_, err = ks.InitPromise(id)
	require.NoError(t, err)

	require.NoError(t, ks.Enqueue(types.RunqueueEntry{Kind: types.EntryBringOutYourDead, Vat: id}))

	c := NewCollector(ks, &fakeHA{leader: true, stats: map[string]any{"applied_index": uint64(4), "peers": 2}})
	c.collect()

	require.Equal(t, float64(1), testutil.ToFloat64(VatsTotal.WithLabelValues(string(types.VatRunning))))
	require.Equal(t, float64(1), testutil.ToFloat64(KernelObjectsTotal))
	require.Equal(t, float64(1), testutil.ToFloat64(PromisesUnresolvedTotal))
	require.Equal(t, float64(1), testutil.ToFloat64(RunqueueDepth))
	require.Equal(t, float64(1), testutil.ToFloat64(HALeader))
	require.Equal(t, float64(4), testutil.ToFloat64(HAAppliedIndex))
	require.Equal(t, float64(2), testutil.ToFloat64(HAPeers))
}
