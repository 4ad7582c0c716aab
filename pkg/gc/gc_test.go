package gc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ocapkernel/pkg/clist"
	"github.com/cuemby/ocapkernel/pkg/kernelstore"
	"github.com/cuemby/ocapkernel/pkg/store"
	"github.com/cuemby/ocapkernel/pkg/types"
)

func newCollector(t *testing.T) (*Collector, *kernelstore.Store) {
	t.Helper()
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ks := kernelstore.New(db)
	return New(ks, nil), ks
}

func TestDropImportsKeepsRecognizable(t *testing.T) {
	c, ks := newCollector(t)

	kref := types.KObj(1)
	vref, err := clist.For(ks, "v1").Export(kref)
	require.NoError(t, err)

	require.NoError(t, c.DropImports("v1", []types.Ref{vref}))

	obj, err := ks.GetObject(kref)
	require.NoError(t, err)
	assert.Equal(t, int64(0), obj.ReachableCount)
	assert.Equal(t, int64(1), obj.RecognizableCount)

	actions, err := c.DrainActions()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, types.GCDrop, actions[0].GCKind)
	assert.Contains(t, actions[0].Krefs, kref.String())
}

func TestRetireImportsForgetsVrefAndDropsRecognizable(t *testing.T) {
	c, ks := newCollector(t)

	kref := types.KObj(2)
	tbl := clist.For(ks, "v1")
	vref, err := tbl.Export(kref)
	require.NoError(t, err)

	require.NoError(t, c.RetireImports("v1", []types.Ref{vref}))

	_, err = tbl.Translate(vref)
	require.Error(t, err, "vref should no longer resolve after retire")

	actions, err := c.DrainActions()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, types.GCRetire, actions[0].GCKind)
}

func TestScheduleSweepsEnqueuesOnePerVat(t *testing.T) {
	c, ks := newCollector(t)

	require.NoError(t, ks.CreateVat(&types.VatRecord{ID: "v1"}))
	require.NoError(t, ks.CreateVat(&types.VatRecord{ID: "v2"}))

	require.NoError(t, c.ScheduleSweeps())

	depth, err := ks.RunqueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}
