package clist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ocapkernel/pkg/kernelstore"
	"github.com/cuemby/ocapkernel/pkg/store"
	"github.com/cuemby/ocapkernel/pkg/types"
)

func newTable(t *testing.T, vatID string) *Table {
	t.Helper()
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return For(kernelstore.New(db), vatID)
}

func TestExportIsIdempotent(t *testing.T) {
	tbl := newTable(t, "v1")
	kref := types.KObj(42)

	vref1, err := tbl.Export(kref)
	require.NoError(t, err)
	assert.Equal(t, types.KindObject, vref1.Kind)
	assert.Equal(t, types.DirExported, vref1.Direction)

	vref2, err := tbl.Export(kref)
	require.NoError(t, err)
	assert.Equal(t, vref1, vref2)
}

func TestTranslateAndResolveRoundTrip(t *testing.T) {
	tbl := newTable(t, "v1")
	kref := types.KObj(7)

	vref, err := tbl.Export(kref)
	require.NoError(t, err)

	resolvedVref, err := tbl.Resolve(kref)
	require.NoError(t, err)
	assert.Equal(t, vref, resolvedVref)

	resolvedKref, err := tbl.Translate(vref)
	require.NoError(t, err)
	assert.Equal(t, kref, resolvedKref)
}

func TestTranslateUnknownVrefErrors(t *testing.T) {
	tbl := newTable(t, "v1")
	_, err := tbl.Translate(types.VRef(types.KindObject, 99, types.DirExported))
	require.Error(t, err)
}

func TestVatsAllocateIndependentVrefNumbering(t *testing.T) {
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	ks := kernelstore.New(db)

	kref1 := types.KObj(1)
	kref2 := types.KObj(2)

	v1, err := For(ks, "v1").Export(kref1)
	require.NoError(t, err)
	v2, err := For(ks, "v2").Export(kref2)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), v1.Number)
	assert.Equal(t, uint64(1), v2.Number)
}

func TestDropDecrementsRefcount(t *testing.T) {
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	ks := kernelstore.New(db)
	tbl := For(ks, "v1")

	kref := types.KObj(5)
	_, err = tbl.Export(kref)
	require.NoError(t, err)

	obj, err := ks.GetObject(kref)
	require.NoError(t, err)
	assert.Equal(t, int64(1), obj.ReachableCount)

	obj, err = tbl.Drop(kref)
	require.NoError(t, err)
	assert.Equal(t, int64(0), obj.ReachableCount)
}
