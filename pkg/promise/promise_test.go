package promise

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ocapkernel/pkg/capdata"
	"github.com/cuemby/ocapkernel/pkg/kernelstore"
	"github.com/cuemby/ocapkernel/pkg/store"
	"github.com/cuemby/ocapkernel/pkg/types"
)

func newEngine(t *testing.T) (*Engine, *kernelstore.Store) {
	t.Helper()
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ks := kernelstore.New(db)
	return New(ks), ks
}

func TestSendOnUnresolvedPromiseQueues(t *testing.T) {
	e, ks := newEngine(t)

	p, err := ks.InitPromise("v1")
	require.NoError(t, err)
	target, err := types.ParseRef(p.Kref)
	require.NoError(t, err)

	require.NoError(t, e.Send(target, "ping", types.CapData{Body: "null"}, ""))

	depth, err := ks.RunqueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 0, depth, "message should be queued on the promise, not the run queue")

	got, err := ks.GetPromise(p.Kref)
	require.NoError(t, err)
	require.Len(t, got.Queue, 1)
	assert.Equal(t, "ping", got.Queue[0].Method)
}

func TestResolveToObjectForwardsPipelinedSend(t *testing.T) {
	e, ks := newEngine(t)

	p, err := ks.InitPromise("v1")
	require.NoError(t, err)
	pref, _ := types.ParseRef(p.Kref)

	require.NoError(t, e.Send(pref, "ping", types.CapData{Body: "null"}, ""))

	objKref := types.KObj(9)
	resolution, err := capdata.Marshal(capdata.Slot{Ref: objKref})
	require.NoError(t, err)

	require.NoError(t, e.Resolve(p.Kref, resolution, false))

	// promise should be gone, and a send to the object should now be queued
	_, err = ks.GetPromise(p.Kref)
	require.Error(t, err)

	entry, ok, err := ks.Dequeue()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.EntrySend, entry.Kind)
	assert.Equal(t, objKref.String(), entry.Target)
	assert.Equal(t, "ping", entry.Method)
}

func TestResolveToPlainValueSettlesResultPromise(t *testing.T) {
	e, ks := newEngine(t)

	p, err := ks.InitPromise("v1")
	require.NoError(t, err)
	pref, _ := types.ParseRef(p.Kref)

	resultP, err := ks.InitPromise("")
	require.NoError(t, err)

	require.NoError(t, e.Send(pref, "getValue", types.CapData{Body: "null"}, resultP.Kref))

	val, err := capdata.Marshal(float64(42))
	require.NoError(t, err)
	require.NoError(t, e.Resolve(p.Kref, val, false))

	settled, err := ks.GetPromise(resultP.Kref)
	require.NoError(t, err)
	assert.Equal(t, types.PromiseFulfilled, settled.State)
	assert.Equal(t, val.Body, settled.Resolution.Body)
}

func TestResolveToPromiseTransfersQueueAndSubscribers(t *testing.T) {
	e, ks := newEngine(t)

	src, err := ks.InitPromise("v1")
	require.NoError(t, err)
	srcRef, _ := types.ParseRef(src.Kref)

	dst, err := ks.InitPromise("v2")
	require.NoError(t, err)
	dstRef, _ := types.ParseRef(dst.Kref)

	require.NoError(t, e.Send(srcRef, "ping", types.CapData{Body: "null"}, ""))
	require.NoError(t, e.Subscribe(src.Kref, "v3"))

	resolution, err := capdata.Marshal(capdata.Slot{Ref: dstRef})
	require.NoError(t, err)
	require.NoError(t, e.Resolve(src.Kref, resolution, false))

	merged, err := ks.GetPromise(dst.Kref)
	require.NoError(t, err)
	assert.Len(t, merged.Queue, 1)
	assert.Contains(t, merged.Subscribers, "v3")

	_, err = ks.GetPromise(src.Kref)
	require.Error(t, err)
}

func TestRejectionPropagatesToQueuedResultPromise(t *testing.T) {
	e, ks := newEngine(t)

	p, err := ks.InitPromise("v1")
	require.NoError(t, err)
	pref, _ := types.ParseRef(p.Kref)

	resultP, err := ks.InitPromise("")
	require.NoError(t, err)

	require.NoError(t, e.Send(pref, "getValue", types.CapData{Body: "null"}, resultP.Kref))

	cause, err := capdata.Marshal(capdata.TaggedError{Name: "Error", Message: "boom"})
	require.NoError(t, err)
	require.NoError(t, e.Resolve(p.Kref, cause, true))

	settled, err := ks.GetPromise(resultP.Kref)
	require.NoError(t, err)
	assert.Equal(t, types.PromiseRejected, settled.State)
	assert.True(t, settled.IsRejection)
}
