package crank

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ocapkernel/pkg/kernelstore"
	"github.com/cuemby/ocapkernel/pkg/store"
	"github.com/cuemby/ocapkernel/pkg/types"
)

type fakeDispatcher struct {
	result DeliveryResult
	err    error
	calls  []Delivery
}

func (f *fakeDispatcher) Deliver(ctx context.Context, vatID string, d Delivery) (DeliveryResult, error) {
	f.calls = append(f.calls, d)
	return f.result, f.err
}

func newTestStore(t *testing.T) *kernelstore.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "crank-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := store.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return kernelstore.New(db)
}

func mustVat(t *testing.T, ks *kernelstore.Store) string {
	t.Helper()
	id, err := ks.NextVatID()
	require.NoError(t, err)
	require.NoError(t, ks.CreateVat(&types.VatRecord{ID: id, Status: types.VatRunning}))
	return id
}

func TestProcessOneDeliversQueuedSend(t *testing.T) {
	ks := newTestStore(t)
	vatID := mustVat(t, ks)

	kref, err := ks.NextKref(types.KindObject)
	require.NoError(t, err)
	_, err = ks.AdjustRefcount(kref, types.Reachable, 1, vatID, "o+1")
	require.NoError(t, err)

	require.NoError(t, ks.Enqueue(types.RunqueueEntry{Kind: types.EntrySend, Target: kref.String(), Method: "foo"}))

	disp := &fakeDispatcher{result: DeliveryResult{}}
	runner := New(ks, disp, nil)

	ran, err := runner.ProcessOne(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	require.Len(t, disp.calls, 1)
	require.Equal(t, DeliverSend, disp.calls[0].Kind)
}

type fakeRemote struct {
	calls []types.RunqueueEntry
	err   error
}

func (f *fakeRemote) Deliver(ctx context.Context, peerID string, entry types.RunqueueEntry) error {
	f.calls = append(f.calls, entry)
	return f.err
}

func TestCrankSendRoutesRemoteTargetsToRemoteDispatcher(t *testing.T) {
	ks := newTestStore(t)

	kref, err := ks.NextKref(types.KindRemote)
	require.NoError(t, err)
	require.NoError(t, ks.PutObject(&types.ObjectRecord{Kref: kref.String(), OwnerVat: "peer-a"}))
	require.NoError(t, ks.Enqueue(types.RunqueueEntry{Kind: types.EntrySend, Target: kref.String(), Method: "hello"}))

	disp := &fakeDispatcher{}
	remote := &fakeRemote{}
	runner := New(ks, disp, nil)
	runner.SetRemoteDispatcher(remote)

	ran, err := runner.ProcessOne(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	require.Empty(t, disp.calls)
	require.Len(t, remote.calls, 1)
	require.Equal(t, "hello", remote.calls[0].Method)
}

func TestCrankSendToRemoteTargetWithoutDispatcherErrors(t *testing.T) {
	ks := newTestStore(t)

	kref, err := ks.NextKref(types.KindRemote)
	require.NoError(t, err)
	require.NoError(t, ks.PutObject(&types.ObjectRecord{Kref: kref.String(), OwnerVat: "peer-a"}))
	require.NoError(t, ks.Enqueue(types.RunqueueEntry{Kind: types.EntrySend, Target: kref.String(), Method: "hello"}))

	runner := New(ks, &fakeDispatcher{}, nil)

	ran, err := runner.ProcessOne(context.Background())
	require.True(t, ran)
	require.Error(t, err)
}

func TestProcessOnePromotesAcceptedDeliveryOntoRunQueue(t *testing.T) {
	ks := newTestStore(t)
	vatID := mustVat(t, ks)

	kref, err := ks.NextKref(types.KindObject)
	require.NoError(t, err)
	_, err = ks.AdjustRefcount(kref, types.Reachable, 1, vatID, "o+1")
	require.NoError(t, err)

	require.NoError(t, ks.AcceptDelivery(types.AcceptedDelivery{
		FromPeer: "peer-a", Target: kref.String(), Method: "ping",
	}))

	disp := &fakeDispatcher{}
	runner := New(ks, disp, nil)
	// advance the round counter so the next ProcessOne call lands on the
	// one-in-localBias tick that promotes the acceptance queue
	runner.round = localBias - 1

	ran, err := runner.ProcessOne(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	require.Len(t, disp.calls, 1)
	require.Equal(t, "ping", disp.calls[0].Method)
}

func TestProcessOneReturnsFalseWhenEmpty(t *testing.T) {
	ks := newTestStore(t)
	disp := &fakeDispatcher{}
	runner := New(ks, disp, nil)

	ran, err := runner.ProcessOne(context.Background())
	require.NoError(t, err)
	require.False(t, ran)
}

func TestFailingDeliveryTerminatesVatAndRejectsPromises(t *testing.T) {
	ks := newTestStore(t)
	vatID := mustVat(t, ks)

	kref, err := ks.NextKref(types.KindObject)
	require.NoError(t, err)
	_, err = ks.AdjustRefcount(kref, types.Reachable, 1, vatID, "o+1")
	require.NoError(t, err)

	prom, err := ks.InitPromise(vatID)
	require.NoError(t, err)

	require.NoError(t, ks.Enqueue(types.RunqueueEntry{Kind: types.EntrySend, Target: kref.String(), Method: "boom"}))

	disp := &fakeDispatcher{err: errors.New("supervisor crashed")}
	runner := New(ks, disp, nil)

	ran, err := runner.ProcessOne(context.Background())
	require.True(t, ran)
	require.Error(t, err)

	v, err := ks.GetVat(vatID)
	require.NoError(t, err)
	require.Equal(t, types.VatTerminated, v.Status)

	updated, err := ks.GetPromise(prom.Kref)
	require.NoError(t, err)
	require.Equal(t, types.PromiseRejected, updated.State)
}

func TestBringOutYourDeadRoutesDropAndRetireVrefs(t *testing.T) {
	ks := newTestStore(t)
	vatID := mustVat(t, ks)

	kref, err := ks.NextKref(types.KindObject)
	require.NoError(t, err)
	vref := types.VRef(types.KindObject, 1, types.DirImported)
	require.NoError(t, ks.ClistExport(vatID, kref, vref))
	_, err = ks.AdjustRefcount(kref, types.Reachable, 1, vatID, "")
	require.NoError(t, err)
	_, err = ks.AdjustRefcount(kref, types.Recognizable, 1, vatID, "")
	require.NoError(t, err)

	require.NoError(t, ks.Enqueue(types.RunqueueEntry{Kind: types.EntryBringOutYourDead, Vat: vatID}))

	disp := &fakeDispatcher{result: DeliveryResult{DropVrefs: []types.Ref{vref}}}
	runner := New(ks, disp, nil)

	ran, err := runner.ProcessOne(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	obj, err := ks.GetObject(kref)
	require.NoError(t, err)
	require.Equal(t, int64(0), obj.ReachableCount)
	require.Equal(t, int64(1), obj.RecognizableCount)
}

// TestFailedSweepRollsBackPartialDrops exercises the atomicity property
// from spec.md §8: bringOutYourDead reports two vrefs to drop, the first
// translates fine and decrements its object's refcount, the second has
// no clist entry and errors. The whole crank must roll back as one unit
// — the first vref's refcount decrement must not survive even though it
// happened before the error.
func TestFailedSweepRollsBackPartialDrops(t *testing.T) {
	ks := newTestStore(t)
	vatID := mustVat(t, ks)

	kref, err := ks.NextKref(types.KindObject)
	require.NoError(t, err)
	goodVref := types.VRef(types.KindObject, 1, types.DirImported)
	require.NoError(t, ks.ClistExport(vatID, kref, goodVref))
	_, err = ks.AdjustRefcount(kref, types.Reachable, 1, vatID, "")
	require.NoError(t, err)

	badVref := types.VRef(types.KindObject, 99, types.DirImported)

	require.NoError(t, ks.Enqueue(types.RunqueueEntry{Kind: types.EntryBringOutYourDead, Vat: vatID}))

	disp := &fakeDispatcher{result: DeliveryResult{DropVrefs: []types.Ref{goodVref, badVref}}}
	runner := New(ks, disp, nil)

	ran, err := runner.ProcessOne(context.Background())
	require.True(t, ran)
	require.Error(t, err)

	obj, err := ks.GetObject(kref)
	require.NoError(t, err)
	require.Equal(t, int64(1), obj.ReachableCount, "the good vref's drop must roll back with the rest of the failed crank")
}

func TestUnknownRunqueueEntryKindErrors(t *testing.T) {
	ks := newTestStore(t)
	disp := &fakeDispatcher{}
	runner := New(ks, disp, nil)

	err := runner.runCrank(context.Background(), types.RunqueueEntry{Kind: "bogus"})
	require.Error(t, err)
}
