package kernelstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ocapkernel/pkg/store"
	"github.com/cuemby/ocapkernel/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestVatCRUD(t *testing.T) {
	s := newTestStore(t)

	id, err := s.NextVatID()
	require.NoError(t, err)
	assert.Equal(t, "v1", id)

	v := &types.VatRecord{ID: id, BundleRef: "bundle://x"}
	require.NoError(t, s.CreateVat(v))

	got, err := s.GetVat(id)
	require.NoError(t, err)
	assert.Equal(t, "bundle://x", got.BundleRef)

	_, err = s.GetVat("v999")
	require.Error(t, err)

	require.NoError(t, s.DeleteVat(id))
	_, err = s.GetVat(id)
	require.Error(t, err)
}

func TestClistBijection(t *testing.T) {
	s := newTestStore(t)

	kref := types.KObj(5)
	vref := types.VRef(types.KindObject, 1, types.DirExported)

	require.NoError(t, s.ClistExport("v1", kref, vref))

	gotVref, ok, err := s.ClistLookupByKref("v1", kref)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, vref, gotVref)

	gotKref, ok, err := s.ClistLookupByVref("v1", vref)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, kref, gotKref)

	require.NoError(t, s.ClistDrop("v1", kref))
	_, ok, err = s.ClistLookupByKref("v1", kref)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAdjustRefcountUnderflowErrors(t *testing.T) {
	s := newTestStore(t)
	kref := types.KObj(1)

	_, err := s.AdjustRefcount(kref, types.Reachable, 1, "v1", "o+1")
	require.NoError(t, err)

	_, err = s.AdjustRefcount(kref, types.Reachable, -5, "v1", "o+1")
	require.Error(t, err)
}

func TestPromiseLifecycle(t *testing.T) {
	s := newTestStore(t)

	p, err := s.InitPromise("v1")
	require.NoError(t, err)
	assert.Equal(t, types.PromiseUnresolved, p.State)

	require.NoError(t, s.EnqueueMessage(p.Kref, types.QueuedMessage{Method: "foo"}))
	require.NoError(t, s.Subscribe(p.Kref, "v2"))

	resolved, err := s.ResolvePromise(p.Kref, types.CapData{Body: "null"}, false)
	require.NoError(t, err)
	assert.Equal(t, types.PromiseFulfilled, resolved.State)
	assert.Len(t, resolved.Queue, 1)
	assert.Equal(t, []string{"v2"}, resolved.Subscribers)

	_, err = s.ResolvePromise(p.Kref, types.CapData{Body: "null"}, false)
	require.Error(t, err)

	require.NoError(t, s.RemovePromise(p.Kref))
	_, err = s.GetPromise(p.Kref)
	require.Error(t, err)
}

func TestRunqueueFIFOOrder(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Enqueue(types.RunqueueEntry{Kind: types.EntrySend, Method: "first"}))
	require.NoError(t, s.Enqueue(types.RunqueueEntry{Kind: types.EntrySend, Method: "second"}))

	depth, err := s.RunqueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	e1, ok, err := s.Dequeue()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", e1.Method)

	e2, ok, err := s.Dequeue()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", e2.Method)

	_, ok, err = s.Dequeue()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGCActionCoalescing(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.EnqueueGCAction(types.GCDrop, "v1", []string{"ko1", "ko2"}))
	require.NoError(t, s.EnqueueGCAction(types.GCDrop, "v1", []string{"ko2", "ko3"}))

	actions, err := s.DrainGCActions()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.ElementsMatch(t, []string{"ko1", "ko2", "ko3"}, actions[0].Krefs)

	actions, err = s.DrainGCActions()
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestAcceptanceQueueFIFOOrder(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AcceptDelivery(types.AcceptedDelivery{FromPeer: "p1", Target: "ko1", Method: "first"}))
	require.NoError(t, s.AcceptDelivery(types.AcceptedDelivery{FromPeer: "p1", Target: "ko1", Method: "second"}))

	depth, err := s.AcceptanceQueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	d1, ok, err := s.DequeueAcceptance()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", d1.Method)

	d2, ok, err := s.DequeueAcceptance()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", d2.Method)

	_, ok, err = s.DequeueAcceptance()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPeerRecordCRUD(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.GetPeer("peer-a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SavePeer(&types.PeerRecord{PeerID: "peer-a", Incarnation: 1}))
	require.NoError(t, s.SavePeer(&types.PeerRecord{PeerID: "peer-b", Incarnation: 4}))

	got, ok, err := s.GetPeer("peer-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1, got.Incarnation)

	peers, err := s.ListPeers()
	require.NoError(t, err)
	assert.Len(t, peers, 2)
}

func TestSwissnumRecordCRUD(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveSwissnum(&types.SwissnumRecord{Swissnum: "abc123", Kref: "ko1"}))

	got, ok, err := s.GetSwissnum("abc123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ko1", got.Kref)
	assert.False(t, got.Revoked)

	got.Revoked = true
	require.NoError(t, s.SaveSwissnum(got))

	got, ok, err = s.GetSwissnum("abc123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Revoked)

	all, err := s.ListSwissnums()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRemoteBindingReused(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.GetRemoteBinding("peer-a", "swiss1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveRemoteBinding("peer-a", "swiss1", "r1"))

	kref, ok, err := s.GetRemoteBinding("peer-a", "swiss1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r1", kref)
}

func TestIncarnationBumpsMonotonically(t *testing.T) {
	s := newTestStore(t)

	n, err := s.Incarnation()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	n, err = s.BumpIncarnation()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.BumpIncarnation()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestCrankTransactionCommits(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.BeginCrank())
	require.NoError(t, s.CreateVat(&types.VatRecord{ID: "v1", Status: types.VatRunning}))
	require.NoError(t, s.CommitCrank())

	v, err := s.GetVat("v1")
	require.NoError(t, err)
	assert.Equal(t, types.VatRunning, v.Status)
}

func TestCrankTransactionRollsBackEntirely(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateVat(&types.VatRecord{ID: "v1", Status: types.VatRunning}))

	kref, err := s.NextKref(types.KindObject)
	require.NoError(t, err)

	require.NoError(t, s.BeginCrank())
	v, err := s.GetVat("v1")
	require.NoError(t, err)
	v.Status = types.VatTerminated
	require.NoError(t, s.UpdateVat(v))
	require.NoError(t, s.PutObject(&types.ObjectRecord{Kref: kref.String(), OwnerVat: "v1"}))
	require.NoError(t, s.RollbackCrank())

	// neither write made inside the aborted crank should be visible
	v, err = s.GetVat("v1")
	require.NoError(t, err)
	assert.Equal(t, types.VatRunning, v.Status)

	_, err = s.GetObject(kref)
	require.Error(t, err)
}

func TestCommitCrankWithoutBeginErrors(t *testing.T) {
	s := newTestStore(t)
	require.Error(t, s.CommitCrank())
	require.Error(t, s.RollbackCrank())
}
