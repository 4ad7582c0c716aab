package vatprogram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ocapkernel/pkg/supervisor"
	"github.com/cuemby/ocapkernel/pkg/types"
)

// fakeIssuer is an in-memory supervisor.SyscallIssuer double backing only
// vatstoreGet/vatstoreSet, enough to exercise counterProgram without a
// real kernel connection.
type fakeIssuer struct {
	store map[string][]byte
}

func newFakeIssuer() *fakeIssuer { return &fakeIssuer{store: map[string][]byte{}} }

func (f *fakeIssuer) Syscall(sc supervisor.Syscall) supervisor.SyscallResult {
	switch sc.Kind {
	case "vatstoreGet":
		v, ok := f.store[sc.Key]
		return supervisor.SyscallResult{ID: sc.ID, Value: v, Found: ok}
	case "vatstoreSet":
		f.store[sc.Key] = sc.Value
		return supervisor.SyscallResult{ID: sc.ID}
	default:
		return supervisor.SyscallResult{ID: sc.ID, Error: "unsupported syscall in fake: " + sc.Kind}
	}
}

func TestEchoProgramReturnsArgsUnchanged(t *testing.T) {
	p, err := New("echo")
	require.NoError(t, err)

	args := types.CapData{Body: `"hello"`}
	result, isRejection, err := p.Deliver(context.Background(), "o+1", "ping", args, newFakeIssuer())
	require.NoError(t, err)
	require.False(t, isRejection)
	require.Equal(t, args, result)
}

func TestCounterProgramIncrementsAcrossDeliveries(t *testing.T) {
	p, err := New("counter")
	require.NoError(t, err)
	issuer := newFakeIssuer()
	ctx := context.Background()

	require.NoError(t, p.Start(ctx, issuer, nil))

	r1, _, err := p.Deliver(ctx, "o+1", "increment", types.CapData{}, issuer)
	require.NoError(t, err)
	require.Equal(t, "1", r1.Body)

	r2, _, err := p.Deliver(ctx, "o+1", "increment", types.CapData{}, issuer)
	require.NoError(t, err)
	require.Equal(t, "2", r2.Body)

	read, _, err := p.Deliver(ctx, "o+1", "read", types.CapData{}, issuer)
	require.NoError(t, err)
	require.Equal(t, "2", read.Body)
}

func TestCounterProgramUnknownMethodRejects(t *testing.T) {
	p, err := New("counter")
	require.NoError(t, err)
	issuer := newFakeIssuer()

	result, isRejection, err := p.Deliver(context.Background(), "o+1", "bogus", types.CapData{}, issuer)
	require.NoError(t, err)
	require.True(t, isRejection)
	require.Contains(t, result.Body, "TypeError")
}

func TestNewUnknownProgramErrors(t *testing.T) {
	_, err := New("does-not-exist")
	require.Error(t, err)
}

func TestRuntimeDispatchesDeliveryKinds(t *testing.T) {
	program, err := New("echo")
	require.NoError(t, err)
	rt := NewRuntime(program, map[string]string{"name": "echo-vat"})
	issuer := newFakeIssuer()
	ctx := context.Background()

	startReply := rt.HandleDelivery(ctx, supervisor.WireDelivery{ID: "1", Kind: "startVat"}, issuer)
	require.True(t, startReply.Resolved)

	sendReply := rt.HandleDelivery(ctx, supervisor.WireDelivery{
		ID: "2", Kind: "send", Target: "o+1", Method: "ping", Args: types.CapData{Body: "1"},
	}, issuer)
	require.True(t, sendReply.Resolved)
	require.Equal(t, "1", sendReply.Resolution.Body)

	boydReply := rt.HandleDelivery(ctx, supervisor.WireDelivery{ID: "3", Kind: "bringOutYourDead"}, issuer)
	require.True(t, boydReply.Resolved)

	unknownReply := rt.HandleDelivery(ctx, supervisor.WireDelivery{ID: "4", Kind: "bogus"}, issuer)
	require.NotEmpty(t, unknownReply.Error)
}
