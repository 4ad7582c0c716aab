package e2e

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/ocapkernel/test/framework"
)

// TestGCSweepKeepsKernelHealthy exercises the periodic bringOutYourDead
// sweep scheduler across a couple of its cycles: every live vat gets a
// bringOutYourDead crank enqueued on a fixed interval regardless of
// whether anything is actually collectable, and those cranks must drain
// cleanly without leaving the run queue stuck or a vat unresponsive.
//
// Skipped in short mode since it spans multiple real 30-second sweep
// intervals.
func TestGCSweepKeepsKernelHealthy(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping GC sweep cycle test in short mode")
	}

	node := startTestNode(t, "gc-sweep")
	defer func() { _ = node.Stop() }()

	assert := framework.NewAssertions(t)
	ctx := context.Background()

	waiter := framework.NewWaiter(90*time.Second, time.Second)

	vatID, rootKref, err := node.Client.LaunchVat(ctx, framework.VatSpec{Program: "counter"})
	assert.NoError(err, "launch counter vat")
	if err := waiter.WaitForVatHealthy(ctx, node.Client, vatID); err != nil {
		t.Fatalf("counter vat never became healthy: %v", err)
	}

	assert.Step("Waiting out two bringOutYourDead sweep cycles")
	time.Sleep(65 * time.Second)

	assert.Step("Confirming queues drained and the vat is still responsive")
	if err := waiter.WaitForQueueDrained(ctx, node.Client); err != nil {
		t.Fatalf("queues did not drain after sweep cycles: %v", err)
	}
	if err := waiter.WaitForVatHealthy(ctx, node.Client, vatID); err != nil {
		t.Fatalf("vat stopped answering healthy after sweep cycles: %v", err)
	}

	resolution, isRejection, err := node.Client.Send(ctx, rootKref, "read", nil)
	assert.NoError(err, "read call after sweep cycles")
	assert.NotRejection(isRejection, resolution, "read call after sweep cycles")
	if got := asNumber(t, resolution); got != 0 {
		t.Fatalf("expected counter to still read 0 after idling through sweeps, got %v", got)
	}
}

// TestGCRetiresImportOnVatTermination exercises the refcount half of
// bringOutYourDead directly: a vat that imports another vat's root
// object bumps its reachable/recognizable counts, and terminating the
// importing vat and rejecting its outstanding promises leaves the
// target object still inspectable (ownership never transferred) with
// its export-side recognizable count intact.
func TestGCRetiresImportOnVatTermination(t *testing.T) {
	node := startTestNode(t, "gc-retire")
	defer func() { _ = node.Stop() }()

	assert := framework.NewAssertions(t)
	waiter := framework.DefaultWaiter()
	ctx := context.Background()

	targetVatID, targetRootKref, err := node.Client.LaunchVat(ctx, framework.VatSpec{Program: "counter"})
	assert.NoError(err, "launch target counter vat")
	if err := waiter.WaitForVatHealthy(ctx, node.Client, targetVatID); err != nil {
		t.Fatalf("target vat never became healthy: %v", err)
	}

	importingVatID, importingRootKref, err := node.Client.LaunchVat(ctx, framework.VatSpec{Program: "echo"})
	assert.NoError(err, "launch importing echo vat")
	if err := waiter.WaitForVatHealthy(ctx, node.Client, importingVatID); err != nil {
		t.Fatalf("importing vat never became healthy: %v", err)
	}

	before, err := node.Client.Inspect(ctx, targetRootKref)
	assert.NoError(err, "inspect target object before introduction")
	beforeCount := objectReachableCount(t, before)

	assert.Step("Importing the target's root object into the echo vat")
	_, isRejection, err := node.Client.SendRef(ctx, importingRootKref, "hold", targetRootKref)
	assert.NoError(err, "introduce target into importing vat")
	assert.NotRejection(isRejection, nil, "introduction send")

	after, err := node.Client.Inspect(ctx, targetRootKref)
	assert.NoError(err, "inspect target object after introduction")
	afterCount := objectReachableCount(t, after)
	if afterCount <= beforeCount {
		t.Fatalf("expected reachable count to increase after import, before=%d after=%d", beforeCount, afterCount)
	}

	assert.Step("Terminating the importing vat")
	assert.NoError(node.Client.TerminateVat(ctx, importingVatID), "terminate importing vat")

	if err := waiter.WaitForVatUnhealthy(ctx, node.Client, importingVatID); err != nil {
		t.Fatalf("importing vat still answers healthy after termination: %v", err)
	}

	assert.Step("Confirming the target object is still inspectable")
	if _, err := node.Client.Inspect(ctx, targetRootKref); err != nil {
		t.Fatalf("target object no longer inspectable after importer's termination: %v", err)
	}
}

// objectReachableCount unmarshals the raw object record Inspect returns
// for a KindObject kref and reports its reachable refcount.
func objectReachableCount(t *testing.T, raw json.RawMessage) int64 {
	t.Helper()
	var rec struct {
		ReachableCount int64 `json:"ReachableCount"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("decode object record: %v", err)
	}
	return rec.ReachableCount
}
