package e2e

import (
	"context"
	"testing"

	"github.com/cuemby/ocapkernel/pkg/capdata"
	"github.com/cuemby/ocapkernel/test/framework"
)

// TestObjectIntroduction passes one vat's root capability to a second
// vat as a send argument, and confirms the kernel's clist translation
// round-trips the same underlying kernel object: the second vat (an
// echo, which returns whatever it's handed) gets back the exact
// reference it was given, and that reference still answers calls
// against the original vat.
func TestObjectIntroduction(t *testing.T) {
	node := startTestNode(t, "introduction")
	defer func() { _ = node.Stop() }()

	assert := framework.NewAssertions(t)
	waiter := framework.DefaultWaiter()
	ctx := context.Background()

	assert.Step("Launching the counter vat to be introduced")
	counterVatID, counterRootKref, err := node.Client.LaunchVat(ctx, framework.VatSpec{Program: "counter"})
	assert.NoError(err, "launch counter vat")
	if err := waiter.WaitForVatHealthy(ctx, node.Client, counterVatID); err != nil {
		t.Fatalf("counter vat never became healthy: %v", err)
	}

	assert.Step("Launching the echo vat that will receive the introduction")
	echoVatID, echoRootKref, err := node.Client.LaunchVat(ctx, framework.VatSpec{Program: "echo"})
	assert.NoError(err, "launch echo vat")
	if err := waiter.WaitForVatHealthy(ctx, node.Client, echoVatID); err != nil {
		t.Fatalf("echo vat never became healthy: %v", err)
	}

	assert.Step("Introducing the counter's root object to the echo vat")
	resolution, isRejection, err := node.Client.SendRef(ctx, echoRootKref, "introduce", counterRootKref)
	assert.NoError(err, "send introduction")
	assert.NotRejection(isRejection, resolution, "introduction call")

	slot, ok := resolution.(capdata.Slot)
	if !ok {
		t.Fatalf("expected the echo vat to hand back a capability slot, got %T: %v", resolution, resolution)
	}
	introducedKref := slot.Ref.String()
	if introducedKref != counterRootKref {
		t.Fatalf("introduced kref %s does not match the original counter root kref %s", introducedKref, counterRootKref)
	}
	assert.Success("echo vat returned the same kref it was introduced to: " + introducedKref)

	assert.Step("Confirming the introduced reference still reaches the counter vat")
	resolution, isRejection, err = node.Client.Send(ctx, introducedKref, "increment", nil)
	assert.NoError(err, "call introduced reference")
	assert.NotRejection(isRejection, resolution, "increment via introduced reference")
	if got := asNumber(t, resolution); got != 1 {
		t.Fatalf("expected counter to read 1 after one increment, got %v", got)
	}
}
