package kevents

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	require.Equal(t, 1, b.SubscriberCount())

	b.Publish(&Event{ID: "1", Type: VatLaunched, Message: "v1 up"})

	select {
	case ev := <-sub:
		assert.Equal(t, VatLaunched, ev.Type)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	// unsubscribing twice must not panic
	b.Unsubscribe(sub)
}

func TestBrokerDropsWhenSubscriberBufferFull(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for i := 0; i < 200; i++ {
		b.Publish(&Event{ID: "x", Type: CrankCompleted})
	}

	// Should not deadlock or panic; draining should see at most buffer size.
	time.Sleep(50 * time.Millisecond)
	drained := 0
	for {
		select {
		case <-sub:
			drained++
		default:
			assert.LessOrEqual(t, drained, 50)
			return
		}
	}
}
