// Package kevents is the kernel's internal event broker: a channel-based
// pub/sub used to surface crank completions, vat lifecycle transitions, and
// GC sweeps to the Facade and to metrics collectors without coupling those
// consumers to the crank runner itself.
package kevents

import (
	"sync"
	"time"
)

// Type identifies the kind of kernel event.
type Type string

const (
	VatLaunched      Type = "vat.launched"
	VatTerminated    Type = "vat.terminated"
	VatCrashed       Type = "vat.crashed"
	SubclusterUp     Type = "subcluster.up"
	SubclusterDown   Type = "subcluster.down"
	CrankCompleted   Type = "crank.completed"
	PromiseResolved  Type = "promise.resolved"
	PromiseRejected  Type = "promise.rejected"
	GCSweepCompleted Type = "gc.sweep_completed"
	PeerConnected    Type = "peer.connected"
	PeerLost         Type = "peer.lost"
	SupervisorUp     Type = "supervisor.connected"
	SupervisorDown   Type = "supervisor.disconnected"
)

// Event is one occurrence published on the broker.
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker distributes events to any number of subscribers, dropping for a
// subscriber whose buffer is full rather than blocking the crank runner.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates an event broker with an internal queue of 100 events.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts distribution. Publish after Stop returns without blocking
// and its event is never delivered; Subscribe after Stop still returns a
// channel, which receives nothing.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe opens a new subscription with a 50-event buffer.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe closes sub and removes it from the distribution set.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish enqueues event for distribution, stamping Timestamp if unset.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// subscriber buffer full, drop rather than block the broker
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
