package metrics

import (
	"time"

	"github.com/cuemby/ocapkernel/pkg/kernelstore"
	"github.com/cuemby/ocapkernel/pkg/types"
)

// HAStatusProvider exposes just enough of the replication layer for the
// collector to report leadership and log-position gauges, without this
// package importing pkg/harft directly.
type HAStatusProvider interface {
	IsLeader() bool
	Stats() map[string]any
}

// Collector periodically samples kernel state and updates the package's
// Prometheus gauges, the way the teacher's collector polled its manager
// on a fixed tick instead of updating gauges inline on every mutation.
type Collector struct {
	store  *kernelstore.Store
	ha     HAStatusProvider
	stopCh chan struct{}
}

// NewCollector creates a metrics collector over store. ha may be nil
// until an HA replication layer is attached.
func NewCollector(store *kernelstore.Store, ha HAStatusProvider) *Collector {
	return &Collector{
		store:  store,
		ha:     ha,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15-second interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectVatMetrics()
	c.collectSubclusterMetrics()
	c.collectObjectMetrics()
	c.collectPromiseMetrics()
	c.collectQueueMetrics()
	c.collectHAMetrics()
}

func (c *Collector) collectVatMetrics() {
	vats, err := c.store.ListVats()
	if err != nil {
		return
	}

	counts := make(map[types.VatStatus]int)
	for _, v := range vats {
		counts[v.Status]++
	}
	for status, n := range counts {
		VatsTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (c *Collector) collectSubclusterMetrics() {
	subs, err := c.store.ListSubclusters()
	if err != nil {
		return
	}
	SubclustersTotal.Set(float64(len(subs)))
}

func (c *Collector) collectObjectMetrics() {
	count, err := c.store.CountObjects()
	if err != nil {
		return
	}
	KernelObjectsTotal.Set(float64(count))
}

func (c *Collector) collectPromiseMetrics() {
	promises, err := c.store.ListPromises()
	if err != nil {
		return
	}
	var unresolved int
	for _, p := range promises {
		if p.State == types.PromiseUnresolved {
			unresolved++
		}
	}
	PromisesUnresolvedTotal.Set(float64(unresolved))
}

func (c *Collector) collectQueueMetrics() {
	if depth, err := c.store.RunqueueDepth(); err == nil {
		RunqueueDepth.Set(float64(depth))
	}
	if depth, err := c.store.AcceptanceQueueDepth(); err == nil {
		AcceptanceQueueDepth.Set(float64(depth))
	}
}

func (c *Collector) collectHAMetrics() {
	if c.ha == nil {
		return
	}

	if c.ha.IsLeader() {
		HALeader.Set(1)
	} else {
		HALeader.Set(0)
	}

	stats := c.ha.Stats()
	if stats == nil {
		return
	}
	if appliedIndex, ok := stats["applied_index"].(uint64); ok {
		HAAppliedIndex.Set(float64(appliedIndex))
	}
	if peers, ok := stats["peers"].(int); ok {
		HAPeers.Set(float64(peers))
	}
}
