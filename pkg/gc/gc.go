// Package gc implements cross-vat reference counting and the periodic
// bringOutYourDead sweep described in spec §4.5: drop decrements an
// object's reachable count while its recognizable count survives; retire
// (implying drop) additionally drops recognizable to zero and tells any
// remaining importers to forget the kref.
package gc

import (
	"sync"
	"time"

	"github.com/cuemby/ocapkernel/pkg/clist"
	"github.com/cuemby/ocapkernel/pkg/kernelerr"
	"github.com/cuemby/ocapkernel/pkg/kernelstore"
	"github.com/cuemby/ocapkernel/pkg/kevents"
	"github.com/cuemby/ocapkernel/pkg/log"
	"github.com/cuemby/ocapkernel/pkg/metrics"
	"github.com/cuemby/ocapkernel/pkg/types"
	"github.com/rs/zerolog"
)

// Collector tracks refcounts and schedules GC sweeps across the kernel's
// vat population.
type Collector struct {
	store  *kernelstore.Store
	events *kevents.Broker
	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}
}

// New returns a Collector over store, publishing sweep completion events
// to events (which may be nil if nothing needs to observe them).
func New(store *kernelstore.Store, events *kevents.Broker) *Collector {
	return &Collector{
		store:  store,
		events: events,
		logger: log.WithComponent("gc"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the periodic sweep scheduler on a 30-second interval,
// matching the cadence the teacher's reconciler used for its own
// health-driven cleanup loop.
func (c *Collector) Start() {
	go c.run()
}

// Stop halts the sweep scheduler.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	c.logger.Info().Msg("gc sweep scheduler started")

	for {
		select {
		case <-ticker.C:
			if err := c.ScheduleSweeps(); err != nil {
				c.logger.Error().Err(err).Msg("failed to schedule bringOutYourDead sweeps")
			}
		case <-c.stopCh:
			c.logger.Info().Msg("gc sweep scheduler stopped")
			return
		}
	}
}

// ScheduleSweeps enqueues one bringOutYourDead entry per live vat.
func (c *Collector) ScheduleSweeps() error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.GCSweepDuration)

	vats, err := c.store.ListVats()
	if err != nil {
		return err
	}
	for _, v := range vats {
		if err := c.store.Enqueue(types.RunqueueEntry{Kind: types.EntryBringOutYourDead, Vat: v.ID}); err != nil {
			return err
		}
	}
	metrics.GCSweepsTotal.Inc()
	if c.events != nil {
		c.events.Publish(&kevents.Event{Type: kevents.GCSweepCompleted, Message: "sweep scheduled for all vats"})
	}
	return nil
}

// DropImports decrements the reachable count for each kref vatID's
// vrefs resolve to, leaving recognizable untouched (spec §4.5: "the vat
// still recognizes the kref"), and coalesces a drop GC action toward the
// object's owning vat.
func (c *Collector) DropImports(vatID string, vrefs []types.Ref) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tbl := clist.For(c.store, vatID)
	for _, vref := range vrefs {
		kref, err := tbl.Translate(vref)
		if err != nil {
			return err
		}
		obj, err := c.store.AdjustRefcount(kref, types.Reachable, -1, "", "")
		if err != nil {
			return err
		}
		if err := c.store.EnqueueGCAction(types.GCDrop, obj.OwnerVat, []string{kref.String()}); err != nil {
			return err
		}
		metrics.GCObjectsCollectedTotal.Inc()
	}
	return nil
}

// RetireImports drops vatID's clist entries for vrefs entirely and
// decrements each kref's recognizable count; retire implies drop, per
// spec §4.5 policy.
func (c *Collector) RetireImports(vatID string, vrefs []types.Ref) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tbl := clist.For(c.store, vatID)
	for _, vref := range vrefs {
		kref, err := tbl.Translate(vref)
		if err != nil {
			return err
		}
		obj, err := tbl.Drop(kref)
		if err != nil {
			return err
		}
		obj, err = c.store.AdjustRefcount(kref, types.Recognizable, -1, obj.OwnerVat, obj.ExportVref)
		if err != nil {
			return err
		}
		if err := c.store.EnqueueGCAction(types.GCRetire, obj.OwnerVat, []string{kref.String()}); err != nil {
			return err
		}
		if obj.ReachableCount > obj.RecognizableCount {
			return kernelerr.New(kernelerr.InconsistentRefcount, "reachable exceeds recognizable for "+kref.String())
		}
	}
	return nil
}

// DrainActions removes and returns every coalesced GC action accumulated
// since the last drain, for the crank runner to deliver as deliveries.
func (c *Collector) DrainActions() ([]types.RunqueueEntry, error) {
	return c.store.DrainGCActions()
}
