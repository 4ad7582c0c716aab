// Package metrics exposes the kernel's Prometheus instrumentation: crank
// throughput, vat population, promise table size, GC sweep cost, and the
// HA replication and Facade RPC surfaces.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Vat population
	VatsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ocapkernel_vats_total",
			Help: "Total number of vats by status",
		},
		[]string{"status"},
	)

	SubclustersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ocapkernel_subclusters_total",
			Help: "Total number of active subclusters",
		},
	)

	// Kernel store
	KernelObjectsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ocapkernel_objects_total",
			Help: "Total number of kernel object records (krefs), including any whose refcounts have reached zero",
		},
	)

	PromisesUnresolvedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ocapkernel_promises_unresolved_total",
			Help: "Total number of unresolved promises",
		},
	)

	RunqueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ocapkernel_runqueue_depth",
			Help: "Number of entries waiting on the run queue",
		},
	)

	AcceptanceQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ocapkernel_acceptance_queue_depth",
			Help: "Number of entries waiting on the acceptance queue",
		},
	)

	// HA replication (raft)
	HALeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ocapkernel_ha_is_leader",
			Help: "Whether this kernel process is the HA replication leader (1 = leader, 0 = standby)",
		},
	)

	HAPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ocapkernel_ha_peers_total",
			Help: "Total number of HA replication peers",
		},
	)

	HAAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ocapkernel_ha_applied_index",
			Help: "Last applied HA replication log index",
		},
	)

	HAApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ocapkernel_ha_apply_duration_seconds",
			Help:    "Time taken to apply an HA replication log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Facade RPC surface
	FacadeRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocapkernel_facade_requests_total",
			Help: "Total number of Facade JSON-RPC requests by method and status",
		},
		[]string{"method", "status"},
	)

	FacadeRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ocapkernel_facade_request_duration_seconds",
			Help:    "Facade JSON-RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Crank runner
	CrankDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ocapkernel_crank_duration_seconds",
			Help:    "Time taken to run a single crank in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CranksCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ocapkernel_cranks_completed_total",
			Help: "Total number of cranks completed",
		},
	)

	CranksFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ocapkernel_cranks_failed_total",
			Help: "Total number of cranks that aborted with an error",
		},
	)

	// Vat lifecycle
	VatLaunchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ocapkernel_vat_launch_duration_seconds",
			Help:    "Time taken to launch a vat in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	VatTerminateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ocapkernel_vat_terminate_duration_seconds",
			Help:    "Time taken to terminate a vat in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	VatRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ocapkernel_vat_restarts_total",
			Help: "Total number of vat restarts",
		},
	)

	// GC
	GCSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ocapkernel_gc_sweep_duration_seconds",
			Help:    "Time taken for a bringOutYourDead sweep in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	GCSweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ocapkernel_gc_sweeps_total",
			Help: "Total number of GC sweep cycles completed",
		},
	)

	GCObjectsCollectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ocapkernel_gc_objects_collected_total",
			Help: "Total number of objects dropped or retired by GC",
		},
	)

	// Remote comms
	RemotePeersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ocapkernel_remote_peers_total",
			Help: "Total number of known remote peers",
		},
	)

	RemoteDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocapkernel_remote_deliveries_total",
			Help: "Total number of remoteDeliver messages by direction and status",
		},
		[]string{"direction", "status"},
	)

	// Vat supervisor stream
	SupervisorConnectionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ocapkernel_supervisor_connections_total",
			Help: "Number of vats with a live supervisor stream",
		},
	)

	SupervisorDeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ocapkernel_supervisor_delivery_duration_seconds",
			Help:    "Round-trip time from sending a Delivery to receiving its Reply",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		VatsTotal,
		SubclustersTotal,
		KernelObjectsTotal,
		PromisesUnresolvedTotal,
		RunqueueDepth,
		AcceptanceQueueDepth,
		HALeader,
		HAPeers,
		HAAppliedIndex,
		HAApplyDuration,
		FacadeRequestsTotal,
		FacadeRequestDuration,
		CrankDuration,
		CranksCompletedTotal,
		CranksFailedTotal,
		VatLaunchDuration,
		VatTerminateDuration,
		VatRestartsTotal,
		GCSweepDuration,
		GCSweepsTotal,
		GCObjectsCollectedTotal,
		RemotePeersTotal,
		RemoteDeliveriesTotal,
		SupervisorConnectionsTotal,
		SupervisorDeliveryDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall-clock time for an in-flight operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
