/*
Package metrics provides Prometheus metrics collection and exposition for
the kernel.

The metrics package defines and registers all kernel metrics using the
Prometheus client library, providing observability into vat population,
crank throughput, GC sweep cost, and the HA replication and Facade RPC
surfaces. Metrics are exposed via an HTTP endpoint for scraping by
Prometheus servers.

# Metrics Catalog

Vat population:

ocapkernel_vats_total{status}:
  - Type: GaugeVec
  - Description: Total vats by status (starting/running/terminated)

ocapkernel_subclusters_total:
  - Type: Gauge
  - Description: Total number of active subclusters

Kernel store:

ocapkernel_objects_total:
  - Type: Gauge
  - Description: Total kernel object records (krefs), including any whose
    refcounts have reached zero

ocapkernel_promises_unresolved_total:
  - Type: Gauge
  - Description: Total unresolved promises

ocapkernel_runqueue_depth, ocapkernel_acceptance_queue_depth:
  - Type: Gauge
  - Description: Entries waiting on the run queue / acceptance queue

HA replication (raft):

ocapkernel_ha_is_leader, ocapkernel_ha_peers_total,
ocapkernel_ha_applied_index, ocapkernel_ha_apply_duration_seconds:
  - Type: Gauge / Gauge / Gauge / Histogram
  - Description: leader status, peer count, applied log index, apply latency

Facade RPC surface:

ocapkernel_facade_requests_total{method, status},
ocapkernel_facade_request_duration_seconds{method}:
  - Type: CounterVec / HistogramVec
  - Description: Facade JSON-RPC request count and latency per method

Crank runner:

ocapkernel_crank_duration_seconds, ocapkernel_cranks_completed_total,
ocapkernel_cranks_failed_total:
  - Type: Histogram / Counter / Counter
  - Description: per-crank latency, completed cranks, aborted cranks

Vat lifecycle:

ocapkernel_vat_launch_duration_seconds,
ocapkernel_vat_terminate_duration_seconds,
ocapkernel_vat_restarts_total:
  - Type: Histogram / Histogram / Counter

GC:

ocapkernel_gc_sweep_duration_seconds, ocapkernel_gc_sweeps_total,
ocapkernel_gc_objects_collected_total:
  - Type: Histogram / Counter / Counter
  - Description: bringOutYourDead sweep latency, sweep count, objects collected

Remote comms:

ocapkernel_remote_peers_total,
ocapkernel_remote_deliveries_total{direction, status}:
  - Type: Gauge / CounterVec

Vat supervisor stream:

ocapkernel_supervisor_connections_total,
ocapkernel_supervisor_delivery_duration_seconds:
  - Type: Gauge / Histogram
  - Description: live supervisor streams, Delivery round-trip time

# Usage

	import "github.com/cuemby/ocapkernel/pkg/metrics"

	metrics.VatsTotal.WithLabelValues("running").Set(5)
	metrics.CranksCompletedTotal.Inc()

	timer := metrics.NewTimer()
	runCrank()
	timer.ObserveDuration(metrics.CrankDuration)

	http.Handle("/metrics", metrics.Handler())

# Design Patterns

All metrics are registered once in this package's init() via
prometheus.MustRegister, which panics on duplicate registration; no
runtime registration is needed by callers. Labels are kept to
low-cardinality values (status, method, direction) — krefs, vat IDs, and
other unbounded identifiers never appear as label values.
*/
package metrics
