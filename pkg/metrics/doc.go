/*
Package metrics exposes Prometheus metrics for lattice worlds.

Metrics are package-level collectors registered in init(). The driver embeds
the handler wherever it serves HTTP:

	http.Handle("/metrics", metrics.Handler())

Counters cover tick advancement, replication traffic and history activity;
histograms cover schedule builds, per-system run time and rollback depth.
*/
package metrics
