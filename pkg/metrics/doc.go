// Package metrics defines and registers the Prometheus metrics exposed by
// the agentrun host daemon: deployment counts and phase durations, fetch
// and package-cache hit rates, environment build/eviction counters, port
// pool utilization, agent crashes, and control API
// request counts. Collector snapshots the point-in-time gauges (current
// deployment counts by status) on a timer; everything else is updated
// inline by the component that owns the event.
package metrics
