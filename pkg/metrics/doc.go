/*
Package metrics exposes Prometheus collectors for the Sokovan manager.

Collectors are package-level variables registered in init; loops record
durations through the Timer helper:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulerTickDuration.WithLabelValues(sg))

The Handler function returns the promhttp handler served from the
metrics listen address configured in the manager.
*/
package metrics
