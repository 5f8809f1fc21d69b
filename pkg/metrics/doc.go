/*
Package metrics exposes the Prometheus collectors and health endpoints of a
hive process.

All collectors use the hive_ prefix and are registered with the default
registry in init, so importing the package is enough for Handler to serve
them. Counters and histograms are updated inline by the components that own
the events (the scheduler counts dispatches, the driver counts failures and
resubmissions, the heartbeat monitor counts failed probes). Gauges describing
the whole grid are refreshed by a Collector that periodically pulls a Stats
value from the driver.

# Health

Components report their state with RegisterComponent and UpdateComponent.
GetHealth is unhealthy as soon as any component is; GetReadiness additionally
requires the critical components (reactor, scheduler, storage) to be
registered. HealthHandler, ReadyHandler and LivenessHandler serve these as
JSON for /health, /ready and /live.

# Timing

	timer := metrics.NewTimer()
	dispatched := s.dispatchOnce()
	if dispatched {
		timer.ObserveDuration(metrics.DispatchLatency)
	}
*/
package metrics
