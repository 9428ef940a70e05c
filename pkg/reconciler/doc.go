/*
Package reconciler converges the persisted state of sessions, agents,
and inference endpoints with reality, one pass per interval.

The scheduler stops at SCHEDULED; everything after that is this
package's job. A pass runs the loops in stage order:

	check_precond    SCHEDULED -> PREPARING -> PREPARED (image pulls)
	start            PREPARED -> CREATING -> RUNNING (create_kernels)
	terminal_sweep   TERMINATING -> TERMINATED (destroy + release)
	force_terminate  stuck PREPARING/TERMINATING past hang tolerance
	route_health     ping replica kernels, HEALTHY/UNHEALTHY routes
	autoscale        endpoint rules, scale up/down, DESTROYING teardown
	zombie_sweep     routings whose endpoint or session is gone
	agent_sweep      ALIVE -> LOST past the heartbeat timeout
	counter_drift    rescan fast counters diverged from the table
	sync_stats       kernel statistics pull (optional)

Every loop tolerates per-item failures: an RPC error on one session is
logged, recorded on that session, and never stops the rest of the pass.
A failed image pull burns one retry and cancels the session once the
budget is gone. A failed start follows the configured policy, either
cancelling outright or requeueing to SCHEDULED for a bounded number of
attempts.

Starting a session attaches its vfolders through the storage proxy
before any container is created; a mount refusal is session-fatal and
cancels instead of requeueing. Termination closes the books in a fixed
order: containers destroyed best-effort, vfolders unmounted, reservations
released inside one transaction, concurrency counter refunded, terminal
event broadcast. The counter refund detects underflow and repairs the
drift with a full rescan from the sessions table; the counter_drift
sweep additionally catches inflated counters, which no decrement ever
trips over, by comparing every stored pair against the table.

Endpoint scale-up is split in two: the autoscale loop creates routings
and emits one anycast event per routing; the route-provisioner consumer
creates the replica session, binds it to the routing, and wakes the
scheduler. Exactly one manager replica consumes each event, so replicas
never double-provision.
*/
package reconciler
