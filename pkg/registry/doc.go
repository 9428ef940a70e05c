/*
Package registry provides PostgreSQL-backed state persistence for the
Sokovan scheduler and reconciler.

The registry is the single persistence boundary of the manager: scheduler
stages and reconciler loops never touch storage directly, every read and
write goes through the Registry interface. PostgreSQL is the source of
truth for sessions, kernels, agents, policies, endpoints and routings,
while per-keypair concurrency counters live in Redis so admission checks
stay off the relational hot path.

# Architecture

	┌──────────────────── REGISTRY ─────────────────────┐
	│                                                    │
	│  ┌──────────────────────────────────────────┐     │
	│  │          Registry interface               │     │
	│  │  scheduling reads / reservations /        │     │
	│  │  status transitions / lifecycle reads /   │     │
	│  │  endpoints / fast counters                │     │
	│  └───────────────┬──────────────────────────┘     │
	│                  │                                 │
	│  ┌───────────────▼──────────────┐  ┌────────────┐ │
	│  │        PG (sqlx + pgx)        │  │   Redis    │ │
	│  │  sessions, kernels, agents,   │  │ keypair.   │ │
	│  │  policies, endpoints,         │  │ concurrency│ │
	│  │  routings                     │  │ counters   │ │
	│  └──────────────────────────────┘  └────────────┘ │
	└───────────────────────────────────────────────────┘

# Transactions

InTransaction scopes a Registry to one relational transaction; nested
calls reuse the enclosing transaction, so a reservation and its
compensating release commit or roll back together. Reads go through a
small bounded retry with jitter; writes are never retried, their
idempotence is handled at the statement level instead:

  - Finalize* re-applied after a successful commit is a no-op guarded by
    the session's status.
  - ReleaseSessionResources is guarded by a per-kernel released flag, so
    repeated terminal sweeps release each reservation exactly once.

# Counters

Keypair concurrency lives in Redis under keypair.concurrency_used.<ak>
and keypair.sftp_concurrency_used.<ak>. Decrements clamp at zero and
report the underflow as a ConsistencyError; RescanConcurrency re-derives
both buckets from the sessions table when drift is detected or the
counters were flushed.
*/
package registry
