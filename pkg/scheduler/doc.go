/*
Package scheduler advances pending sessions to SCHEDULED.

One tick covers one scaling group and runs under a fail-fast distributed
lock, so multiple manager replicas degrade to one driver per group per
tick. The pipeline per tick:

 1. Dequeue the pending batch in strategy order (fifo, lifo, drf).
 2. Reorder it with the sequencer from tick-start snapshots.
 3. Run the admission predicates on a pre-materialized context.
 4. Filter and select agents per session (or per kernel for multi-node).
 5. Reserve and finalize inside one transaction; a failed multi-node
    binding rolls back every reservation of that session.
 6. Emit scheduled events, anycast for workers and broadcast for
    observers.

Failures inside one session are recorded on that session and never abort
the batch. Capacity misses record nothing: the session simply stays
PENDING until an agent frees up.

Ticks are fired by the Dispatcher, periodically and on do.schedule
events.
*/
package scheduler
