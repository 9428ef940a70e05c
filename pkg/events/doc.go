/*
Package events carries lifecycle notifications between the scheduler,
the reconciler loops, and external observers.

Two delivery modes exist:

  - Anycast: exactly one consumer of a group processes the event. Backed
    by a Redis stream with consumer groups; events are acked only after
    the handler succeeds, so a crashed consumer leaves them pending, and
    surviving consumers reclaim entries idle past a threshold. Used for
    work-triggering events such as do.schedule and route.created.
  - Broadcast: every subscriber sees the event. Backed by Redis pub/sub
    with no redelivery. Used for observational events such as
    session.started and agent.lost.

MemoryBus implements the same interface in-process for tests and
single-binary deployments.
*/
package events
