/*
Package types holds the plain data records shared across Sokovan: sessions,
kernels, agents, resource policies, scaling groups, inference endpoints and
their routings, plus the status enums and the error taxonomy.

Records here carry no behavior beyond small derived accessors. Persistence
views and mutation live behind the registry; the scheduler and reconciler
pass these records around by value semantics and never hold back-pointers
between endpoint, routing and session; relations are ids resolved through
the registry.

The session status join (JoinKernelStatuses) is the single source of the
kernel-to-session precedence rules; both the scheduler and the terminal
sweep derive session states through it.
*/
package types
