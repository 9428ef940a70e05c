/*
Package agent is the manager-side RPC client for the compute agents.

Calls go over gRPC with a msgpack codec, so request and reply types are
plain Go structs. Each agent address gets one lazily dialed connection
and one circuit breaker; three consecutive failures trip the breaker and
subsequent calls to that agent fail immediately until the cool-down
passes. The scheduler treats a tripped breaker like an unreachable
agent: the reservation is rolled back and the session retries elsewhere.
*/
package agent
