/*
Package breaker wraps sony/gobreaker into the per-peer circuit breakers
used on both sides of the cluster: the bridge keys a registry by routing
target, and the worker face guards its executor with a single breaker.

The two-step form fits the hub's non-blocking delivery: the router calls
Allow before enqueueing onto a peer's send queue and reports the outcome
through the returned done function once the enqueue (or the response)
settles. Closed admits everything; open rejects for the reset timeout;
half-open admits exactly one probe whose outcome decides the next state.
*/
package breaker
