/*
Package igor implements the worker face: the cluster component that
executes ordered plans of steps on behalf of a Supervisor.

An Igor keeps a persistent WebSocket connection to the bridge
(reconnecting with capped backoff and re-registering after every
connect) and accepts plan.submit messages. Steps run strictly
sequentially; a failing step retries up to its budget with bounded
exponential backoff and jitter, while every outbound executor request
passes through a local circuit breaker and is correlated with its
response through a single-use pending channel.

Around the engine sit the supporting machines:

  - Lightning, the dual-mode escalation state machine that powers up
    into assisted reasoning after enough consecutive failures.
  - HelperTools, which queries the executor's dynamic tool catalog
    after a failure and substitutes a replacement selector before the
    retry.
  - The experience ledger, consulted before dispatch to swap selectors
    known to fail on the current host.
  - FrankManager and RouteManager, supervising transient executor
    children and route-specialized sibling worker faces.

The HTTP control surface mirrors the hub's style: read-only JSON status
plus POSTs for spawning children, queueing tasks, and driving the
escalation machine.
*/
package igor
