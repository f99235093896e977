/*
Package bridge implements the cluster's central message hub.

The bridge accepts authenticated WebSocket connections from cluster
components (Supervisors, worker faces, executors), routes signed
messages between them, and keeps the cluster observable and safe:

  - ConnManager owns every accepted socket, one writer goroutine per
    connection draining a bounded send queue, so a slow peer never
    blocks the routing path.
  - Router runs each frame through rate limiting, load shedding, size
    and schema checks, signature verification, and duplicate
    suppression, then delivers point-to-point through a per-target
    circuit breaker or fans out to every registered component.
  - Undeliverable messages land in the dead-letter queue and are
    replayed when their target registers; letters that exhaust their
    retries are announced to the cluster exactly once.
  - DoctorManager spawns and supervises Supervisor child processes,
    relaying their stdio into the structured log and broadcasting
    doctor.died when one exits.
  - ReportStore appends plan/step outcome reports and writes submitted
    screenshots to the local filesystem sink.

The HTTP control surface (chi) is read-only JSON plus POSTs for the
admin actions (kick, circuit reset), Supervisor child management, and
report and screenshot submission; /metrics serves the Prometheus text exposition. A panic in any message
handler is recovered, counted, and logged; the hub keeps serving.
*/
package bridge
