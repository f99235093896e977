/*
Package metrics exposes FleetBridge's Prometheus collectors and the
process health/readiness surface.

All collectors are package-level and registered in init, so any
component can bump a counter without plumbing a registry through its
constructor. The bridge serves the text exposition on GET /metrics via
Handler and wires HealthHandler, ReadyHandler, and LivenessHandler into
its control surface. Readiness is gate-driven: the bridge's draining
flag and the memory pressure monitor each register a ReadinessGate, and
/ready reports 503 while any gate vetoes.
*/
package metrics
