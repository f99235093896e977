/*
Package log provides structured logging for FleetBridge using zerolog.

The root Logger is initialized once at process start by the CLI; every
subsystem derives a child logger scoped to the thing it talks about:

	logger := log.WithComponent("router")
	logger.Info().Str("target", "doctor").Msg("message routed")

Three lifecycles get dedicated derivation helpers so the whole cluster
is filterable by one id: ForConn (a socket's session on the hub),
ForPlan (one plan run, threaded with its correlation id), and ForChild
(a supervised process's relayed stdio).
*/
package log
