/*
Package events is the bridge's lifecycle journal: connections kicked,
components joining and leaving, circuits tripping, Supervisor children
dying, dead letters expiring.

This is internal observability, distinct from the WebSocket broadcast
the router performs for cluster peers. The journal keeps a bounded ring
(served by /debug/state) and streams new events to watchers such as the
bridge's log mirror; watchers that fall behind lose events rather than
blocking whoever is recording.
*/
package events
