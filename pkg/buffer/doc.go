/*
Package buffer implements the bridge's bounded in-memory buffers: the
circular message log, the TTL-bounded seen-id cache used for duplicate
suppression, and the dead-letter queue holding undeliverable messages.

All three are process-wide singletons inside the hub, independently
synchronized so read-only endpoints never starve the routing path.
Nothing here persists across restarts.
*/
package buffer
