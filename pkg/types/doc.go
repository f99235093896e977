/*
Package types defines the wire schema shared by every FleetBridge
component: the Message envelope, component identifiers, HMAC message
signing, and version compatibility rules.

A Message is addressed from one ComponentID to another, or to the
Broadcast sentinel for cluster-wide fan-out. Message types use
dot-notation verbs ("plan.submit", "step.completed"); the constants here
cover the vocabulary the bridge and worker face treat specially, while
the router itself is type-agnostic for everything else.
*/
package types
