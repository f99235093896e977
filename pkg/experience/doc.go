/*
Package experience implements the worker face's durable memory of
addressing-key outcomes, backed by a small bbolt database.

Every step that targets a selector records whether the selector worked
on that page. The execution engine consults the ledger before
dispatching: a selector known to fail on the current host is swapped for
the best-scoring alternative preemptively, saving the network round-trip
a doomed attempt would cost.
*/
package experience
