// Package reconcile defines the contract between the engine and a domain
// reconciler: the closed set of actions a reconciler may emit, the result
// that steers requeueing, and the Reconciler interface itself.
//
// A Reconciler never performs I/O. It receives immutable snapshots from the
// cache and returns an ordered list of actions, which the executor applies.
package reconcile
