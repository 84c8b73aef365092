// Package retry provides exponential backoff for startup checks and the
// error markers the reconciliation engine uses to classify failures.
//
// [Fatal] marks an error that signals a bug or broken invariant, [Terminal]
// marks an error that will not go away by retrying the same input.
package retry
