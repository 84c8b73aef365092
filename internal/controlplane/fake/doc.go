// Package fake provides an in-memory control plane that honours optimistic
// concurrency, finalizers, the status subresource and resumable watches.
//
// It is what the engine's tests run against. Failures can be injected per
// verb, kind and name, and every call is recorded for assertions.
package fake
