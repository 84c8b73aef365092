// Package controlplane defines the engine's view of the cluster API: kinds,
// object references, the client contract every backend implements, and the
// classification of the errors those backends return.
//
// Objects are handled as *unstructured.Unstructured so the engine stays
// agnostic of the concrete resource types it watches.
package controlplane
