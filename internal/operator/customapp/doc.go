// Package customapp implements the CustomApp reconciler: a pure function from
// a CustomApp and its observed children to the actions that make the children
// match its spec.
//
// Every CustomApp owns one content ConfigMap, an optional Service and one Pod
// per replica. Replicas take the lowest free ordinal and are removed oldest
// first when scaling down.
package customapp
