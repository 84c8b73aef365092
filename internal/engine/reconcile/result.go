package reconcile

import (
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Result tells the engine when to look at a key again.
type Result struct {
	// Requeue asks for another pass as soon as the current one finishes.
	Requeue bool
	// RequeueAfter asks for another pass after the given delay.
	RequeueAfter time.Duration
	// TerminalError reports input the reconciler cannot act on. Actions
	// returned alongside it are ignored.
	TerminalError error
	// Events are published on the owner. On the reconcile path they follow
	// the actions and are dropped if an action fails; on the cleanup path
	// they are published before cleanup starts.
	Events []Event
}

// Event is a note for the owner's event stream.
type Event struct {
	// Type is corev1.EventTypeNormal or corev1.EventTypeWarning.
	Type    string
	Reason  string
	Message string
}

// Reconciler computes the actions that move observed state towards desired state.
//
// Both methods must be pure: no I/O, no mutation of their arguments, and the
// same inputs must yield the same actions.
type Reconciler interface {
	// Reconcile handles an owner that is not being deleted.
	Reconcile(owner *unstructured.Unstructured, children []*unstructured.Unstructured) ([]Action, Result)

	// Cleanup handles an owner that is being deleted and still carries the
	// engine's finalizer. Only DeleteChild and RunCleanup actions are honoured.
	Cleanup(owner *unstructured.Unstructured, children []*unstructured.Unstructured) ([]Action, Result)
}
