// Package executor applies the actions returned by a reconciler, in order,
// and reflects every successful write into the cache.
package executor

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/customapp-operator/internal/controlplane"
	"github.com/imamik/customapp-operator/internal/engine/reconcile"
	"github.com/imamik/customapp-operator/internal/util/retry"
)

// Store is the cache surface the executor writes through.
type Store interface {
	Get(ref controlplane.ResourceRef) (*unstructured.Unstructured, bool)
	Record(obj *unstructured.Unstructured) bool
	Evict(ref controlplane.ResourceRef, resourceVersion string) bool
	MarkTerminating(ref controlplane.ResourceRef)
}

// StatusWriter writes the status subresource.
type StatusWriter interface {
	SetStatus(ctx context.Context, ref controlplane.ResourceRef, status map[string]interface{}, expectedResourceVersion string) (*unstructured.Unstructured, error)
}

// Observer is told the outcome of every action.
type Observer func(actionType string, err error)

// ActionError reports which action failed.
type ActionError struct {
	Action reconcile.Action
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s: %v", reconcile.Describe(e.Action), e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// Executor applies actions against the control plane.
type Executor struct {
	client   controlplane.Client
	store    Store
	status   StatusWriter
	recorder record.EventRecorder
	observe  Observer
}

// Option configures an Executor.
type Option func(*Executor)

// WithRecorder emits an Event on the owner for every applied action.
func WithRecorder(r record.EventRecorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// WithObserver registers a callback for action outcomes.
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observe = o }
}

// New returns an Executor.
func New(client controlplane.Client, store Store, status StatusWriter, opts ...Option) *Executor {
	e := &Executor{
		client:   client,
		store:    store,
		status:   status,
		recorder: &record.FakeRecorder{},
		observe:  func(string, error) {},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute applies actions in order on behalf of owner and stops at the first
// failure. It returns the number of actions applied. Cancellation of ctx is
// honoured between actions; an action already started runs to completion.
//
// On a conflict the target is re-read so the next attempt starts from the
// server's current state. A conflict the read cannot explain, because the
// server still holds the version the action was computed from, is marked
// with controlplane.UnresolvedConflict.
func (e *Executor) Execute(ctx context.Context, owner *unstructured.Unstructured, actions []reconcile.Action) (int, error) {
	logger := log.FromContext(ctx)

	for i, action := range actions {
		if err := ctx.Err(); err != nil {
			return i, fmt.Errorf("stopped before %s: %w", reconcile.Describe(action), err)
		}

		err := e.apply(ctx, owner, action)
		e.observe(action.Type(), err)
		if err != nil {
			if controlplane.Classify(err) == controlplane.ClassConflict && !e.refresh(ctx, logger, action) {
				err = controlplane.UnresolvedConflict(err)
			}
			return i, &ActionError{Action: action, Err: err}
		}
		logger.V(1).Info("Applied action", "action", reconcile.Describe(action))
	}
	return len(actions), nil
}

func (e *Executor) apply(ctx context.Context, owner *unstructured.Unstructured, action reconcile.Action) error {
	switch a := action.(type) {
	case reconcile.CreateChild:
		created, err := e.client.Create(ctx, a.Object)
		if err != nil {
			return err
		}
		e.store.Record(created)
		e.event(owner, corev1.EventTypeNormal, "Created", "Created %s %s", a.Object.GetKind(), a.Object.GetName())
		return nil

	case reconcile.UpdateChild:
		obj := a.Object.DeepCopy()
		obj.SetResourceVersion(a.ExpectedResourceVersion)
		updated, err := e.client.Update(ctx, obj)
		if apierrors.IsNotFound(err) {
			// The child vanished under us; that is a stale view, not a failure.
			return fmt.Errorf("%w: %v", controlplane.ErrConflict, err)
		}
		if err != nil {
			return err
		}
		e.store.Record(updated)
		e.event(owner, corev1.EventTypeNormal, "Updated", "Updated %s %s", obj.GetKind(), obj.GetName())
		return nil

	case reconcile.DeleteChild:
		err := e.client.Delete(ctx, a.Ref, a.ExpectedResourceVersion)
		if apierrors.IsNotFound(err) {
			e.store.Evict(a.Ref, "")
			return nil
		}
		if err != nil {
			return err
		}
		e.store.MarkTerminating(a.Ref)
		e.event(owner, corev1.EventTypeNormal, "Deleted", "Deleted %s %s", a.Ref.Kind, a.Ref.Name)
		return nil

	case reconcile.PatchStatus:
		_, err := e.status.SetStatus(ctx, a.Ref, a.Status, a.ExpectedResourceVersion)
		return err

	case reconcile.RunCleanup:
		if a.Run == nil {
			return nil
		}
		if err := a.Run(ctx); err != nil {
			e.event(owner, corev1.EventTypeWarning, "CleanupFailed", "Cleanup %s failed: %v", a.Name, err)
			return err
		}
		e.event(owner, corev1.EventTypeNormal, "CleanedUp", "Cleanup %s finished", a.Name)
		return nil

	default:
		return retry.Fatal(fmt.Errorf("unsupported action %T", action))
	}
}

// refresh re-reads the target of action after a conflict so the cache
// reflects the server. It reports whether the server's state differs from
// the version action was computed from.
func (e *Executor) refresh(ctx context.Context, logger logr.Logger, action reconcile.Action) bool {
	ref := action.Target()
	basis := expectedVersion(action)
	if basis == "" {
		if cached, ok := e.store.Get(ref); ok {
			basis = cached.GetResourceVersion()
		}
	}

	current, err := e.client.Get(ctx, ref)
	switch {
	case apierrors.IsNotFound(err):
		e.store.Evict(ref, "")
		return basis != ""
	case err != nil:
		logger.V(1).Info("Failed to refresh after conflict", "target", ref.String(), "error", err.Error())
		return false
	default:
		e.store.Record(current)
		return current.GetResourceVersion() != basis
	}
}

func expectedVersion(action reconcile.Action) string {
	switch a := action.(type) {
	case reconcile.UpdateChild:
		return a.ExpectedResourceVersion
	case reconcile.DeleteChild:
		return a.ExpectedResourceVersion
	case reconcile.PatchStatus:
		return a.ExpectedResourceVersion
	default:
		return ""
	}
}

func (e *Executor) event(owner *unstructured.Unstructured, eventType, reason, format string, args ...interface{}) {
	if owner == nil {
		return
	}
	e.recorder.Eventf(owner, eventType, reason, format, args...)
}
