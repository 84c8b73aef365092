// Package finalizer adds the engine's finalizer to owners and removes it once
// their cleanup has completed.
package finalizer

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/customapp-operator/internal/controlplane"
	"github.com/imamik/customapp-operator/internal/engine/reconcile"
)

// Executor runs cleanup actions.
type Executor interface {
	Execute(ctx context.Context, owner *unstructured.Unstructured, actions []reconcile.Action) (int, error)
}

// Store records the result of finalizer writes and of re-reads after a
// conflict.
type Store interface {
	Record(obj *unstructured.Unstructured) bool
	Evict(ref controlplane.ResourceRef, resourceVersion string) bool
}

// Manager owns one finalizer token.
type Manager struct {
	name     string
	client   controlplane.Client
	store    Store
	executor Executor
	recorder record.EventRecorder
}

// New returns a Manager for the finalizer name.
func New(name string, client controlplane.Client, store Store, executor Executor, recorder record.EventRecorder) *Manager {
	if recorder == nil {
		recorder = &record.FakeRecorder{}
	}
	return &Manager{name: name, client: client, store: store, executor: executor, recorder: recorder}
}

// Name returns the finalizer token.
func (m *Manager) Name() string {
	return m.name
}

// Has reports whether obj carries the finalizer.
func (m *Manager) Has(obj *unstructured.Unstructured) bool {
	return controllerutil.ContainsFinalizer(obj, m.name)
}

// Ensure adds the finalizer to obj if it is missing and obj is not being
// deleted. It reports whether a write was made.
func (m *Manager) Ensure(ctx context.Context, obj *unstructured.Unstructured) (bool, error) {
	if controlplane.IsTerminating(obj) || m.Has(obj) {
		return false, nil
	}
	next := obj.DeepCopy()
	controllerutil.AddFinalizer(next, m.name)
	updated, err := m.client.Update(ctx, next)
	if err != nil {
		return false, fmt.Errorf("add finalizer %s: %w", m.name, m.conflict(ctx, obj, err))
	}
	m.store.Record(updated)
	log.FromContext(ctx).V(1).Info("Added finalizer", "finalizer", m.name)
	return true, nil
}

// Finalize runs the cleanup actions for a deleting obj and removes the
// finalizer only if every action succeeded. Removal is the last write.
func (m *Manager) Finalize(ctx context.Context, obj *unstructured.Unstructured, actions []reconcile.Action) error {
	if !m.Has(obj) {
		return nil
	}
	if _, err := m.executor.Execute(ctx, obj, actions); err != nil {
		return fmt.Errorf("cleanup of %s: %w", controlplane.RefOf(obj), err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("cleanup of %s: %w", controlplane.RefOf(obj), err)
	}
	return m.remove(ctx, obj)
}

func (m *Manager) remove(ctx context.Context, obj *unstructured.Unstructured) error {
	next := obj.DeepCopy()
	controllerutil.RemoveFinalizer(next, m.name)
	updated, err := m.client.Update(ctx, next)
	if err != nil {
		return fmt.Errorf("remove finalizer %s: %w", m.name, m.conflict(ctx, obj, err))
	}
	m.store.Record(updated)
	m.recorder.Event(obj, corev1.EventTypeNormal, "Finalized", "Cleanup finished, finalizer removed")
	log.FromContext(ctx).Info("Removed finalizer", "finalizer", m.name)
	return nil
}

// conflict re-reads obj after a failed write so the next attempt starts from
// the current state. A conflict with nothing newer to read is retried with
// backoff.
func (m *Manager) conflict(ctx context.Context, obj *unstructured.Unstructured, err error) error {
	if controlplane.Classify(err) != controlplane.ClassConflict {
		return err
	}
	ref := controlplane.RefOf(obj)
	current, getErr := m.client.Get(ctx, ref)
	switch {
	case apierrors.IsNotFound(getErr):
		m.store.Evict(ref, "")
		return err
	case getErr != nil:
		log.FromContext(ctx).V(1).Info("Failed to refresh after conflict", "error", getErr.Error())
		return controlplane.UnresolvedConflict(err)
	}
	m.store.Record(current)
	if current.GetResourceVersion() == obj.GetResourceVersion() {
		return controlplane.UnresolvedConflict(err)
	}
	return err
}
