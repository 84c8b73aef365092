package customapp

import (
	"context"
	"fmt"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/customapp-operator/api/v1alpha1"
	"github.com/imamik/customapp-operator/internal/controlplane"
	"github.com/imamik/customapp-operator/internal/engine/reconcile"
	"github.com/imamik/customapp-operator/internal/operator/kinds"
	"github.com/imamik/customapp-operator/internal/util/naming"
)

// nameReleaseCheck is how long to wait before looking again at a child name
// that is still held by a terminating object.
const nameReleaseCheck = 5 * time.Second

// Event reasons.
const (
	ReasonHidden   = "HiddenCustomApp"
	ReasonDeleting = "DeleteCustomApp"
)

// ArtifactStore removes the external objects an app owns.
type ArtifactStore interface {
	DeletePrefix(ctx context.Context, bucket, prefix string) (int, error)
}

// Reconciler computes the children of a CustomApp.
type Reconciler struct {
	clock     clock.PassiveClock
	artifacts ArtifactStore
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock sets the clock used for condition transition times.
func WithClock(c clock.PassiveClock) Option {
	return func(r *Reconciler) { r.clock = c }
}

// WithArtifactStore enables purging spec.artifacts on deletion.
func WithArtifactStore(s ArtifactStore) Option {
	return func(r *Reconciler) { r.artifacts = s }
}

// NewReconciler returns a Reconciler.
func NewReconciler(opts ...Option) *Reconciler {
	r := &Reconciler{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ reconcile.Reconciler = (*Reconciler)(nil)

// observed groups the live children of an app by role.
type observed struct {
	configMaps []*unstructured.Unstructured
	services   []*unstructured.Unstructured
	pods       []*unstructured.Unstructured
	// terminating children are waiting to disappear and are left alone.
	terminating []*unstructured.Unstructured
}

// terminatingNamed reports whether a child of kind called name is still being
// deleted. Its name stays taken until it is gone.
func (o observed) terminatingNamed(kind, name string) bool {
	for _, child := range o.terminating {
		if child.GetKind() == kind && child.GetName() == name {
			return true
		}
	}
	return false
}

func observe(children []*unstructured.Unstructured) observed {
	var o observed
	for _, child := range children {
		if controlplane.IsTerminating(child) {
			o.terminating = append(o.terminating, child)
			continue
		}
		switch child.GetKind() {
		case kinds.ConfigMap.Name:
			o.configMaps = append(o.configMaps, child)
		case kinds.Service.Name:
			o.services = append(o.services, child)
		case kinds.Pod.Name:
			o.pods = append(o.pods, child)
		}
	}
	return o
}

func decode(owner *unstructured.Unstructured) (*v1alpha1.CustomApp, error) {
	app := &v1alpha1.CustomApp{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(owner.Object, app); err != nil {
		return nil, fmt.Errorf("decode %s: %w", controlplane.RefOf(owner), err)
	}
	return app, nil
}

// Reconcile returns, in order, the creates, updates and deletes that bring the
// children in line with app.spec, followed by a status write when the
// observed status changed.
func (r *Reconciler) Reconcile(owner *unstructured.Unstructured, children []*unstructured.Unstructured) ([]reconcile.Action, reconcile.Result) {
	app, err := decode(owner)
	if err != nil {
		return nil, reconcile.Result{TerminalError: err}
	}
	if app.Spec.Paused {
		return nil, reconcile.Result{}
	}
	if app.Spec.Image == "" {
		return nil, reconcile.Result{TerminalError: fmt.Errorf("%s: spec.image is required", controlplane.RefOf(owner))}
	}

	o := observe(children)
	var creates, updates, deletes []reconcile.Action
	// blocked is set when a desired child waits for a terminating namesake.
	blocked := false

	// Content ConfigMap.
	wantCM := desiredConfigMap(owner, app)
	cm, extraCMs := pick(o.configMaps, wantCM.GetName())
	switch {
	case cm == nil && o.terminatingNamed(kinds.ConfigMap.Name, wantCM.GetName()):
		blocked = true
	case cm == nil:
		creates = append(creates, reconcile.CreateChild{Object: wantCM})
	case hashOf(cm) != hashOf(wantCM):
		updates = append(updates, reconcile.UpdateChild{
			Object:                  updatedConfigMap(cm, wantCM),
			ExpectedResourceVersion: cm.GetResourceVersion(),
		})
	}

	// Service.
	var svcDeletes []reconcile.Action
	svc, extraSvcs := pick(o.services, naming.Service(app.Name))
	if wantsService(app) {
		wantSvc := desiredService(owner, app)
		switch {
		case svc == nil && o.terminatingNamed(kinds.Service.Name, wantSvc.GetName()):
			blocked = true
		case svc == nil:
			creates = append(creates, reconcile.CreateChild{Object: wantSvc})
		case hashOf(svc) != hashOf(wantSvc):
			next, err := updatedService(svc, wantSvc)
			if err != nil {
				return nil, reconcile.Result{TerminalError: err}
			}
			updates = append(updates, reconcile.UpdateChild{Object: next, ExpectedResourceVersion: svc.GetResourceVersion()})
		}
	} else if svc != nil {
		svcDeletes = append(svcDeletes, deleteOf(svc))
	}
	for _, extra := range extraSvcs {
		svcDeletes = append(svcDeletes, deleteOf(extra))
	}

	// Replicas.
	desired := int(app.DesiredReplicas())
	hash := podHash(app)
	pods := append([]*unstructured.Unstructured(nil), o.pods...)
	controlplane.SortOldestFirst(pods)

	var podDeletes []reconcile.Action
	if surplus := len(pods) - desired; surplus > 0 {
		for _, pod := range pods[:surplus] {
			podDeletes = append(podDeletes, deleteOf(pod))
		}
		pods = pods[surplus:]
	}
	reserved := append(append([]*unstructured.Unstructured(nil), o.pods...), o.terminating...)
	for _, ordinal := range freeOrdinals(app.Name, reserved, desired-len(pods)) {
		creates = append(creates, reconcile.CreateChild{Object: desiredPod(owner, app, ordinal)})
	}
	sort.Slice(pods, func(i, j int) bool { return pods[i].GetName() < pods[j].GetName() })
	for _, pod := range pods {
		if hashOf(pod) == hash {
			continue
		}
		if next, ok := updatedPod(pod, app.Spec.Image, hash); ok {
			updates = append(updates, reconcile.UpdateChild{Object: next, ExpectedResourceVersion: pod.GetResourceVersion()})
		} else {
			podDeletes = append(podDeletes, deleteOf(pod))
		}
	}

	deletes = append(deletes, podDeletes...)
	deletes = append(deletes, svcDeletes...)
	for _, extra := range extraCMs {
		deletes = append(deletes, deleteOf(extra))
	}

	actions := make([]reconcile.Action, 0, len(creates)+len(updates)+len(deletes)+1)
	actions = append(actions, creates...)
	actions = append(actions, updates...)
	actions = append(actions, deletes...)

	patch, hidden, err := r.statusPatch(owner, app, o, hash)
	if err != nil {
		return nil, reconcile.Result{TerminalError: err}
	}
	if patch != nil {
		actions = append(actions, patch)
	}

	// Child writes change what the status should say; look again once they land.
	res := reconcile.Result{Requeue: len(creates)+len(updates)+len(deletes) > 0}
	if blocked {
		res.RequeueAfter = nameReleaseCheck
	}
	if hidden {
		res.Events = append(res.Events, reconcile.Event{
			Type:    corev1.EventTypeNormal,
			Reason:  ReasonHidden,
			Message: fmt.Sprintf("Hiding `%s`", app.Name),
		})
	}
	return actions, res
}

// Cleanup deletes every live child, replicas first, and purges the app's
// artifacts when an artifact store is configured.
func (r *Reconciler) Cleanup(owner *unstructured.Unstructured, children []*unstructured.Unstructured) ([]reconcile.Action, reconcile.Result) {
	app, err := decode(owner)
	if err != nil {
		return nil, reconcile.Result{TerminalError: err}
	}

	o := observe(children)
	var actions []reconcile.Action
	for _, group := range [][]*unstructured.Unstructured{o.pods, o.services, o.configMaps} {
		sorted := append([]*unstructured.Unstructured(nil), group...)
		controlplane.SortOldestFirst(sorted)
		for _, child := range sorted {
			actions = append(actions, deleteOf(child))
		}
	}

	if r.artifacts != nil && app.Spec.Artifacts != nil && app.Spec.Artifacts.Bucket != "" {
		actions = append(actions, reconcile.RunCleanup{
			Name:  "artifacts",
			Owner: controlplane.RefOf(owner),
			Run:   r.purgeArtifacts(*app.Spec.Artifacts),
		})
	}
	return actions, reconcile.Result{Events: []reconcile.Event{{
		Type:    corev1.EventTypeNormal,
		Reason:  ReasonDeleting,
		Message: fmt.Sprintf("Delete `%s`", app.Name),
	}}}
}

func (r *Reconciler) purgeArtifacts(spec v1alpha1.ArtifactsSpec) reconcile.CleanupFunc {
	store := r.artifacts
	return func(ctx context.Context) error {
		n, err := store.DeletePrefix(ctx, spec.Bucket, spec.Prefix)
		if err != nil {
			return fmt.Errorf("purge s3://%s/%s: %w", spec.Bucket, spec.Prefix, err)
		}
		log.FromContext(ctx).Info("Purged artifacts", "bucket", spec.Bucket, "prefix", spec.Prefix, "objects", n)
		return nil
	}
}

// pick returns the object called name and every other object in objs.
func pick(objs []*unstructured.Unstructured, name string) (*unstructured.Unstructured, []*unstructured.Unstructured) {
	var match *unstructured.Unstructured
	var rest []*unstructured.Unstructured
	for _, obj := range objs {
		if obj.GetName() == name && match == nil {
			match = obj
			continue
		}
		rest = append(rest, obj)
	}
	return match, rest
}

// freeOrdinals returns the n lowest ordinals not used by any of pods.
func freeOrdinals(app string, pods []*unstructured.Unstructured, n int) []int {
	if n <= 0 {
		return nil
	}
	used := make(map[int]bool, len(pods))
	for _, pod := range pods {
		if ordinal, ok := naming.ReplicaOrdinal(app, pod.GetName()); ok {
			used[ordinal] = true
		}
	}
	out := make([]int, 0, n)
	for i := 0; len(out) < n; i++ {
		if !used[i] {
			out = append(out, i)
		}
	}
	return out
}

func deleteOf(obj *unstructured.Unstructured) reconcile.Action {
	return reconcile.DeleteChild{Ref: controlplane.RefOf(obj), ExpectedResourceVersion: obj.GetResourceVersion()}
}
