package customapp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/imamik/customapp-operator/api/v1alpha1"
	"github.com/imamik/customapp-operator/internal/controlplane"
	"github.com/imamik/customapp-operator/internal/engine/reconcile"
	testutil "github.com/imamik/customapp-operator/internal/testing"
	"github.com/imamik/customapp-operator/internal/util/labels"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// world is a minimal stand-in for the control plane: it applies actions to
// an owner and its children the way the executor would.
type world struct {
	t        *testing.T
	rv       int
	owner    *unstructured.Unstructured
	children map[controlplane.ResourceRef]*unstructured.Unstructured
	created  time.Time
}

func newWorld(t *testing.T, b *testutil.AppBuilder) *world {
	owner := b.Build()
	owner.SetUID(types.UID("uid-" + owner.GetName()))
	owner.SetGeneration(1)
	owner.SetResourceVersion("1")
	return &world{t: t, rv: 1, owner: owner, children: map[controlplane.ResourceRef]*unstructured.Unstructured{}, created: epoch}
}

func (w *world) nextRV() string {
	w.rv++
	return fmt.Sprint(w.rv)
}

func (w *world) list() []*unstructured.Unstructured {
	out := make([]*unstructured.Unstructured, 0, len(w.children))
	for _, c := range w.children {
		out = append(out, c.DeepCopy())
	}
	return out
}

// add stores child as if it had been created now.
func (w *world) add(child *unstructured.Unstructured) *unstructured.Unstructured {
	c := child.DeepCopy()
	c.SetResourceVersion(w.nextRV())
	c.SetCreationTimestamp(metav1.NewTime(w.created))
	w.created = w.created.Add(time.Second)
	w.children[controlplane.RefOf(c)] = c
	return c
}

func (w *world) apply(actions []reconcile.Action) {
	w.t.Helper()
	for _, a := range actions {
		switch a := a.(type) {
		case reconcile.CreateChild:
			w.add(a.Object)
		case reconcile.UpdateChild:
			ref := controlplane.RefOf(a.Object)
			require.Equal(w.t, w.children[ref].GetResourceVersion(), a.ExpectedResourceVersion)
			next := a.Object.DeepCopy()
			next.SetResourceVersion(w.nextRV())
			w.children[ref] = next
		case reconcile.DeleteChild:
			require.Contains(w.t, w.children, a.Ref)
			delete(w.children, a.Ref)
		case reconcile.PatchStatus:
			require.Equal(w.t, w.owner.GetResourceVersion(), a.ExpectedResourceVersion)
			w.owner.Object["status"] = a.Status
			w.owner.SetResourceVersion(w.nextRV())
		default:
			w.t.Fatalf("unexpected action %s", reconcile.Describe(a))
		}
	}
}

// converge runs the reconciler until it stops asking for actions.
func (w *world) converge(r *Reconciler) {
	w.t.Helper()
	for i := 0; i < 10; i++ {
		actions, res := r.Reconcile(w.owner.DeepCopy(), w.list())
		require.NoError(w.t, res.TerminalError)
		if len(actions) == 0 {
			return
		}
		w.apply(actions)
	}
	w.t.Fatal("reconciler did not converge")
}

func (w *world) status() v1alpha1.CustomAppStatus {
	app, err := decode(w.owner)
	require.NoError(w.t, err)
	return app.Status
}

func newTestReconciler(opts ...Option) *Reconciler {
	return NewReconciler(append([]Option{WithClock(clocktesting.NewFakePassiveClock(epoch))}, opts...)...)
}

func describeAll(actions []reconcile.Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = reconcile.Describe(a)
	}
	return out
}

func TestReconcile_FreshApp(t *testing.T) {
	t.Parallel()
	w := newWorld(t, testutil.NewAppBuilder("web").WithReplicas(3).WithPort(8080))

	actions, res := newTestReconciler().Reconcile(w.owner, nil)

	require.NoError(t, res.TerminalError)
	assert.True(t, res.Requeue)
	assert.Equal(t, []string{
		"CreateChild ConfigMap/default/web-content",
		"CreateChild Service/default/web",
		"CreateChild Pod/default/web-0",
		"CreateChild Pod/default/web-1",
		"CreateChild Pod/default/web-2",
		"PatchStatus CustomApp/default/web",
	}, describeAll(actions))

	pod := actions[2].(reconcile.CreateChild).Object
	assert.Equal(t, "replica", pod.GetLabels()[labels.KeyComponent])
	assert.Equal(t, "web", pod.GetLabels()[labels.KeyOwner])
	assert.NotEmpty(t, pod.GetAnnotations()[labels.AnnotationTemplateHash])
	ref, ok := controlplane.ControllerRef(pod)
	require.True(t, ok)
	assert.Equal(t, "web", ref.Name)
	image, _, _ := unstructured.NestedSlice(pod.Object, "spec", "containers")
	assert.Equal(t, "nginx:1.27", image[0].(map[string]interface{})["image"])

	st := actions[5].(reconcile.PatchStatus).Status
	assert.Equal(t, "Pending", st["phase"])
	assert.Equal(t, int64(3), st["desiredChildren"])
}

func TestReconcile_ConvergesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	w := newWorld(t, testutil.NewAppBuilder("web").WithReplicas(3).WithPort(8080))
	r := newTestReconciler()

	w.converge(r)

	st := w.status()
	assert.Equal(t, v1alpha1.PhaseReady, st.Phase)
	assert.Equal(t, int32(3), st.ReadyChildren)
	assert.Equal(t, int32(3), st.DesiredChildren)
	assert.Equal(t, int64(1), st.ObservedGeneration)
	assert.Len(t, w.children, 5)

	actions, res := r.Reconcile(w.owner.DeepCopy(), w.list())
	assert.Empty(t, actions)
	assert.False(t, res.Requeue)
}

func TestReconcile_ScaleDownDeletesOldestFirst(t *testing.T) {
	t.Parallel()
	w := newWorld(t, testutil.NewAppBuilder("web").WithReplicas(3))
	r := newTestReconciler()
	w.converge(r)

	require.NoError(t, unstructured.SetNestedField(w.owner.Object, int64(1), "spec", "replicas"))
	w.owner.SetGeneration(2)

	actions, res := r.Reconcile(w.owner.DeepCopy(), w.list())
	assert.True(t, res.Requeue)
	assert.Equal(t, []string{
		"DeleteChild Pod/default/web-0",
		"DeleteChild Pod/default/web-1",
		"PatchStatus CustomApp/default/web",
	}, describeAll(actions))

	w.apply(actions)
	w.converge(r)
	assert.Equal(t, int32(1), w.status().ReadyChildren)
	assert.Contains(t, w.children, controlplane.ResourceRef{Kind: "Pod", Namespace: "default", Name: "web-2"})
}

func TestReconcile_ScaleUpSkipsReservedOrdinals(t *testing.T) {
	t.Parallel()
	w := newWorld(t, testutil.NewAppBuilder("web").WithReplicas(3))
	r := newTestReconciler()
	app := w.owner

	typed, err := decode(app)
	require.NoError(t, err)
	w.add(desiredConfigMap(app, typed))
	w.add(desiredPod(app, typed, 0))
	terminating := w.add(desiredPod(app, typed, 1))
	now := metav1.NewTime(epoch)
	terminating.SetDeletionTimestamp(&now)

	actions, _ := r.Reconcile(app.DeepCopy(), w.list())
	assert.Equal(t, []string{
		"CreateChild Pod/default/web-2",
		"CreateChild Pod/default/web-3",
		"PatchStatus CustomApp/default/web",
	}, describeAll(actions))
}

func TestReconcile_ImageChangeUpdatesPodsInPlace(t *testing.T) {
	t.Parallel()
	w := newWorld(t, testutil.NewAppBuilder("web").WithReplicas(2))
	r := newTestReconciler()
	w.converge(r)

	require.NoError(t, unstructured.SetNestedField(w.owner.Object, "nginx:1.28", "spec", "image"))
	actions, _ := r.Reconcile(w.owner.DeepCopy(), w.list())

	assert.Equal(t, []string{
		"UpdateChild Pod/default/web-0",
		"UpdateChild Pod/default/web-1",
		"PatchStatus CustomApp/default/web",
	}, describeAll(actions))
	upd := actions[0].(reconcile.UpdateChild)
	containers, _, _ := unstructured.NestedSlice(upd.Object.Object, "spec", "containers")
	assert.Equal(t, "nginx:1.28", containers[0].(map[string]interface{})["image"])
	assert.Equal(t, w.children[controlplane.RefOf(upd.Object)].GetResourceVersion(), upd.ExpectedResourceVersion)

	st := actions[2].(reconcile.PatchStatus).Status
	assert.Equal(t, "Progressing", st["phase"])
	assert.NotContains(t, st, "readyChildren", "stale replicas are not ready")

	w.apply(actions)
	w.converge(r)
	assert.Equal(t, v1alpha1.PhaseReady, w.status().Phase)
}

func TestReconcile_ContentChangeUpdatesConfigMap(t *testing.T) {
	t.Parallel()
	w := newWorld(t, testutil.NewAppBuilder("web").WithContent("v1"))
	r := newTestReconciler()
	w.converge(r)

	require.NoError(t, unstructured.SetNestedField(w.owner.Object, "v2", "spec", "content"))
	actions, _ := r.Reconcile(w.owner.DeepCopy(), w.list())
	require.NotEmpty(t, actions)
	upd, ok := actions[0].(reconcile.UpdateChild)
	require.True(t, ok)
	data, _, _ := unstructured.NestedStringMap(upd.Object.Object, "data")
	assert.Equal(t, "v2", data["content"])
}

func TestReconcile_HideRemovesService(t *testing.T) {
	t.Parallel()
	w := newWorld(t, testutil.NewAppBuilder("web").WithPort(80))
	r := newTestReconciler()
	w.converge(r)
	assert.False(t, w.status().Hidden)

	require.NoError(t, unstructured.SetNestedField(w.owner.Object, true, "spec", "hide"))
	actions, _ := r.Reconcile(w.owner.DeepCopy(), w.list())
	assert.Equal(t, []string{"DeleteChild Service/default/web"}, describeAll(actions)[:1])

	w.apply(actions)
	actions, res := r.Reconcile(w.owner.DeepCopy(), w.list())
	require.Len(t, actions, 1)
	assert.Equal(t, reconcile.TypePatchStatus, actions[0].Type())
	require.Len(t, res.Events, 1)
	assert.Equal(t, ReasonHidden, res.Events[0].Reason)
	assert.Equal(t, "Hiding `web`", res.Events[0].Message)

	w.apply(actions)
	assert.True(t, w.status().Hidden)
	actions, res = r.Reconcile(w.owner.DeepCopy(), w.list())
	assert.Empty(t, actions)
	assert.Empty(t, res.Events, "the hidden event is sent once")
}

func TestReconcile_WaitsForTerminatingNamesake(t *testing.T) {
	t.Parallel()
	w := newWorld(t, testutil.NewAppBuilder("web").WithPort(80))
	r := newTestReconciler()
	w.converge(r)

	now := metav1.NewTime(epoch)
	for ref, c := range w.children {
		if ref.Kind == "ConfigMap" || ref.Kind == "Service" {
			c.SetDeletionTimestamp(&now)
		}
	}

	actions, res := r.Reconcile(w.owner.DeepCopy(), w.list())
	for _, a := range actions {
		assert.NotEqual(t, reconcile.TypeCreateChild, a.Type(), "%s while the name is still taken", reconcile.Describe(a))
	}
	assert.Equal(t, nameReleaseCheck, res.RequeueAfter)
	assert.False(t, res.Requeue)

	// Once the old objects are gone the names are free again.
	for ref, c := range w.children {
		if c.GetDeletionTimestamp() != nil {
			delete(w.children, ref)
		}
	}
	actions, res = r.Reconcile(w.owner.DeepCopy(), w.list())
	assert.Contains(t, describeAll(actions), "CreateChild ConfigMap/default/web-content")
	assert.Contains(t, describeAll(actions), "CreateChild Service/default/web")
	assert.Zero(t, res.RequeueAfter)
}

func TestReconcile_PortChangeUpdatesService(t *testing.T) {
	t.Parallel()
	w := newWorld(t, testutil.NewAppBuilder("web").WithPort(80))
	r := newTestReconciler()
	w.converge(r)

	svcRef := controlplane.ResourceRef{Kind: "Service", Namespace: "default", Name: "web"}
	require.NoError(t, unstructured.SetNestedField(w.children[svcRef].Object, "10.0.0.12", "spec", "clusterIP"))
	require.NoError(t, unstructured.SetNestedField(w.owner.Object, int64(8080), "spec", "port"))

	actions, _ := r.Reconcile(w.owner.DeepCopy(), w.list())
	var upd *reconcile.UpdateChild
	for _, a := range actions {
		if u, ok := a.(reconcile.UpdateChild); ok && controlplane.RefOf(u.Object) == svcRef {
			upd = &u
		}
	}
	require.NotNil(t, upd)
	ports, _, _ := unstructured.NestedSlice(upd.Object.Object, "spec", "ports")
	assert.Equal(t, int64(8080), ports[0].(map[string]interface{})["port"])
	clusterIP, _, _ := unstructured.NestedString(upd.Object.Object, "spec", "clusterIP")
	assert.Equal(t, "10.0.0.12", clusterIP)
}

func TestReconcile_NotReadyPods(t *testing.T) {
	t.Parallel()
	w := newWorld(t, testutil.NewAppBuilder("web").WithReplicas(2))
	r := newTestReconciler()
	w.converge(r)

	ref := controlplane.ResourceRef{Kind: "Pod", Namespace: "default", Name: "web-1"}
	cond := map[string]interface{}{"type": "Ready", "status": "False"}
	require.NoError(t, unstructured.SetNestedSlice(w.children[ref].Object, []interface{}{cond}, "status", "conditions"))

	actions, res := r.Reconcile(w.owner.DeepCopy(), w.list())
	assert.False(t, res.Requeue, "only status changes")
	require.Len(t, actions, 1)
	st := actions[0].(reconcile.PatchStatus).Status
	assert.Equal(t, int64(1), st["readyChildren"])
	assert.Equal(t, "Progressing", st["phase"])
}

func TestReconcile_ClearsStalled(t *testing.T) {
	t.Parallel()
	w := newWorld(t, testutil.NewAppBuilder("web"))
	r := newTestReconciler()
	w.converge(r)

	st := w.owner.Object["status"].(map[string]interface{})
	conds := st["conditions"].([]interface{})
	st["conditions"] = append(conds, map[string]interface{}{
		"type":               "Stalled",
		"status":             "True",
		"reason":             "TerminalError",
		"message":            "boom",
		"lastTransitionTime": epoch.Format(time.RFC3339),
	})

	actions, _ := r.Reconcile(w.owner.DeepCopy(), w.list())
	require.Len(t, actions, 1)
	w.apply(actions)
	for _, c := range w.status().Conditions {
		assert.NotEqual(t, "Stalled", c.Type)
	}
}

func TestReconcile_RemovesForeignChildren(t *testing.T) {
	t.Parallel()
	w := newWorld(t, testutil.NewAppBuilder("web"))
	r := newTestReconciler()
	w.converge(r)

	typed, err := decode(w.owner)
	require.NoError(t, err)
	stray := desiredConfigMap(w.owner, typed)
	stray.SetName("web-old-content")
	w.add(stray)

	actions, _ := r.Reconcile(w.owner.DeepCopy(), w.list())
	assert.Equal(t, []string{"DeleteChild ConfigMap/default/web-old-content"}, describeAll(actions))
}

func TestReconcile_Paused(t *testing.T) {
	t.Parallel()
	w := newWorld(t, testutil.NewAppBuilder("web").WithReplicas(3).Paused())

	actions, res := newTestReconciler().Reconcile(w.owner, nil)
	assert.Empty(t, actions)
	assert.Equal(t, reconcile.Result{}, res)
}

func TestReconcile_TerminalErrors(t *testing.T) {
	t.Parallel()

	noImage := testutil.NewAppBuilder("web").WithImage("").Build()
	actions, res := newTestReconciler().Reconcile(noImage, nil)
	assert.Nil(t, actions)
	require.Error(t, res.TerminalError)
	assert.Contains(t, res.TerminalError.Error(), "spec.image is required")

	bad := testutil.NewAppBuilder("web").Build()
	require.NoError(t, unstructured.SetNestedField(bad.Object, "three", "spec", "replicas"))
	actions, res = newTestReconciler().Reconcile(bad, nil)
	assert.Nil(t, actions)
	assert.Error(t, res.TerminalError)
}

func TestReconcile_DoesNotMutateInputs(t *testing.T) {
	t.Parallel()
	w := newWorld(t, testutil.NewAppBuilder("web").WithReplicas(2))
	r := newTestReconciler()
	w.converge(r)
	require.NoError(t, unstructured.SetNestedField(w.owner.Object, "nginx:1.28", "spec", "image"))

	owner := w.owner.DeepCopy()
	children := w.list()
	before := make([]*unstructured.Unstructured, len(children))
	for i, c := range children {
		before[i] = c.DeepCopy()
	}

	first, _ := r.Reconcile(owner, children)
	second, _ := r.Reconcile(owner, children)

	assert.Equal(t, w.owner, owner)
	assert.Equal(t, before, children)
	assert.Equal(t, describeAll(first), describeAll(second))
}

func TestCleanup(t *testing.T) {
	t.Parallel()
	w := newWorld(t, testutil.NewAppBuilder("web").WithReplicas(2).WithPort(80).WithArtifacts("assets", "web/"))
	store := &testutil.MockArtifactStore{}
	r := newTestReconciler(WithArtifactStore(store))
	w.converge(r)

	actions, res := r.Cleanup(w.owner.DeepCopy(), w.list())
	require.NoError(t, res.TerminalError)
	require.Len(t, res.Events, 1)
	assert.Equal(t, ReasonDeleting, res.Events[0].Reason)
	assert.Equal(t, "Delete `web`", res.Events[0].Message)
	assert.Equal(t, []string{
		"DeleteChild Pod/default/web-0",
		"DeleteChild Pod/default/web-1",
		"DeleteChild Service/default/web",
		"DeleteChild ConfigMap/default/web-content",
		"RunCleanup artifacts for CustomApp/default/web",
	}, describeAll(actions))

	store.On("DeletePrefix", mock.Anything, "assets", "web/").Return(0, errors.New("throttled")).Once()
	store.On("DeletePrefix", mock.Anything, "assets", "web/").Return(4, nil).Once()

	run := actions[4].(reconcile.RunCleanup).Run
	assert.ErrorContains(t, run(context.Background()), "throttled")
	assert.NoError(t, run(context.Background()))
	store.AssertExpectations(t)
}

func TestCleanup_WithoutArtifactStore(t *testing.T) {
	t.Parallel()
	w := newWorld(t, testutil.NewAppBuilder("web").WithArtifacts("assets", "web/"))
	r := newTestReconciler()
	w.converge(r)

	actions, _ := r.Cleanup(w.owner.DeepCopy(), w.list())
	for _, a := range actions {
		assert.Equal(t, reconcile.TypeDeleteChild, a.Type())
	}
	assert.Len(t, actions, 2)
}

func TestCleanup_SkipsTerminatingChildren(t *testing.T) {
	t.Parallel()
	w := newWorld(t, testutil.NewAppBuilder("web"))
	r := newTestReconciler()
	w.converge(r)

	now := metav1.NewTime(epoch)
	for _, c := range w.children {
		c.SetDeletionTimestamp(&now)
	}
	actions, _ := r.Cleanup(w.owner.DeepCopy(), w.list())
	assert.Empty(t, actions)
}
