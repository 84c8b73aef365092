package executor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/tools/record"

	"github.com/imamik/customapp-operator/internal/controlplane"
	"github.com/imamik/customapp-operator/internal/controlplane/fake"
	"github.com/imamik/customapp-operator/internal/engine/cache"
	"github.com/imamik/customapp-operator/internal/engine/reconcile"
	"github.com/imamik/customapp-operator/internal/engine/status"
	testutil "github.com/imamik/customapp-operator/internal/testing"
)

type fixture struct {
	plane    *fake.ControlPlane
	store    *cache.Cache
	recorder *record.FakeRecorder
	exec     *Executor
	owner    *unstructured.Unstructured
	observed map[string]int
}

func newFixture(t *testing.T, objs ...*unstructured.Unstructured) *fixture {
	t.Helper()
	app := testutil.NewAppBuilder("blog").Build()
	plane := testutil.NewPlane(t, append([]*unstructured.Unstructured{app}, objs...)...)
	store := cache.New(plane, nil, cache.Options{})
	owner, _ := plane.Object(controlplane.RefOf(app))
	store.Record(owner)
	for _, o := range objs {
		stored, _ := plane.Object(controlplane.RefOf(o))
		store.Record(stored)
	}

	f := &fixture{
		plane:    plane,
		store:    store,
		recorder: record.NewFakeRecorder(100),
		owner:    owner,
		observed: map[string]int{},
	}
	f.exec = New(plane, store, status.NewWriter(plane, store),
		WithRecorder(f.recorder),
		WithObserver(func(actionType string, err error) {
			if err == nil {
				f.observed[actionType]++
			}
		}),
	)
	return f
}

func newPod(name string) *unstructured.Unstructured {
	u := &unstructured.Unstructured{}
	u.SetAPIVersion("v1")
	u.SetKind("Pod")
	u.SetNamespace("default")
	u.SetName(name)
	return u
}

func podRef(name string) controlplane.ResourceRef {
	return controlplane.ResourceRef{Kind: "Pod", Namespace: "default", Name: name}
}

func drainEvents(r *record.FakeRecorder) []string {
	var out []string
	for {
		select {
		case e := <-r.Events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestExecute_AppliesInOrder(t *testing.T) {
	t.Parallel()
	old := newPod("blog-old")
	f := newFixture(t, old)
	stored, _ := f.plane.Object(podRef("blog-old"))

	actions := []reconcile.Action{
		reconcile.CreateChild{Object: newPod("blog-0")},
		reconcile.CreateChild{Object: newPod("blog-1")},
		reconcile.DeleteChild{Ref: podRef("blog-old"), ExpectedResourceVersion: stored.GetResourceVersion()},
		reconcile.PatchStatus{
			Ref:                     controlplane.RefOf(f.owner),
			Status:                  map[string]interface{}{"readyChildren": int64(0)},
			ExpectedResourceVersion: f.owner.GetResourceVersion(),
		},
	}
	n, err := f.exec.Execute(context.Background(), f.owner, actions)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	var verbs []fake.Verb
	for _, c := range f.plane.Calls() {
		verbs = append(verbs, c.Verb)
	}
	assert.Equal(t, []fake.Verb{fake.VerbCreate, fake.VerbCreate, fake.VerbDelete, fake.VerbUpdateStatus}, verbs)

	_, ok := f.store.Get(podRef("blog-0"))
	assert.True(t, ok, "created child is recorded in the cache")
	deleted, ok := f.store.Get(podRef("blog-old"))
	require.True(t, ok, "deleted child stays cached until the watch confirms")
	assert.True(t, controlplane.IsTerminating(deleted))

	assert.Equal(t, 2, f.observed[reconcile.TypeCreateChild])
	events := drainEvents(f.recorder)
	assert.Contains(t, events, "Normal Created Created Pod blog-0")
	assert.Contains(t, events, "Normal Deleted Deleted Pod blog-old")
}

func TestExecute_StopsAtFirstFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	boom := errors.New("etcd unavailable")
	f.plane.InjectFailure(fake.Failure{Verb: fake.VerbCreate, Name: "blog-1", Err: boom})

	actions := []reconcile.Action{
		reconcile.CreateChild{Object: newPod("blog-0")},
		reconcile.CreateChild{Object: newPod("blog-1")},
		reconcile.CreateChild{Object: newPod("blog-2")},
	}
	n, err := f.exec.Execute(context.Background(), f.owner, actions)
	assert.Equal(t, 1, n)
	require.ErrorIs(t, err, boom)

	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, podRef("blog-1"), actionErr.Action.Target())
	assert.Contains(t, err.Error(), "CreateChild Pod/default/blog-1")

	_, exists := f.plane.Object(podRef("blog-2"))
	assert.False(t, exists, "actions after a failure are not attempted")
}

func TestExecute_DeleteMissingIsSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	stale := newPod("blog-gone")
	stale.SetResourceVersion("1")
	f.store.Record(stale)

	n, err := f.exec.Execute(context.Background(), f.owner, []reconcile.Action{
		reconcile.DeleteChild{Ref: podRef("blog-gone")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := f.store.Get(podRef("blog-gone"))
	assert.False(t, ok)
}

func TestExecute_ConflictRefreshesCache(t *testing.T) {
	t.Parallel()
	f := newFixture(t, newPod("blog-0"))
	current, _ := f.plane.Object(podRef("blog-0"))
	staleRV := current.GetResourceVersion()

	// A concurrent writer moves the object forward.
	current.SetLabels(map[string]string{"touched": "yes"})
	moved, err := f.plane.Update(context.Background(), current)
	require.NoError(t, err)

	desired := current.DeepCopy()
	desired.SetLabels(map[string]string{"touched": "by-us"})
	_, err = f.exec.Execute(context.Background(), f.owner, []reconcile.Action{
		reconcile.UpdateChild{Object: desired, ExpectedResourceVersion: staleRV},
	})
	require.Error(t, err)
	assert.Equal(t, controlplane.ClassConflict, controlplane.Classify(err))

	cached, _ := f.store.Get(podRef("blog-0"))
	assert.Equal(t, moved.GetResourceVersion(), cached.GetResourceVersion(), "conflict triggers a fresh read")
}

func TestExecute_CreateAlreadyExistsIsConflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t, newPod("blog-0"))
	f.store.Evict(podRef("blog-0"), "")

	_, err := f.exec.Execute(context.Background(), f.owner, []reconcile.Action{
		reconcile.CreateChild{Object: newPod("blog-0")},
	})
	assert.Equal(t, controlplane.ClassConflict, controlplane.Classify(err))
	_, ok := f.store.Get(podRef("blog-0"))
	assert.True(t, ok, "the existing object is read back into the cache")
}

func TestExecute_UpdateMissingIsConflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ghost := newPod("blog-0")
	ghost.SetResourceVersion("7")
	f.store.Record(ghost)

	_, err := f.exec.Execute(context.Background(), f.owner, []reconcile.Action{
		reconcile.UpdateChild{Object: ghost, ExpectedResourceVersion: "7"},
	})
	assert.Equal(t, controlplane.ClassConflict, controlplane.Classify(err))
	_, ok := f.store.Get(podRef("blog-0"))
	assert.False(t, ok)
}

func TestExecute_CancelledBetweenActions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	actions := []reconcile.Action{
		reconcile.RunCleanup{Name: "first", Owner: controlplane.RefOf(f.owner), Run: func(context.Context) error {
			cancel()
			return nil
		}},
		reconcile.CreateChild{Object: newPod("blog-0")},
	}
	n, err := f.exec.Execute(ctx, f.owner, actions)
	assert.Equal(t, 1, n, "the running action completes")
	assert.Equal(t, controlplane.ClassCanceled, controlplane.Classify(err))
	assert.Equal(t, 0, f.plane.CountCalls(fake.VerbCreate, ""))
}

func TestExecute_RunCleanupFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	boom := errors.New("bucket unreachable")

	_, err := f.exec.Execute(context.Background(), f.owner, []reconcile.Action{
		reconcile.RunCleanup{Name: "artifacts", Owner: controlplane.RefOf(f.owner), Run: func(context.Context) error { return boom }},
	})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, drainEvents(f.recorder), "Warning CleanupFailed Cleanup artifacts failed: bucket unreachable")
}

func TestExecute_PatchStatusStale(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.exec.Execute(context.Background(), f.owner, []reconcile.Action{
		reconcile.PatchStatus{Ref: controlplane.RefOf(f.owner), Status: map[string]interface{}{}, ExpectedResourceVersion: "0"},
	})
	assert.ErrorIs(t, err, controlplane.ErrConflict)
	assert.Equal(t, 0, f.plane.CountCalls(fake.VerbUpdateStatus, ""))
}

func TestExecute_CreateOverUnchangedNamesakeIsTransient(t *testing.T) {
	t.Parallel()
	f := newFixture(t, newPod("blog-0"))

	// The cache already holds the current namesake: re-reading shows nothing new.
	_, err := f.exec.Execute(context.Background(), f.owner, []reconcile.Action{
		reconcile.CreateChild{Object: newPod("blog-0")},
	})
	require.Error(t, err)
	assert.Equal(t, controlplane.ClassTransient, controlplane.Classify(err))
	assert.Equal(t, 1, f.plane.CountCalls(fake.VerbGet, "Pod"))
}

func TestExecute_InjectedConflictWithoutNewerStateIsTransient(t *testing.T) {
	t.Parallel()
	f := newFixture(t, newPod("blog-0"))
	current, _ := f.plane.Object(podRef("blog-0"))
	f.plane.InjectFailure(fake.Failure{Verb: fake.VerbUpdate, Kind: "Pod", Err: controlplane.ErrConflict, Times: 1})

	desired := current.DeepCopy()
	desired.SetLabels(map[string]string{"touched": "by-us"})
	_, err := f.exec.Execute(context.Background(), f.owner, []reconcile.Action{
		reconcile.UpdateChild{Object: desired, ExpectedResourceVersion: current.GetResourceVersion()},
	})
	assert.Equal(t, controlplane.ClassTransient, controlplane.Classify(err))
}
