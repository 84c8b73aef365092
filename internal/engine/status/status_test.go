package status

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/imamik/customapp-operator/internal/controlplane"
	"github.com/imamik/customapp-operator/internal/engine/cache"
	testutil "github.com/imamik/customapp-operator/internal/testing"
)

func setup(t *testing.T) (*Writer, *cache.Cache, *unstructured.Unstructured, func() *unstructured.Unstructured) {
	t.Helper()
	app := testutil.NewAppBuilder("blog").Build()
	plane := testutil.NewPlane(t, app)
	ref := controlplane.RefOf(app)
	stored, ok := plane.Object(ref)
	require.True(t, ok)

	store := cache.New(plane, nil, cache.Options{})
	store.Record(stored)
	current := func() *unstructured.Unstructured {
		obj, _ := plane.Object(ref)
		return obj
	}
	return NewWriter(plane, store), store, stored, current
}

func TestSetStatus(t *testing.T) {
	t.Parallel()
	w, store, app, current := setup(t)
	ref := controlplane.RefOf(app)

	updated, err := w.SetStatus(context.Background(), ref, map[string]interface{}{"hidden": true}, app.GetResourceVersion())
	require.NoError(t, err)
	assert.NotEqual(t, app.GetResourceVersion(), updated.GetResourceVersion())

	hidden, _, _ := unstructured.NestedBool(current().Object, "status", "hidden")
	assert.True(t, hidden)

	cached, _ := store.Get(ref)
	assert.Equal(t, updated.GetResourceVersion(), cached.GetResourceVersion(), "the write is recorded in the store")
}

func TestSetStatus_StaleExpectation(t *testing.T) {
	t.Parallel()
	w, _, app, _ := setup(t)
	ref := controlplane.RefOf(app)

	_, err := w.SetStatus(context.Background(), ref, map[string]interface{}{"hidden": true}, app.GetResourceVersion())
	require.NoError(t, err)

	_, err = w.SetStatus(context.Background(), ref, map[string]interface{}{"hidden": false}, app.GetResourceVersion())
	assert.True(t, errors.Is(err, controlplane.ErrConflict))
	assert.Equal(t, controlplane.ClassConflict, controlplane.Classify(err))
}

func TestSetStatus_ServerConflict(t *testing.T) {
	t.Parallel()
	app := testutil.NewAppBuilder("blog").Build()
	plane := testutil.NewPlane(t, app)
	ref := controlplane.RefOf(app)
	stored, _ := plane.Object(ref)

	store := cache.New(plane, nil, cache.Options{})
	store.Record(stored)

	// Someone else writes after our cache was filled.
	other := stored.DeepCopy()
	require.NoError(t, unstructured.SetNestedField(other.Object, "Ready", "status", "phase"))
	_, err := plane.UpdateStatus(context.Background(), other)
	require.NoError(t, err)

	_, err = NewWriter(plane, store).SetStatus(context.Background(), ref, map[string]interface{}{"hidden": true}, stored.GetResourceVersion())
	assert.True(t, apierrors.IsConflict(err))
}

func TestSetStatus_NotCached(t *testing.T) {
	t.Parallel()
	plane := testutil.NewPlane(t)
	w := NewWriter(plane, cache.New(plane, nil, cache.Options{}))
	_, err := w.SetStatus(context.Background(), controlplane.ResourceRef{Kind: "CustomApp", Namespace: "default", Name: "x"}, nil, "")
	assert.ErrorIs(t, err, controlplane.ErrConflict)
}

func TestWithCondition(t *testing.T) {
	t.Parallel()
	app := testutil.NewAppBuilder("blog").Build()
	require.NoError(t, unstructured.SetNestedField(app.Object, "Ready", "status", "phase"))

	stalled := metav1.Condition{Type: "Stalled", Status: metav1.ConditionTrue, Reason: "TerminalError", Message: "bad image"}
	status, changed, err := WithCondition(app, stalled)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "Ready", status["phase"], "other status fields are preserved")

	app.Object["status"] = status
	cond := FindCondition(app, "Stalled")
	require.NotNil(t, cond)
	assert.Equal(t, "bad image", cond.Message)
	assert.False(t, cond.LastTransitionTime.IsZero())

	_, changed, err = WithCondition(app, stalled)
	require.NoError(t, err)
	assert.False(t, changed, "setting the same condition again is not a change")

	assert.Nil(t, FindCondition(app, "Ready"))
}

func TestConditions_Malformed(t *testing.T) {
	t.Parallel()
	app := testutil.NewAppBuilder("blog").Build()
	require.NoError(t, unstructured.SetNestedField(app.Object, "nope", "status", "conditions"))

	_, err := Conditions(app)
	assert.Error(t, err)
	assert.Nil(t, FindCondition(app, "Ready"))
}
