package customapp

import (
	"fmt"

	"k8s.io/apimachinery/pkg/api/equality"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/imamik/customapp-operator/api/v1alpha1"
	"github.com/imamik/customapp-operator/internal/controlplane"
	"github.com/imamik/customapp-operator/internal/engine/reconcile"
	"github.com/imamik/customapp-operator/internal/util/naming"
)

// statusPatch returns a PatchStatus action when the status derived from the
// observed children differs from the one stored on the owner. hidden reports
// that the patch is the one marking the app hidden.
func (r *Reconciler) statusPatch(owner *unstructured.Unstructured, app *v1alpha1.CustomApp, o observed, replicaHash string) (patch reconcile.Action, hidden bool, err error) {
	desired := r.desiredStatus(owner, app, o, replicaHash)
	if equality.Semantic.DeepEqual(app.Status, desired) {
		return nil, false, nil
	}
	m, err := runtime.DefaultUnstructuredConverter.ToUnstructured(&desired)
	if err != nil {
		return nil, false, fmt.Errorf("encode status of %s: %w", controlplane.RefOf(owner), err)
	}
	return reconcile.PatchStatus{
		Ref:                     controlplane.RefOf(owner),
		Status:                  m,
		ExpectedResourceVersion: owner.GetResourceVersion(),
	}, desired.Hidden && !app.Status.Hidden, nil
}

func (r *Reconciler) desiredStatus(owner *unstructured.Unstructured, app *v1alpha1.CustomApp, o observed, replicaHash string) v1alpha1.CustomAppStatus {
	st := *app.Status.DeepCopy()
	desired := app.DesiredReplicas()

	var ready int32
	for _, pod := range o.pods {
		if podReady(pod, replicaHash) {
			ready++
		}
	}
	// Surplus replicas about to be deleted do not count.
	if ready > desired {
		ready = desired
	}

	cm, _ := pick(o.configMaps, naming.ContentConfigMap(app.Name))
	svc, _ := pick(o.services, naming.Service(app.Name))
	configReady := cm != nil && hashOf(cm) == hashOf(desiredConfigMap(owner, app))
	serviceReady := svc == nil
	if wantsService(app) {
		serviceReady = svc != nil && hashOf(svc) == serviceHash(app)
	}

	st.ObservedGeneration = app.Generation
	st.DesiredChildren = desired
	st.ReadyChildren = ready
	st.Hidden = app.Spec.Hide && svc == nil

	switch {
	case len(o.configMaps)+len(o.services)+len(o.pods) == 0:
		st.Phase = v1alpha1.PhasePending
	case configReady && serviceReady && ready == desired && int32(len(o.pods)) == desired:
		st.Phase = v1alpha1.PhaseReady
	default:
		st.Phase = v1alpha1.PhaseProgressing
	}

	now := metav1.NewTime(r.clock.Now()).Rfc3339Copy()
	msg := fmt.Sprintf("%d/%d replicas ready", ready, desired)
	if st.Phase == v1alpha1.PhaseReady {
		meta.SetStatusCondition(&st.Conditions, metav1.Condition{
			Type:               v1alpha1.ConditionReady,
			Status:             metav1.ConditionTrue,
			Reason:             "ReplicasReady",
			Message:            msg,
			ObservedGeneration: app.Generation,
			LastTransitionTime: now,
		})
		meta.SetStatusCondition(&st.Conditions, metav1.Condition{
			Type:               v1alpha1.ConditionProgressing,
			Status:             metav1.ConditionFalse,
			Reason:             "Converged",
			Message:            "All children match the desired state",
			ObservedGeneration: app.Generation,
			LastTransitionTime: now,
		})
	} else {
		meta.SetStatusCondition(&st.Conditions, metav1.Condition{
			Type:               v1alpha1.ConditionReady,
			Status:             metav1.ConditionFalse,
			Reason:             "ReplicasNotReady",
			Message:            msg,
			ObservedGeneration: app.Generation,
			LastTransitionTime: now,
		})
		meta.SetStatusCondition(&st.Conditions, metav1.Condition{
			Type:               v1alpha1.ConditionProgressing,
			Status:             metav1.ConditionTrue,
			Reason:             "Reconciling",
			Message:            "Children are being brought in line with the desired state",
			ObservedGeneration: app.Generation,
			LastTransitionTime: now,
		})
	}
	meta.RemoveStatusCondition(&st.Conditions, v1alpha1.ConditionStalled)
	return st
}
