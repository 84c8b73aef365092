package controlplane

import (
	"sort"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// ResourceRef identifies an object by kind, namespace and name.
// It is comparable and used as the work queue key.
type ResourceRef struct {
	Kind      string
	Namespace string
	Name      string
}

func (r ResourceRef) String() string {
	if r.Namespace == "" {
		return r.Kind + "/" + r.Name
	}
	return r.Kind + "/" + r.Namespace + "/" + r.Name
}

// RefOf returns the reference of obj.
func RefOf(obj *unstructured.Unstructured) ResourceRef {
	return ResourceRef{Kind: obj.GetKind(), Namespace: obj.GetNamespace(), Name: obj.GetName()}
}

// IsTerminating reports whether obj carries a deletion timestamp.
func IsTerminating(obj *unstructured.Unstructured) bool {
	return obj.GetDeletionTimestamp() != nil
}

// ControllerRef returns the reference of the object's controlling owner, if any.
// Owners are assumed to live in the object's namespace.
func ControllerRef(obj *unstructured.Unstructured) (ResourceRef, bool) {
	for _, ref := range obj.GetOwnerReferences() {
		if ref.Controller != nil && *ref.Controller {
			return ResourceRef{Kind: ref.Kind, Namespace: obj.GetNamespace(), Name: ref.Name}, true
		}
	}
	return ResourceRef{}, false
}

// IsControlledBy reports whether owner is the controller of obj, matching by UID.
func IsControlledBy(obj, owner *unstructured.Unstructured) bool {
	for _, ref := range obj.GetOwnerReferences() {
		if ref.Controller != nil && *ref.Controller {
			return ref.UID == owner.GetUID() && ref.Kind == owner.GetKind() && ref.Name == owner.GetName()
		}
	}
	return false
}

// NewControllerRef returns an owner reference marking owner as the controller.
func NewControllerRef(owner *unstructured.Unstructured) metav1.OwnerReference {
	yes := true
	return metav1.OwnerReference{
		APIVersion:         owner.GetAPIVersion(),
		Kind:               owner.GetKind(),
		Name:               owner.GetName(),
		UID:                owner.GetUID(),
		Controller:         &yes,
		BlockOwnerDeletion: &yes,
	}
}

// SortOldestFirst orders objects by creation time, ties broken by name.
func SortOldestFirst(objs []*unstructured.Unstructured) {
	sort.SliceStable(objs, func(i, j int) bool {
		ti, tj := objs[i].GetCreationTimestamp(), objs[j].GetCreationTimestamp()
		if !ti.Equal(&tj) {
			return ti.Before(&tj)
		}
		return objs[i].GetName() < objs[j].GetName()
	})
}
