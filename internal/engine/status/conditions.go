package status

import (
	"fmt"

	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
)

type conditionList struct {
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// Conditions decodes status.conditions of obj.
func Conditions(obj *unstructured.Unstructured) ([]metav1.Condition, error) {
	raw, found, err := unstructured.NestedSlice(obj.Object, "status", "conditions")
	if err != nil {
		return nil, fmt.Errorf("status.conditions: %w", err)
	}
	if !found {
		return nil, nil
	}
	var list conditionList
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(map[string]interface{}{"conditions": raw}, &list); err != nil {
		return nil, fmt.Errorf("decode status.conditions: %w", err)
	}
	return list.Conditions, nil
}

// FindCondition returns the condition of type condType, if present.
func FindCondition(obj *unstructured.Unstructured, condType string) *metav1.Condition {
	conds, err := Conditions(obj)
	if err != nil {
		return nil
	}
	return meta.FindStatusCondition(conds, condType)
}

// WithCondition returns a copy of obj's status with cond set. changed is
// false when the condition was already present with the same status, reason,
// message and observed generation.
func WithCondition(obj *unstructured.Unstructured, cond metav1.Condition) (status map[string]interface{}, changed bool, err error) {
	conds, err := Conditions(obj)
	if err != nil {
		return nil, false, err
	}
	changed = meta.SetStatusCondition(&conds, cond)

	status = map[string]interface{}{}
	if current, ok := obj.Object["status"].(map[string]interface{}); ok {
		status = runtime.DeepCopyJSON(current)
	}
	encoded, err := runtime.DefaultUnstructuredConverter.ToUnstructured(&conditionList{Conditions: conds})
	if err != nil {
		return nil, false, fmt.Errorf("encode status.conditions: %w", err)
	}
	status["conditions"] = encoded["conditions"]
	return status, changed, nil
}
