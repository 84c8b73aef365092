package labels

import (
	k8slabels "k8s.io/apimachinery/pkg/labels"
)

// Standard label keys for CustomApp children.
const (
	// KeyOwner carries the name of the owning CustomApp
	KeyOwner = "per.naess/owner"

	// KeyManagedBy identifies the management system
	KeyManagedBy = "app.kubernetes.io/managed-by"

	// KeyComponent identifies what the child is for (config, service, replica)
	KeyComponent = "app.kubernetes.io/component"

	// KeyName is the app name used by Service selectors
	KeyName = "app.kubernetes.io/name"
)

// Annotation keys
const (
	// AnnotationTemplateHash records the hash of the desired fields a child was built from.
	AnnotationTemplateHash = "per.naess/template-hash"
)

// Component values
const (
	ComponentConfig  = "config"
	ComponentService = "service"
	ComponentReplica = "replica"
)

// ManagedByOperator is the value of KeyManagedBy on every child.
const ManagedByOperator = "customapp-operator"

// LabelBuilder provides a fluent interface for building child labels.
type LabelBuilder struct {
	labels map[string]string
}

// NewLabelBuilder creates a new label builder with the owner pre-set.
func NewLabelBuilder(owner string) *LabelBuilder {
	return &LabelBuilder{
		labels: map[string]string{
			KeyOwner:     owner,
			KeyName:      owner,
			KeyManagedBy: ManagedByOperator,
		},
	}
}

// WithComponent adds a component label (config, service, replica).
func (lb *LabelBuilder) WithComponent(component string) *LabelBuilder {
	lb.labels[KeyComponent] = component
	return lb
}

// WithManagedBy sets who manages this resource.
func (lb *LabelBuilder) WithManagedBy(manager string) *LabelBuilder {
	lb.labels[KeyManagedBy] = manager
	return lb
}

// Merge adds all labels from the provided map.
func (lb *LabelBuilder) Merge(extra map[string]string) *LabelBuilder {
	for k, v := range extra {
		lb.labels[k] = v
	}
	return lb
}

// Build returns a copy of the labels map.
func (lb *LabelBuilder) Build() map[string]string {
	result := make(map[string]string, len(lb.labels))
	for k, v := range lb.labels {
		result[k] = v
	}
	return result
}

// SelectorForOwner selects every child of the named CustomApp.
func SelectorForOwner(owner string) k8slabels.Selector {
	return k8slabels.SelectorFromSet(k8slabels.Set{
		KeyOwner:     owner,
		KeyManagedBy: ManagedByOperator,
	})
}

// SelectorForReplicas selects the replica Pods of the named CustomApp.
func SelectorForReplicas(owner string) map[string]string {
	return map[string]string{
		KeyName:      owner,
		KeyComponent: ComponentReplica,
	}
}
