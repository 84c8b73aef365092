package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Finalizer is the token the operator places on every CustomApp it manages.
const Finalizer = "customapps.per.naess"

// Kind and resource names of the CustomApp API.
const (
	Kind     = "CustomApp"
	ListKind = "CustomAppList"
	Resource = "customapps"
)

// CustomAppSpec defines the desired state of a CustomApp.
type CustomAppSpec struct {
	// Title is shown on the rendered page.
	Title string `json:"title"`

	// Content is the page body, published through the content ConfigMap.
	// +optional
	Content string `json:"content,omitempty"`

	// Hide removes the Service so the app is no longer reachable.
	// +optional
	Hide bool `json:"hide,omitempty"`

	// Image is the container image run by every replica.
	// +kubebuilder:default="nginx:1.27"
	// +optional
	Image string `json:"image,omitempty"`

	// Replicas is the number of replica Pods.
	// +kubebuilder:validation:Minimum=0
	// +kubebuilder:default=1
	// +optional
	Replicas *int32 `json:"replicas,omitempty"`

	// Port exposes the replicas through a Service when greater than zero.
	// +kubebuilder:validation:Minimum=0
	// +kubebuilder:validation:Maximum=65535
	// +optional
	Port int32 `json:"port,omitempty"`

	// Artifacts points at the S3 prefix the app writes to. It is purged on deletion.
	// +optional
	Artifacts *ArtifactsSpec `json:"artifacts,omitempty"`

	// Paused stops the operator from reconciling this app
	// +optional
	Paused bool `json:"paused,omitempty"`
}

// ArtifactsSpec identifies an object storage prefix owned by the app.
type ArtifactsSpec struct {
	Bucket string `json:"bucket"`

	// +optional
	Prefix string `json:"prefix,omitempty"`
}

// CustomAppPhase summarizes where the app is in its lifecycle.
// +kubebuilder:validation:Enum=Pending;Progressing;Ready
type CustomAppPhase string

const (
	PhasePending     CustomAppPhase = "Pending"
	PhaseProgressing CustomAppPhase = "Progressing"
	PhaseReady       CustomAppPhase = "Ready"
)

// Condition types
const (
	ConditionReady       = "Ready"
	ConditionProgressing = "Progressing"
	ConditionStalled     = "Stalled"
)

// CustomAppStatus defines the observed state of a CustomApp.
type CustomAppStatus struct {
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// +optional
	DesiredChildren int32 `json:"desiredChildren,omitempty"`

	// +optional
	ReadyChildren int32 `json:"readyChildren,omitempty"`

	// Hidden mirrors spec.hide once the Service has been removed.
	// +optional
	Hidden bool `json:"hidden,omitempty"`

	// +optional
	Phase CustomAppPhase `json:"phase,omitempty"`

	// +optional
	// +listType=map
	// +listMapKey=type
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=cap
// +kubebuilder:printcolumn:name="Title",type=string,JSONPath=`.spec.title`
// +kubebuilder:printcolumn:name="Ready",type=integer,JSONPath=`.status.readyChildren`
// +kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// CustomApp is the Schema for the customapps API.
type CustomApp struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   CustomAppSpec   `json:"spec,omitempty"`
	Status CustomAppStatus `json:"status,omitempty"`
}

// DesiredReplicas returns spec.replicas, defaulting to one.
func (c *CustomApp) DesiredReplicas() int32 {
	if c.Spec.Replicas == nil {
		return 1
	}
	if *c.Spec.Replicas < 0 {
		return 0
	}
	return *c.Spec.Replicas
}

// +kubebuilder:object:root=true

// CustomAppList contains a list of CustomApp.
type CustomAppList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []CustomApp `json:"items"`
}
