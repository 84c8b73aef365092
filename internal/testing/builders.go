package testing

import (
	"maps"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/imamik/customapp-operator/api/v1alpha1"
)

// DefaultNamespace is used by builders unless overridden.
const DefaultNamespace = "default"

// AppBuilder provides a fluent interface for constructing test CustomApps.
// Each method returns a new builder (immutable) for chaining.
type AppBuilder struct {
	app v1alpha1.CustomApp
}

// NewAppBuilder creates a new AppBuilder with sensible defaults.
func NewAppBuilder(name string) *AppBuilder {
	return &AppBuilder{
		app: v1alpha1.CustomApp{
			TypeMeta: metav1.TypeMeta{
				APIVersion: v1alpha1.GroupVersion.String(),
				Kind:       v1alpha1.Kind,
			},
			ObjectMeta: metav1.ObjectMeta{
				Name:      name,
				Namespace: DefaultNamespace,
			},
			Spec: v1alpha1.CustomAppSpec{
				Title:   name,
				Content: "hello from " + name,
				Image:   "nginx:1.27",
			},
		},
	}
}

// WithNamespace sets the namespace.
func (b *AppBuilder) WithNamespace(ns string) *AppBuilder {
	nb := b.clone()
	nb.app.Namespace = ns
	return nb
}

// WithReplicas sets spec.replicas.
func (b *AppBuilder) WithReplicas(n int32) *AppBuilder {
	nb := b.clone()
	nb.app.Spec.Replicas = &n
	return nb
}

// WithImage sets spec.image.
func (b *AppBuilder) WithImage(image string) *AppBuilder {
	nb := b.clone()
	nb.app.Spec.Image = image
	return nb
}

// WithPort sets spec.port.
func (b *AppBuilder) WithPort(port int32) *AppBuilder {
	nb := b.clone()
	nb.app.Spec.Port = port
	return nb
}

// WithContent sets spec.content.
func (b *AppBuilder) WithContent(content string) *AppBuilder {
	nb := b.clone()
	nb.app.Spec.Content = content
	return nb
}

// Hidden sets spec.hide.
func (b *AppBuilder) Hidden() *AppBuilder {
	nb := b.clone()
	nb.app.Spec.Hide = true
	return nb
}

// Paused sets spec.paused.
func (b *AppBuilder) Paused() *AppBuilder {
	nb := b.clone()
	nb.app.Spec.Paused = true
	return nb
}

// WithArtifacts sets the S3 artifacts location.
func (b *AppBuilder) WithArtifacts(bucket, prefix string) *AppBuilder {
	nb := b.clone()
	nb.app.Spec.Artifacts = &v1alpha1.ArtifactsSpec{Bucket: bucket, Prefix: prefix}
	return nb
}

// WithFinalizers sets metadata.finalizers.
func (b *AppBuilder) WithFinalizers(finalizers ...string) *AppBuilder {
	nb := b.clone()
	nb.app.Finalizers = append([]string(nil), finalizers...)
	return nb
}

// WithLabels merges labels into metadata.labels.
func (b *AppBuilder) WithLabels(labels map[string]string) *AppBuilder {
	nb := b.clone()
	if nb.app.Labels == nil {
		nb.app.Labels = map[string]string{}
	}
	maps.Copy(nb.app.Labels, labels)
	return nb
}

// Typed returns a copy of the typed CustomApp.
func (b *AppBuilder) Typed() *v1alpha1.CustomApp {
	return b.app.DeepCopy()
}

// Build returns the CustomApp as an unstructured object.
func (b *AppBuilder) Build() *unstructured.Unstructured {
	return MustUnstructured(b.app.DeepCopy())
}

func (b *AppBuilder) clone() *AppBuilder {
	return &AppBuilder{app: *b.app.DeepCopy()}
}

// MustUnstructured converts a typed object, panicking on failure.
func MustUnstructured(obj runtime.Object) *unstructured.Unstructured {
	m, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		panic(err)
	}
	return &unstructured.Unstructured{Object: m}
}

// ReadyPod marks an unstructured Pod as Ready.
func ReadyPod(pod *unstructured.Unstructured) *unstructured.Unstructured {
	out := pod.DeepCopy()
	cond := map[string]interface{}{
		"type":   string(corev1.PodReady),
		"status": string(corev1.ConditionTrue),
	}
	_ = unstructured.SetNestedSlice(out.Object, []interface{}{cond}, "status", "conditions")
	return out
}
