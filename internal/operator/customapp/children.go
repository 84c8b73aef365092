package customapp

import (
	"encoding/json"
	"fmt"
	"hash/fnv"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/rand"

	"github.com/imamik/customapp-operator/api/v1alpha1"
	"github.com/imamik/customapp-operator/internal/controlplane"
	"github.com/imamik/customapp-operator/internal/util/labels"
	"github.com/imamik/customapp-operator/internal/util/naming"
)

// appContainer is the name of the container running the app image.
const appContainer = "app"

// Keys of the content ConfigMap.
const (
	dataTitle   = "title"
	dataContent = "content"
)

// templateHash returns a short, label-safe digest of v.
func templateHash(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Only plain data is hashed; this cannot fail.
		panic(fmt.Sprintf("hash template: %v", err))
	}
	h := fnv.New32a()
	_, _ = h.Write(b)
	return rand.SafeEncodeString(fmt.Sprint(h.Sum32()))
}

func hashOf(obj *unstructured.Unstructured) string {
	return obj.GetAnnotations()[labels.AnnotationTemplateHash]
}

func childMeta(owner *unstructured.Unstructured, name, component, hash string) metav1.ObjectMeta {
	return metav1.ObjectMeta{
		Name:            name,
		Namespace:       owner.GetNamespace(),
		Labels:          labels.NewLabelBuilder(owner.GetName()).WithComponent(component).Build(),
		Annotations:     map[string]string{labels.AnnotationTemplateHash: hash},
		OwnerReferences: []metav1.OwnerReference{controlplane.NewControllerRef(owner)},
	}
}

func toUnstructured(obj runtime.Object, apiVersion, kind string) *unstructured.Unstructured {
	m, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		panic(fmt.Sprintf("convert %s: %v", kind, err))
	}
	u := &unstructured.Unstructured{Object: m}
	u.SetAPIVersion(apiVersion)
	u.SetKind(kind)
	return u
}

func configData(app *v1alpha1.CustomApp) map[string]string {
	return map[string]string{
		dataTitle:   app.Spec.Title,
		dataContent: app.Spec.Content,
	}
}

// desiredConfigMap renders the content ConfigMap.
func desiredConfigMap(owner *unstructured.Unstructured, app *v1alpha1.CustomApp) *unstructured.Unstructured {
	data := configData(app)
	cm := &corev1.ConfigMap{
		ObjectMeta: childMeta(owner, naming.ContentConfigMap(app.Name), labels.ComponentConfig, templateHash(data)),
		Data:       data,
	}
	return toUnstructured(cm, "v1", "ConfigMap")
}

func wantsService(app *v1alpha1.CustomApp) bool {
	return app.Spec.Port > 0 && !app.Spec.Hide
}

func servicePorts(app *v1alpha1.CustomApp) []corev1.ServicePort {
	return []corev1.ServicePort{{
		Name:       "http",
		Protocol:   corev1.ProtocolTCP,
		Port:       app.Spec.Port,
		TargetPort: intstr.FromInt32(app.Spec.Port),
	}}
}

func serviceHash(app *v1alpha1.CustomApp) string {
	return templateHash(struct {
		Ports    []corev1.ServicePort `json:"ports"`
		Selector map[string]string    `json:"selector"`
	}{servicePorts(app), labels.SelectorForReplicas(app.Name)})
}

// desiredService renders the ClusterIP Service in front of the replicas.
func desiredService(owner *unstructured.Unstructured, app *v1alpha1.CustomApp) *unstructured.Unstructured {
	svc := &corev1.Service{
		ObjectMeta: childMeta(owner, naming.Service(app.Name), labels.ComponentService, serviceHash(app)),
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeClusterIP,
			Selector: labels.SelectorForReplicas(app.Name),
			Ports:    servicePorts(app),
		},
	}
	return toUnstructured(svc, "v1", "Service")
}

// podHash covers the fields of a replica that can change in place.
func podHash(app *v1alpha1.CustomApp) string {
	return templateHash(map[string]string{"image": app.Spec.Image})
}

// desiredPod renders the replica with the given ordinal.
func desiredPod(owner *unstructured.Unstructured, app *v1alpha1.CustomApp, ordinal int) *unstructured.Unstructured {
	container := corev1.Container{
		Name:  appContainer,
		Image: app.Spec.Image,
		EnvFrom: []corev1.EnvFromSource{{
			ConfigMapRef: &corev1.ConfigMapEnvSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: naming.ContentConfigMap(app.Name)},
			},
		}},
	}
	if app.Spec.Port > 0 {
		container.Ports = []corev1.ContainerPort{{
			Name:          "http",
			ContainerPort: app.Spec.Port,
			Protocol:      corev1.ProtocolTCP,
		}}
	}
	pod := &corev1.Pod{
		ObjectMeta: childMeta(owner, naming.Replica(app.Name, ordinal), labels.ComponentReplica, podHash(app)),
		Spec: corev1.PodSpec{
			Containers:    []corev1.Container{container},
			RestartPolicy: corev1.RestartPolicyAlways,
		},
	}
	return toUnstructured(pod, "v1", "Pod")
}

// updatedConfigMap returns cur with the desired data and hash applied.
func updatedConfigMap(cur, want *unstructured.Unstructured) *unstructured.Unstructured {
	next := cur.DeepCopy()
	next.Object["data"] = runtime.DeepCopyJSONValue(want.Object["data"])
	setHash(next, hashOf(want))
	return next
}

// updatedService returns cur with the desired ports and selector applied.
// Server-assigned fields such as clusterIP are kept.
func updatedService(cur, want *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	next := cur.DeepCopy()
	for _, field := range []string{"ports", "selector"} {
		v, _, err := unstructured.NestedFieldCopy(want.Object, "spec", field)
		if err != nil {
			return nil, err
		}
		if err := unstructured.SetNestedField(next.Object, v, "spec", field); err != nil {
			return nil, err
		}
	}
	setHash(next, hashOf(want))
	return next, nil
}

// updatedPod returns cur running image. It reports false when cur has no
// app container to update.
func updatedPod(cur *unstructured.Unstructured, image, hash string) (*unstructured.Unstructured, bool) {
	next := cur.DeepCopy()
	containers, _, _ := unstructured.NestedSlice(next.Object, "spec", "containers")
	found := false
	for i, c := range containers {
		m, ok := c.(map[string]interface{})
		if !ok || m["name"] != appContainer {
			continue
		}
		m["image"] = image
		containers[i] = m
		found = true
	}
	if !found {
		return nil, false
	}
	if err := unstructured.SetNestedSlice(next.Object, containers, "spec", "containers"); err != nil {
		return nil, false
	}
	setHash(next, hash)
	return next, true
}

func setHash(obj *unstructured.Unstructured, hash string) {
	ann := obj.GetAnnotations()
	if ann == nil {
		ann = map[string]string{}
	}
	ann[labels.AnnotationTemplateHash] = hash
	obj.SetAnnotations(ann)
}

// podReady reports whether a replica counts towards readyChildren.
func podReady(pod *unstructured.Unstructured, hash string) bool {
	if controlplane.IsTerminating(pod) || hashOf(pod) != hash {
		return false
	}
	conds, found, _ := unstructured.NestedSlice(pod.Object, "status", "conditions")
	if !found || len(conds) == 0 {
		return true
	}
	for _, c := range conds {
		m, ok := c.(map[string]interface{})
		if ok && m["type"] == string(corev1.PodReady) {
			return m["status"] == string(corev1.ConditionTrue)
		}
	}
	return false
}
