package kube

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/tools/record"

	"github.com/imamik/customapp-operator/api/v1alpha1"
)

// NewEventRecorder returns a recorder that emits Events through clientset as
// component. The returned function stops the broadcaster.
func NewEventRecorder(clientset kubernetes.Interface, component string) (record.EventRecorder, func()) {
	broadcaster := record.NewBroadcaster()
	broadcaster.StartRecordingToSink(&typedcorev1.EventSinkImpl{
		Interface: clientset.CoreV1().Events(""),
	})
	recorder := broadcaster.NewRecorder(v1alpha1.Scheme, corev1.EventSource{Component: component})
	return recorder, broadcaster.Shutdown
}
