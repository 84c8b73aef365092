// Package kinds lists the resource kinds the CustomApp operator watches and writes.
package kinds

import (
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/imamik/customapp-operator/api/v1alpha1"
	"github.com/imamik/customapp-operator/internal/controlplane"
)

var (
	// CustomApp is the owner kind.
	CustomApp = controlplane.Kind{
		Name:       v1alpha1.Kind,
		ListKind:   v1alpha1.ListKind,
		Resource:   v1alpha1.GroupVersion.WithResource(v1alpha1.Resource),
		Namespaced: true,
	}

	ConfigMap = controlplane.Kind{
		Name:       "ConfigMap",
		Resource:   schema.GroupVersionResource{Version: "v1", Resource: "configmaps"},
		Namespaced: true,
	}

	Service = controlplane.Kind{
		Name:       "Service",
		Resource:   schema.GroupVersionResource{Version: "v1", Resource: "services"},
		Namespaced: true,
	}

	Pod = controlplane.Kind{
		Name:       "Pod",
		Resource:   schema.GroupVersionResource{Version: "v1", Resource: "pods"},
		Namespaced: true,
	}
)

// Children returns the kinds a CustomApp owns, in the order they are cleaned up.
func Children() []controlplane.Kind {
	return []controlplane.Kind{Pod, Service, ConfigMap}
}

// Registry returns a registry holding the owner and all child kinds.
func Registry() *controlplane.Registry {
	return controlplane.NewRegistry(append([]controlplane.Kind{CustomApp}, Children()...)...)
}
