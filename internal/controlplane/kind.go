package controlplane

import (
	"fmt"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Kind describes a resource type the engine can list, watch and write.
type Kind struct {
	// Name is the object kind, e.g. "Pod".
	Name string
	// ListKind defaults to Name + "List".
	ListKind   string
	Resource   schema.GroupVersionResource
	Namespaced bool
}

// GroupVersionKind returns the GVK of objects of this kind.
func (k Kind) GroupVersionKind() schema.GroupVersionKind {
	return k.Resource.GroupVersion().WithKind(k.Name)
}

// APIVersion returns the apiVersion field value for objects of this kind.
func (k Kind) APIVersion() string {
	return k.Resource.GroupVersion().String()
}

// List returns the list kind name.
func (k Kind) List() string {
	if k.ListKind != "" {
		return k.ListKind
	}
	return k.Name + "List"
}

// Registry maps kind names to their resource descriptions.
type Registry struct {
	kinds map[string]Kind
}

// NewRegistry builds a registry from the given kinds. Later duplicates win.
func NewRegistry(kinds ...Kind) *Registry {
	r := &Registry{kinds: make(map[string]Kind, len(kinds))}
	for _, k := range kinds {
		r.kinds[k.Name] = k
	}
	return r
}

// Lookup returns the kind registered under name.
func (r *Registry) Lookup(name string) (Kind, bool) {
	k, ok := r.kinds[name]
	return k, ok
}

// LookupKind returns the kind registered under name or an error naming it.
func (r *Registry) LookupKind(name string) (Kind, error) {
	k, ok := r.kinds[name]
	if !ok {
		return Kind{}, fmt.Errorf("kind %q is not registered", name)
	}
	return k, nil
}
