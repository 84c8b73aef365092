package controlplane

import (
	"context"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"
)

// Client is the subset of the cluster API the engine depends on.
//
// Every write is conditional: Update, UpdateStatus and Delete fail with a
// conflict when the supplied resourceVersion no longer matches the server's.
// Create fails with AlreadyExists when the name is taken.
type Client interface {
	// List returns all objects of kind in namespace ("" for all namespaces).
	// The list carries the resourceVersion it was served at.
	List(ctx context.Context, kind Kind, namespace string) (*unstructured.UnstructuredList, error)

	// Watch streams changes of kind after resourceVersion. An expired
	// resourceVersion fails with a 410 Gone error.
	Watch(ctx context.Context, kind Kind, namespace, resourceVersion string) (watch.Interface, error)

	Get(ctx context.Context, ref ResourceRef) (*unstructured.Unstructured, error)
	Create(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error)

	// Update writes everything except status. obj's resourceVersion is the precondition.
	Update(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error)

	// UpdateStatus writes only the status subresource.
	UpdateStatus(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error)

	// Delete removes ref. A non-empty resourceVersion is used as a precondition.
	Delete(ctx context.Context, ref ResourceRef, resourceVersion string) error
}
