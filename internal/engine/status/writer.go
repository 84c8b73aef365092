// Package status writes the status subresource of owner objects and
// manipulates the conditions stored in it.
package status

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/imamik/customapp-operator/internal/controlplane"
)

// Store is the cache view the writer reads its base object from and records
// the written result into.
type Store interface {
	Get(ref controlplane.ResourceRef) (*unstructured.Unstructured, bool)
	Record(obj *unstructured.Unstructured) bool
}

// Writer replaces the status of an object through the status subresource.
type Writer struct {
	client controlplane.Client
	store  Store
}

// NewWriter returns a Writer.
func NewWriter(client controlplane.Client, store Store) *Writer {
	return &Writer{client: client, store: store}
}

// SetStatus replaces the status of ref, conditional on expectedResourceVersion.
// A cached copy that has already moved past the expectation is reported as a
// conflict without a round trip.
func (w *Writer) SetStatus(ctx context.Context, ref controlplane.ResourceRef, status map[string]interface{}, expectedResourceVersion string) (*unstructured.Unstructured, error) {
	base, ok := w.store.Get(ref)
	if !ok {
		return nil, fmt.Errorf("status of %s: object is not cached: %w", ref, controlplane.ErrConflict)
	}
	if expectedResourceVersion != "" && base.GetResourceVersion() != expectedResourceVersion {
		return nil, fmt.Errorf("status of %s: expected resourceVersion %s, cached %s: %w",
			ref, expectedResourceVersion, base.GetResourceVersion(), controlplane.ErrConflict)
	}

	obj := base.DeepCopy()
	if status == nil {
		delete(obj.Object, "status")
	} else {
		obj.Object["status"] = runtime.DeepCopyJSONValue(status)
	}

	updated, err := w.client.UpdateStatus(ctx, obj)
	if err != nil {
		return nil, err
	}
	w.store.Record(updated)
	return updated, nil
}
