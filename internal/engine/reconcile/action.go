package reconcile

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/imamik/customapp-operator/internal/controlplane"
)

// Action is a single intended write. The set of implementations is closed.
type Action interface {
	// Target is the object the action writes.
	Target() controlplane.ResourceRef
	// Type names the variant for logs and metrics.
	Type() string
	isAction()
}

// Action type names.
const (
	TypeCreateChild = "CreateChild"
	TypeUpdateChild = "UpdateChild"
	TypeDeleteChild = "DeleteChild"
	TypePatchStatus = "PatchStatus"
	TypeRunCleanup  = "RunCleanup"
)

// CreateChild creates Object. The expectation is that it does not exist yet.
type CreateChild struct {
	Object *unstructured.Unstructured
}

// UpdateChild replaces Object, conditional on ExpectedResourceVersion.
type UpdateChild struct {
	Object                  *unstructured.Unstructured
	ExpectedResourceVersion string
}

// DeleteChild deletes Ref, conditional on ExpectedResourceVersion.
type DeleteChild struct {
	Ref                     controlplane.ResourceRef
	ExpectedResourceVersion string
}

// PatchStatus replaces the status of Ref, conditional on ExpectedResourceVersion.
type PatchStatus struct {
	Ref                     controlplane.ResourceRef
	Status                  map[string]interface{}
	ExpectedResourceVersion string
}

// CleanupFunc tears down state outside the control plane. It must be idempotent.
type CleanupFunc func(ctx context.Context) error

// RunCleanup runs Run on behalf of Owner during finalization.
type RunCleanup struct {
	Name  string
	Owner controlplane.ResourceRef
	Run   CleanupFunc
}

func (a CreateChild) Target() controlplane.ResourceRef { return controlplane.RefOf(a.Object) }
func (a UpdateChild) Target() controlplane.ResourceRef { return controlplane.RefOf(a.Object) }
func (a DeleteChild) Target() controlplane.ResourceRef { return a.Ref }
func (a PatchStatus) Target() controlplane.ResourceRef { return a.Ref }
func (a RunCleanup) Target() controlplane.ResourceRef  { return a.Owner }

func (CreateChild) Type() string { return TypeCreateChild }
func (UpdateChild) Type() string { return TypeUpdateChild }
func (DeleteChild) Type() string { return TypeDeleteChild }
func (PatchStatus) Type() string { return TypePatchStatus }
func (RunCleanup) Type() string  { return TypeRunCleanup }

func (CreateChild) isAction() {}
func (UpdateChild) isAction() {}
func (DeleteChild) isAction() {}
func (PatchStatus) isAction() {}
func (RunCleanup) isAction()  {}

// Describe renders an action for logs and error messages.
func Describe(a Action) string {
	if c, ok := a.(RunCleanup); ok {
		return fmt.Sprintf("%s %s for %s", a.Type(), c.Name, c.Owner)
	}
	return fmt.Sprintf("%s %s", a.Type(), a.Target())
}
