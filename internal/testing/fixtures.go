package testing

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/utils/clock"

	"github.com/imamik/customapp-operator/internal/controlplane/fake"
	"github.com/imamik/customapp-operator/internal/operator/kinds"
)

// TB is the subset of testing.TB the fixtures need. It is satisfied by
// *testing.T and by GinkgoT().
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// NewPlane returns an in-memory control plane serving the operator's kinds,
// seeded with objs.
func NewPlane(t TB, objs ...*unstructured.Unstructured) *fake.ControlPlane {
	t.Helper()
	plane := fake.New(kinds.Registry())
	if err := plane.Seed(objs...); err != nil {
		t.Fatalf("seed control plane: %v", err)
	}
	return plane
}

// NewPlaneWithClock is NewPlane with a controllable clock for timestamps.
func NewPlaneWithClock(t TB, c clock.PassiveClock, objs ...*unstructured.Unstructured) *fake.ControlPlane {
	t.Helper()
	plane := fake.New(kinds.Registry(), fake.WithClock(c))
	if err := plane.Seed(objs...); err != nil {
		t.Fatalf("seed control plane: %v", err)
	}
	return plane
}
