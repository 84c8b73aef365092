package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/imamik/customapp-operator/api/v1alpha1"
	"github.com/imamik/customapp-operator/internal/controlplane"
	"github.com/imamik/customapp-operator/internal/controlplane/fake"
	"github.com/imamik/customapp-operator/internal/engine"
	"github.com/imamik/customapp-operator/internal/engine/reconcile"
	"github.com/imamik/customapp-operator/internal/engine/status"
	"github.com/imamik/customapp-operator/internal/operator/kinds"
	testutil "github.com/imamik/customapp-operator/internal/testing"
)

var _ = Describe("Engine", func() {
	var plane *fake.ControlPlane

	BeforeEach(func() {
		plane = testutil.NewPlane(GinkgoT())
	})

	drainEvents := func(h *harness) []string {
		var out []string
		for {
			select {
			case e := <-h.recorder.Events:
				out = append(out, e)
			default:
				return out
			}
		}
	}

	Context("Convergence", func() {
		It("should create the desired children and report them in status", func() {
			h := startEngine(plane, &configMapReconciler{})

			By("Creating an owner with three replicas")
			h.create(testutil.NewAppBuilder("web").WithReplicas(3).Build())

			Eventually(func() []string { return h.childNames("web") }, timeout, interval).
				Should(Equal([]string{"web-0", "web-1", "web-2"}))
			Eventually(func() int64 { return h.readyChildren("web") }, timeout, interval).Should(Equal(int64(3)))

			By("Verifying the finalizer was added")
			obj, ok := plane.Object(appRef("web"))
			Expect(ok).To(BeTrue())
			Expect(obj.GetFinalizers()).To(ContainElement(v1alpha1.Finalizer))
		})

		It("should make no further writes once converged", func() {
			h := startEngine(plane, &configMapReconciler{}, func(o *engine.Options) {
				o.ResyncInterval = 50 * time.Millisecond
			})
			h.create(testutil.NewAppBuilder("idle").WithReplicas(2).Build())
			Eventually(func() int64 { return h.readyChildren("idle") }, timeout, interval).Should(Equal(int64(2)))

			settled := h.writes()
			Consistently(h.writes, 500*time.Millisecond, interval).Should(Equal(settled))
		})

		It("should delete surplus children when scaling down", func() {
			h := startEngine(plane, &configMapReconciler{})
			h.create(testutil.NewAppBuilder("scale").WithReplicas(3).Build())
			Eventually(func() int64 { return h.readyChildren("scale") }, timeout, interval).Should(Equal(int64(3)))

			By("Reducing replicas to one")
			Eventually(func() error {
				obj, _ := plane.Object(appRef("scale"))
				Expect(unstructured.SetNestedField(obj.Object, int64(1), "spec", "replicas")).To(Succeed())
				_, err := plane.Update(context.Background(), obj)
				return err
			}, timeout, interval).Should(Succeed())

			Eventually(func() []string { return h.childNames("scale") }, timeout, interval).
				Should(Equal([]string{"scale-0"}))
			Eventually(func() int64 { return h.readyChildren("scale") }, timeout, interval).Should(Equal(int64(1)))
			Expect(plane.CountCalls(fake.VerbDelete, kinds.ConfigMap.Name)).To(Equal(2))
		})

		It("should repair a child changed behind its back", func() {
			h := startEngine(plane, &configMapReconciler{})
			h.create(testutil.NewAppBuilder("drift").WithContent("v1").Build())
			Eventually(func() []string { return h.childNames("drift") }, timeout, interval).Should(HaveLen(1))

			ref := controlplane.ResourceRef{Kind: kinds.ConfigMap.Name, Namespace: "default", Name: "drift-0"}
			cm, _ := plane.Object(ref)
			Expect(unstructured.SetNestedField(cm.Object, "tampered", "data", "content")).To(Succeed())
			_, err := plane.Update(context.Background(), cm)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() string {
				cm, _ := plane.Object(ref)
				v, _, _ := unstructured.NestedString(cm.Object, "data", "content")
				return v
			}, timeout, interval).Should(Equal("v1"))
		})
	})

	Context("Failures", func() {
		It("should converge through transient failures", func() {
			h := startEngine(plane, &configMapReconciler{})
			plane.InjectFailure(fake.Failure{
				Verb:  fake.VerbCreate,
				Kind:  kinds.ConfigMap.Name,
				Err:   apierrors.NewServiceUnavailable("etcd leader changed"),
				Times: 3,
			})

			h.create(testutil.NewAppBuilder("flaky").WithReplicas(2).Build())

			Eventually(func() int64 { return h.readyChildren("flaky") }, timeout, interval).Should(Equal(int64(2)))
			Expect(plane.CountCalls(fake.VerbCreate, kinds.ConfigMap.Name)).To(Equal(5))
		})

		It("should retry status conflicts against fresh state", func() {
			h := startEngine(plane, &configMapReconciler{})
			gr := schema.GroupResource{Group: v1alpha1.GroupVersion.Group, Resource: v1alpha1.Resource}
			plane.InjectFailure(fake.Failure{
				Verb:  fake.VerbUpdateStatus,
				Kind:  v1alpha1.Kind,
				Err:   apierrors.NewConflict(gr, "racy", errors.New("the object has been modified")),
				Times: 2,
			})

			h.create(testutil.NewAppBuilder("racy").WithReplicas(1).Build())

			Eventually(func() int64 { return h.readyChildren("racy") }, timeout, interval).Should(Equal(int64(1)))
			Expect(plane.CountCalls(fake.VerbUpdateStatus, v1alpha1.Kind)).To(BeNumerically(">=", 3))
		})

		It("should back off when a conflict leaves nothing newer to read", func() {
			h := startEngine(plane, &configMapReconciler{})
			gr := schema.GroupResource{Resource: kinds.ConfigMap.Resource.Resource}
			plane.InjectFailure(fake.Failure{
				Verb: fake.VerbCreate,
				Kind: kinds.ConfigMap.Name,
				Err:  apierrors.NewAlreadyExists(gr, "stuck-0"),
			})

			h.create(testutil.NewAppBuilder("stuck").Build())
			Eventually(func() int { return plane.CountCalls(fake.VerbCreate, kinds.ConfigMap.Name) }, timeout, interval).
				Should(BeNumerically(">=", 2))
			time.Sleep(500 * time.Millisecond)
			Expect(plane.CountCalls(fake.VerbCreate, kinds.ConfigMap.Name)).To(BeNumerically("<", 25),
				"retries are paced by backoff")

			plane.ClearFailures()
			Eventually(func() int64 { return h.readyChildren("stuck") }, timeout, interval).Should(Equal(int64(1)))
		})

		It("should surface terminal errors once retries are exhausted", func() {
			h := startEngine(plane, &configMapReconciler{terminal: errors.New("spec.image is not a valid reference")})
			h.create(testutil.NewAppBuilder("broken").Build())

			Eventually(func() bool {
				obj, ok := plane.Object(appRef("broken"))
				if !ok {
					return false
				}
				cond := status.FindCondition(obj, engine.ConditionStalled)
				return cond != nil && cond.Reason == "TerminalError" &&
					strings.Contains(cond.Message, "spec.image is not a valid reference")
			}, timeout, interval).Should(BeTrue())

			Expect(drainEvents(h)).To(ContainElement(HavePrefix("Warning ReconcileFailed")))
			Expect(h.childNames("broken")).To(BeEmpty())
		})
	})

	Context("Deletion", func() {
		It("should remove the finalizer only after cleanup succeeds", func() {
			var calls atomic.Int32
			h := startEngine(plane, &configMapReconciler{cleanup: failingOnce(&calls)})
			h.create(testutil.NewAppBuilder("gone").WithReplicas(2).Build())
			Eventually(func() int64 { return h.readyChildren("gone") }, timeout, interval).Should(Equal(int64(2)))

			By("Deleting the owner")
			Expect(plane.Delete(context.Background(), appRef("gone"), "")).To(Succeed())

			Eventually(func() bool {
				_, ok := plane.Object(appRef("gone"))
				return ok
			}, timeout, interval).Should(BeFalse())
			Expect(calls.Load()).To(Equal(int32(2)))
			Expect(h.childNames("gone")).To(BeEmpty())
			Expect(drainEvents(h)).To(ContainElements(
				HavePrefix("Warning CleanupFailed"),
				HavePrefix("Normal Finalized"),
			))
		})

		It("should never force deletion through an invalid cleanup plan", func() {
			bogus := reconcile.CreateChild{Object: childConfigMap(
				testutil.NewAppBuilder("stuck").Build(), "stuck-extra", "x")}
			startEngine(plane, &configMapReconciler{extraCleanup: []reconcile.Action{bogus}})

			_, err := plane.Create(context.Background(), testutil.NewAppBuilder("stuck").Build())
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() []string {
				obj, _ := plane.Object(appRef("stuck"))
				return obj.GetFinalizers()
			}, timeout, interval).Should(ContainElement(v1alpha1.Finalizer))

			Expect(plane.Delete(context.Background(), appRef("stuck"), "")).To(Succeed())

			Consistently(func() []string {
				obj, ok := plane.Object(appRef("stuck"))
				if !ok {
					return nil
				}
				return obj.GetFinalizers()
			}, 500*time.Millisecond, interval).Should(ContainElement(v1alpha1.Finalizer))
		})
	})

	Context("Leadership", func() {
		It("should stop writing when leadership is lost and resume on re-election", func() {
			elector := newManualElector()
			h := startEngine(plane, &configMapReconciler{}, func(o *engine.Options) {
				o.Elector = elector
			})

			By("Standing by until elected")
			h.create(testutil.NewAppBuilder("first").Build())
			Consistently(func() []string { return h.childNames("first") }, 300*time.Millisecond, interval).Should(BeEmpty())

			elector.Grant()
			Eventually(func() int64 { return h.readyChildren("first") }, timeout, interval).Should(Equal(int64(1)))
			Expect(h.engine.Diagnostics().Leading).To(BeTrue())

			By("Losing leadership")
			elector.Revoke()
			Eventually(func() bool { return h.engine.Diagnostics().Leading }, timeout, interval).Should(BeFalse())
			Expect(h.engine.Diagnostics().QueueDepth).To(BeZero(), "the queue goes with the term")

			h.create(testutil.NewAppBuilder("second").Build())
			Consistently(func() []string { return h.childNames("second") }, 300*time.Millisecond, interval).Should(BeEmpty())

			By("Regaining leadership")
			elector.Grant()
			Eventually(func() int64 { return h.readyChildren("second") }, timeout, interval).Should(Equal(int64(1)))
		})
	})

	Context("Diagnostics", func() {
		It("should serve a JSON snapshot", func() {
			h := startEngine(plane, &configMapReconciler{})
			h.create(testutil.NewAppBuilder("diag").Build())
			Eventually(func() int64 { return h.readyChildren("diag") }, timeout, interval).Should(Equal(int64(1)))

			Expect(h.engine.ReadyCheck(nil)).To(Succeed())

			rec := httptest.NewRecorder()
			h.engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/diagnostics", nil))
			Expect(rec.Code).To(Equal(http.StatusOK))

			var d engine.Diagnostics
			Expect(json.Unmarshal(rec.Body.Bytes(), &d)).To(Succeed())
			Expect(d.Reporter).To(Equal(engine.DefaultReporter))
			Expect(d.CacheSynced).To(BeTrue())
			Expect(d.Leading).To(BeTrue())
			Expect(d.Leader).To(Equal("Leading"))
			Expect(d.LastEvent).NotTo(BeNil())

			rec = httptest.NewRecorder()
			h.engine.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/diagnostics", nil))
			Expect(rec.Code).To(Equal(http.StatusMethodNotAllowed))
		})
	})

	Context("Options", func() {
		It("should reject incomplete options", func() {
			_, err := engine.New(plane, engine.Options{})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("reconciler is required"))
		})
	})
})
