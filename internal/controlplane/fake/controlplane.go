package fake

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	apiequality "k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/utils/clock"

	"github.com/imamik/customapp-operator/internal/controlplane"
)

// Verb names a control plane operation for failure injection and call recording.
type Verb string

const (
	VerbList         Verb = "list"
	VerbWatch        Verb = "watch"
	VerbGet          Verb = "get"
	VerbCreate       Verb = "create"
	VerbUpdate       Verb = "update"
	VerbUpdateStatus Verb = "update-status"
	VerbDelete       Verb = "delete"
)

const (
	defaultHistoryLimit = 1000
	watchBufferSize     = 256
)

// Failure makes matching calls fail with Err. Empty Kind or Name match anything.
// Times limits how often the failure fires; zero or less means forever.
type Failure struct {
	Verb  Verb
	Kind  string
	Name  string
	Err   error
	Times int
}

// Call is a recorded control plane request.
type Call struct {
	Verb Verb
	Ref  controlplane.ResourceRef
}

type event struct {
	rv   uint64
	kind string
	ns   string
	typ  watch.EventType
	obj  *unstructured.Unstructured
}

// ControlPlane is an in-memory implementation of controlplane.Client.
type ControlPlane struct {
	mu           sync.Mutex
	registry     *controlplane.Registry
	clock        clock.PassiveClock
	rv           uint64
	objects      map[controlplane.ResourceRef]*unstructured.Unstructured
	history      []event
	historyLimit int
	compacted    uint64
	watchers     map[*watcher]struct{}
	failures     []*Failure
	calls        []Call
}

// Option configures a ControlPlane.
type Option func(*ControlPlane)

// WithClock sets the clock used for creation and deletion timestamps.
func WithClock(c clock.PassiveClock) Option {
	return func(p *ControlPlane) { p.clock = c }
}

// WithHistoryLimit bounds the number of events kept for watch resumption.
func WithHistoryLimit(n int) Option {
	return func(p *ControlPlane) { p.historyLimit = n }
}

// New returns an empty control plane serving the kinds in registry.
func New(registry *controlplane.Registry, opts ...Option) *ControlPlane {
	p := &ControlPlane{
		registry:     registry,
		clock:        clock.RealClock{},
		objects:      make(map[controlplane.ResourceRef]*unstructured.Unstructured),
		historyLimit: defaultHistoryLimit,
		watchers:     make(map[*watcher]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ controlplane.Client = (*ControlPlane)(nil)

// Seed stores objects as if they had been created, bypassing injected failures.
func (p *ControlPlane) Seed(objs ...*unstructured.Unstructured) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, obj := range objs {
		if _, err := p.createLocked(obj); err != nil {
			return err
		}
	}
	return nil
}

// Object returns a copy of the stored object.
func (p *ControlPlane) Object(ref controlplane.ResourceRef) (*unstructured.Unstructured, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, ok := p.objects[ref]
	if !ok {
		return nil, false
	}
	return obj.DeepCopy(), true
}

// Objects returns copies of all stored objects of kind in namespace, sorted by name.
func (p *ControlPlane) Objects(kind, namespace string) []*unstructured.Unstructured {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listLocked(kind, namespace)
}

// InjectFailure registers a failure rule.
func (p *ControlPlane) InjectFailure(f Failure) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, &f)
}

// ClearFailures removes all failure rules.
func (p *ControlPlane) ClearFailures() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = nil
}

// Calls returns the recorded calls in order.
func (p *ControlPlane) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// CountCalls counts recorded calls of verb against kind ("" for any kind).
func (p *ControlPlane) CountCalls(verb Verb, kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c.Verb == verb && (kind == "" || c.Ref.Kind == kind) {
			n++
		}
	}
	return n
}

// ResetCalls forgets recorded calls.
func (p *ControlPlane) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

// CloseWatches ends every open watch stream, as a server restart would.
func (p *ControlPlane) CloseWatches() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for w := range p.watchers {
		w.closeLocked()
	}
}

// Compact drops the event history so that watches resuming from any
// earlier resourceVersion fail with 410 Gone.
func (p *ControlPlane) Compact() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = nil
	p.compacted = p.rv
}

// ResourceVersion returns the current global resourceVersion.
func (p *ControlPlane) ResourceVersion() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strconv.FormatUint(p.rv, 10)
}

func (p *ControlPlane) List(_ context.Context, kind controlplane.Kind, namespace string) (*unstructured.UnstructuredList, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked(VerbList, controlplane.ResourceRef{Kind: kind.Name, Namespace: namespace}); err != nil {
		return nil, err
	}
	list := &unstructured.UnstructuredList{}
	list.SetAPIVersion(kind.APIVersion())
	list.SetKind(kind.List())
	list.SetResourceVersion(strconv.FormatUint(p.rv, 10))
	for _, obj := range p.listLocked(kind.Name, namespace) {
		list.Items = append(list.Items, *obj)
	}
	return list, nil
}

func (p *ControlPlane) Watch(ctx context.Context, kind controlplane.Kind, namespace, resourceVersion string) (watch.Interface, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked(VerbWatch, controlplane.ResourceRef{Kind: kind.Name, Namespace: namespace}); err != nil {
		return nil, err
	}

	from := p.rv
	if resourceVersion != "" {
		v, err := strconv.ParseUint(resourceVersion, 10, 64)
		if err != nil {
			return nil, apierrors.NewBadRequest(fmt.Sprintf("invalid resourceVersion %q", resourceVersion))
		}
		from = v
	}
	if from < p.compacted {
		return nil, apierrors.NewResourceExpired(fmt.Sprintf("too old resource version: %d (%d)", from, p.compacted))
	}

	w := &watcher{
		plane:     p,
		kind:      kind.Name,
		namespace: namespace,
		ch:        make(chan watch.Event, watchBufferSize),
	}
	for _, ev := range p.history {
		if ev.rv > from && w.matches(ev) {
			if !w.sendLocked(ev) {
				return nil, apierrors.NewResourceExpired("watch backlog exceeds buffer")
			}
		}
	}
	p.watchers[w] = struct{}{}
	context.AfterFunc(ctx, w.Stop)
	return w, nil
}

func (p *ControlPlane) Get(_ context.Context, ref controlplane.ResourceRef) (*unstructured.Unstructured, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked(VerbGet, ref); err != nil {
		return nil, err
	}
	obj, ok := p.objects[ref]
	if !ok {
		return nil, p.notFound(ref)
	}
	return obj.DeepCopy(), nil
}

func (p *ControlPlane) Create(_ context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked(VerbCreate, controlplane.RefOf(obj)); err != nil {
		return nil, err
	}
	return p.createLocked(obj)
}

func (p *ControlPlane) Update(_ context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref := controlplane.RefOf(obj)
	if err := p.checkLocked(VerbUpdate, ref); err != nil {
		return nil, err
	}
	existing, err := p.preconditionLocked(ref, obj.GetResourceVersion())
	if err != nil {
		return nil, err
	}

	next := obj.DeepCopy()
	// Server owned fields.
	next.SetUID(existing.GetUID())
	next.SetCreationTimestamp(existing.GetCreationTimestamp())
	next.SetDeletionTimestamp(existing.GetDeletionTimestamp())
	next.SetGeneration(existing.GetGeneration())
	next.SetResourceVersion(existing.GetResourceVersion())
	if status, ok := existing.Object["status"]; ok {
		next.Object["status"] = status
	} else {
		delete(next.Object, "status")
	}

	if apiequality.Semantic.DeepEqual(next.Object, existing.Object) {
		return existing.DeepCopy(), nil
	}
	if !apiequality.Semantic.DeepEqual(next.Object["spec"], existing.Object["spec"]) {
		next.SetGeneration(existing.GetGeneration() + 1)
	}

	if controlplane.IsTerminating(next) && len(next.GetFinalizers()) == 0 {
		p.removeLocked(ref, next)
		return next.DeepCopy(), nil
	}
	p.storeLocked(ref, next, watch.Modified)
	return next.DeepCopy(), nil
}

func (p *ControlPlane) UpdateStatus(_ context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref := controlplane.RefOf(obj)
	if err := p.checkLocked(VerbUpdateStatus, ref); err != nil {
		return nil, err
	}
	existing, err := p.preconditionLocked(ref, obj.GetResourceVersion())
	if err != nil {
		return nil, err
	}

	next := existing.DeepCopy()
	if status, ok := obj.Object["status"]; ok {
		next.Object["status"] = runtime.DeepCopyJSONValue(status)
	} else {
		delete(next.Object, "status")
	}
	if apiequality.Semantic.DeepEqual(next.Object, existing.Object) {
		return existing.DeepCopy(), nil
	}
	p.storeLocked(ref, next, watch.Modified)
	return next.DeepCopy(), nil
}

func (p *ControlPlane) Delete(_ context.Context, ref controlplane.ResourceRef, resourceVersion string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkLocked(VerbDelete, ref); err != nil {
		return err
	}
	existing, err := p.preconditionLocked(ref, resourceVersion)
	if err != nil {
		return err
	}

	if len(existing.GetFinalizers()) == 0 {
		p.removeLocked(ref, existing.DeepCopy())
		return nil
	}
	if controlplane.IsTerminating(existing) {
		return nil
	}
	next := existing.DeepCopy()
	now := metav1.NewTime(p.clock.Now())
	next.SetDeletionTimestamp(&now)
	p.storeLocked(ref, next, watch.Modified)
	return nil
}

func (p *ControlPlane) createLocked(obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	ref := controlplane.RefOf(obj)
	kind, ok := p.registry.Lookup(ref.Kind)
	if !ok {
		return nil, apierrors.NewBadRequest(fmt.Sprintf("kind %q is not served", ref.Kind))
	}
	if ref.Name == "" {
		return nil, apierrors.NewBadRequest("name is required")
	}
	if kind.Namespaced && ref.Namespace == "" {
		return nil, apierrors.NewBadRequest(fmt.Sprintf("%s %q must be namespaced", ref.Kind, ref.Name))
	}
	if _, exists := p.objects[ref]; exists {
		return nil, apierrors.NewAlreadyExists(kind.Resource.GroupResource(), ref.Name)
	}

	next := obj.DeepCopy()
	next.SetUID(types.UID(uuid.NewString()))
	next.SetCreationTimestamp(metav1.NewTime(p.clock.Now()))
	next.SetDeletionTimestamp(nil)
	next.SetGeneration(1)
	p.storeLocked(ref, next, watch.Added)
	return next.DeepCopy(), nil
}

func (p *ControlPlane) preconditionLocked(ref controlplane.ResourceRef, resourceVersion string) (*unstructured.Unstructured, error) {
	existing, ok := p.objects[ref]
	if !ok {
		return nil, p.notFound(ref)
	}
	if resourceVersion != "" && resourceVersion != existing.GetResourceVersion() {
		kind, _ := p.registry.Lookup(ref.Kind)
		return nil, apierrors.NewConflict(kind.Resource.GroupResource(), ref.Name,
			fmt.Errorf("the object has been modified; expected resourceVersion %s, have %s", resourceVersion, existing.GetResourceVersion()))
	}
	return existing, nil
}

func (p *ControlPlane) storeLocked(ref controlplane.ResourceRef, obj *unstructured.Unstructured, typ watch.EventType) {
	p.rv++
	obj.SetResourceVersion(strconv.FormatUint(p.rv, 10))
	p.objects[ref] = obj
	p.emitLocked(typ, obj)
}

func (p *ControlPlane) removeLocked(ref controlplane.ResourceRef, last *unstructured.Unstructured) {
	p.rv++
	last.SetResourceVersion(strconv.FormatUint(p.rv, 10))
	delete(p.objects, ref)
	p.emitLocked(watch.Deleted, last)
}

func (p *ControlPlane) emitLocked(typ watch.EventType, obj *unstructured.Unstructured) {
	ev := event{rv: p.rv, kind: obj.GetKind(), ns: obj.GetNamespace(), typ: typ, obj: obj.DeepCopy()}
	p.history = append(p.history, ev)
	if over := len(p.history) - p.historyLimit; over > 0 {
		p.compacted = p.history[over-1].rv
		p.history = append([]event(nil), p.history[over:]...)
	}
	for w := range p.watchers {
		if w.matches(ev) && !w.sendLocked(ev) {
			// A consumer that cannot keep up loses its stream and must relist.
			w.closeLocked()
		}
	}
}

func (p *ControlPlane) listLocked(kind, namespace string) []*unstructured.Unstructured {
	var out []*unstructured.Unstructured
	for ref, obj := range p.objects {
		if ref.Kind == kind && (namespace == "" || ref.Namespace == namespace) {
			out = append(out, obj.DeepCopy())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GetNamespace() != out[j].GetNamespace() {
			return out[i].GetNamespace() < out[j].GetNamespace()
		}
		return out[i].GetName() < out[j].GetName()
	})
	return out
}

func (p *ControlPlane) checkLocked(verb Verb, ref controlplane.ResourceRef) error {
	p.calls = append(p.calls, Call{Verb: verb, Ref: ref})
	for i, f := range p.failures {
		if f.Verb != verb || (f.Kind != "" && f.Kind != ref.Kind) || (f.Name != "" && f.Name != ref.Name) {
			continue
		}
		if f.Times > 0 {
			p.failures[i].Times--
			if p.failures[i].Times == 0 {
				p.failures = append(p.failures[:i], p.failures[i+1:]...)
			}
		}
		return f.Err
	}
	return nil
}

func (p *ControlPlane) notFound(ref controlplane.ResourceRef) error {
	kind, _ := p.registry.Lookup(ref.Kind)
	return apierrors.NewNotFound(kind.Resource.GroupResource(), ref.Name)
}
