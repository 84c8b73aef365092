// Package cache keeps a local, watch-driven copy of every object of the
// watched kinds and notifies subscribers when an object changes.
//
// Entries only move forward: an incoming object replaces the cached one only
// when its resourceVersion is newer. The engine's own writes are recorded
// through the same compare-and-set, so a late watch event never rolls back
// what a worker has already observed.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/watch"
	toolscache "k8s.io/client-go/tools/cache"
	"k8s.io/utils/clock"

	"github.com/imamik/customapp-operator/internal/controlplane"
)

// Handler is notified with a copy of an object whose cached state changed,
// or which was deleted. It must not block.
type Handler func(obj *unstructured.Unstructured)

// Options configures a Cache.
type Options struct {
	// Namespace restricts namespaced kinds to one namespace. Empty watches all.
	Namespace string
	// ResyncInterval notifies every cached object periodically. Zero disables it.
	ResyncInterval time.Duration
	Clock          clock.WithTicker
	Logger         logr.Logger
	// OnEvent is called for every add, update and delete a reflector
	// delivers, with its kind.
	OnEvent func(kind string, typ watch.EventType)
}

// Cache is a resourceVersion-ordered store fed by one reflector per kind.
type Cache struct {
	client controlplane.Client
	kinds  []controlplane.Kind
	opts   Options

	mu      sync.RWMutex
	objects map[controlplane.ResourceRef]*unstructured.Unstructured
	synced  map[string]bool

	handlersMu sync.RWMutex
	handlers   []Handler

	syncedOnce sync.Once
	syncedCh   chan struct{}
}

// New creates a cache for kinds. Call Run to start filling it.
func New(client controlplane.Client, kinds []controlplane.Kind, opts Options) *Cache {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	return &Cache{
		client:   client,
		kinds:    kinds,
		opts:     opts,
		objects:  make(map[controlplane.ResourceRef]*unstructured.Unstructured),
		synced:   make(map[string]bool),
		syncedCh: make(chan struct{}),
	}
}

// OnChange registers h. Handlers added after Run may miss the initial list.
func (c *Cache) OnChange(h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Get returns a copy of the cached object.
func (c *Cache) Get(ref controlplane.ResourceRef) (*unstructured.Unstructured, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	obj, ok := c.objects[ref]
	if !ok {
		return nil, false
	}
	return obj.DeepCopy(), true
}

// List returns copies of cached objects of kind in namespace ("" for all)
// matching selector (nil for all), sorted by namespace and name.
func (c *Cache) List(kind, namespace string, selector labels.Selector) []*unstructured.Unstructured {
	c.mu.RLock()
	var out []*unstructured.Unstructured
	for ref, obj := range c.objects {
		if ref.Kind != kind || (namespace != "" && ref.Namespace != namespace) {
			continue
		}
		if selector != nil && !selector.Matches(labels.Set(obj.GetLabels())) {
			continue
		}
		out = append(out, obj.DeepCopy())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].GetNamespace() != out[j].GetNamespace() {
			return out[i].GetNamespace() < out[j].GetNamespace()
		}
		return out[i].GetName() < out[j].GetName()
	})
	return out
}

// Keys returns the references of all cached objects of kind.
func (c *Cache) Keys(kind string) []controlplane.ResourceRef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []controlplane.ResourceRef
	for ref := range c.objects {
		if ref.Kind == kind {
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Len returns the number of cached objects.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.objects)
}

// Record stores the result of a write made by the engine. It is a
// compare-and-set on resourceVersion and does not notify handlers: the
// writer already knows about the change.
func (c *Cache) Record(obj *unstructured.Unstructured) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upsertLocked(obj)
}

// Evict removes ref unless the cached copy is newer than resourceVersion.
// An empty resourceVersion evicts unconditionally.
func (c *Cache) Evict(ref controlplane.ResourceRef, resourceVersion string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.evictLocked(ref, resourceVersion)
	return ok
}

// MarkTerminating flags the cached copy of ref as being deleted, so a
// reconciler running before the watch catches up does not count it as live.
func (c *Cache) MarkTerminating(ref controlplane.ResourceRef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objects[ref]
	if !ok || controlplane.IsTerminating(obj) {
		return
	}
	now := metav1.NewTime(c.opts.Clock.Now())
	obj = obj.DeepCopy()
	obj.SetDeletionTimestamp(&now)
	c.objects[ref] = obj
}

// HasSynced reports whether every kind has completed its first list.
func (c *Cache) HasSynced() bool {
	select {
	case <-c.syncedCh:
		return true
	default:
		return false
	}
}

// WaitForSync blocks until HasSynced or ctx is done.
func (c *Cache) WaitForSync(ctx context.Context) bool {
	select {
	case <-c.syncedCh:
		return true
	case <-ctx.Done():
		return false
	}
}

// Run lists and watches every kind until ctx is done. Each kind is driven by
// its own reflector, which relists whenever its watch cannot be resumed.
func (c *Cache) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, kind := range c.kinds {
		ns := c.namespaceFor(kind)
		r := toolscache.NewReflectorWithOptions(
			&listWatch{client: c.client, kind: kind, namespace: ns},
			&unstructured.Unstructured{},
			&kindStore{cache: c, kind: kind, namespace: ns},
			toolscache.ReflectorOptions{Name: kind.Name, TypeDescription: kind.GroupVersionKind().String()},
		)
		g.Go(func() error {
			r.RunWithContext(logr.NewContext(ctx, c.opts.Logger.WithValues("kind", kind.Name)))
			return nil
		})
	}
	if c.opts.ResyncInterval > 0 {
		g.Go(func() error {
			c.resyncLoop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (c *Cache) namespaceFor(kind controlplane.Kind) string {
	if kind.Namespaced {
		return c.opts.Namespace
	}
	return ""
}

func (c *Cache) observe(kind string, typ watch.EventType) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(kind, typ)
	}
}

func (c *Cache) upsertLocked(obj *unstructured.Unstructured) bool {
	ref := controlplane.RefOf(obj)
	if cached, ok := c.objects[ref]; ok && !controlplane.Newer(obj.GetResourceVersion(), cached.GetResourceVersion()) {
		return false
	}
	c.objects[ref] = obj.DeepCopy()
	return true
}

func (c *Cache) evictLocked(ref controlplane.ResourceRef, resourceVersion string) (*unstructured.Unstructured, bool) {
	cached, ok := c.objects[ref]
	if !ok {
		return nil, false
	}
	if resourceVersion != "" && controlplane.Newer(cached.GetResourceVersion(), resourceVersion) {
		return nil, false
	}
	delete(c.objects, ref)
	return cached, true
}

func (c *Cache) resyncLoop(ctx context.Context) {
	ticker := c.opts.Clock.NewTicker(c.opts.ResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.mu.RLock()
			all := make([]*unstructured.Unstructured, 0, len(c.objects))
			for _, obj := range c.objects {
				all = append(all, obj.DeepCopy())
			}
			c.mu.RUnlock()
			c.notify(all...)
		}
	}
}

func (c *Cache) notify(objs ...*unstructured.Unstructured) {
	if len(objs) == 0 {
		return
	}
	c.handlersMu.RLock()
	handlers := c.handlers
	c.handlersMu.RUnlock()
	for _, obj := range objs {
		for _, h := range handlers {
			h(obj)
		}
	}
}
