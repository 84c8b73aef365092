package cache

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	toolscache "k8s.io/client-go/tools/cache"

	"github.com/imamik/customapp-operator/internal/controlplane"
)

// listWatch adapts a controlplane.Client to the reflector for one kind.
type listWatch struct {
	client    controlplane.Client
	kind      controlplane.Kind
	namespace string
}

var _ toolscache.ListerWatcherWithContext = (*listWatch)(nil)

func (lw *listWatch) List(opts metav1.ListOptions) (runtime.Object, error) {
	return lw.ListWithContext(context.Background(), opts)
}

func (lw *listWatch) Watch(opts metav1.ListOptions) (watch.Interface, error) {
	return lw.WatchWithContext(context.Background(), opts)
}

// ListWithContext always returns the full, current list.
func (lw *listWatch) ListWithContext(ctx context.Context, _ metav1.ListOptions) (runtime.Object, error) {
	return lw.client.List(ctx, lw.kind, lw.namespace)
}

func (lw *listWatch) WatchWithContext(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error) {
	return lw.client.Watch(ctx, lw.kind, lw.namespace, opts.ResourceVersion)
}

// IsWatchListSemanticsUnSupported reports that the initial state has to be
// listed: controlplane.Client has no streaming list.
func (lw *listWatch) IsWatchListSemanticsUnSupported() bool {
	return true
}

// kindStore applies one reflector's output to the shared cache. Every write
// goes through the resourceVersion compare-and-set, so a reflector replaying
// events never overwrites a newer entry.
type kindStore struct {
	cache     *Cache
	kind      controlplane.Kind
	namespace string
}

var _ toolscache.ReflectorStore = (*kindStore)(nil)

func (s *kindStore) Add(obj interface{}) error {
	return s.upsert(obj, watch.Added)
}

func (s *kindStore) Update(obj interface{}) error {
	return s.upsert(obj, watch.Modified)
}

func (s *kindStore) upsert(item interface{}, typ watch.EventType) error {
	obj, err := s.object(item)
	if err != nil {
		return err
	}
	s.cache.observe(s.kind.Name, typ)

	s.cache.mu.Lock()
	changed := s.cache.upsertLocked(obj)
	s.cache.mu.Unlock()
	if changed {
		s.cache.notify(obj.DeepCopy())
	}
	return nil
}

func (s *kindStore) Delete(item interface{}) error {
	if tombstone, ok := item.(toolscache.DeletedFinalStateUnknown); ok {
		item = tombstone.Obj
	}
	obj, err := s.object(item)
	if err != nil {
		return err
	}
	s.cache.observe(s.kind.Name, watch.Deleted)

	s.cache.mu.Lock()
	_, evicted := s.cache.evictLocked(controlplane.RefOf(obj), obj.GetResourceVersion())
	s.cache.mu.Unlock()
	if evicted {
		s.cache.notify(obj.DeepCopy())
	}
	return nil
}

// Replace merges a full list into the cache. Entries the list no longer
// contains are evicted unless the cache holds a copy newer than the list.
func (s *kindStore) Replace(items []interface{}, resourceVersion string) error {
	objs := make([]*unstructured.Unstructured, 0, len(items))
	for _, item := range items {
		obj, err := s.object(item)
		if err != nil {
			return err
		}
		objs = append(objs, obj)
	}

	c := s.cache
	var changed []*unstructured.Unstructured
	seen := make(map[controlplane.ResourceRef]struct{}, len(objs))

	c.mu.Lock()
	for _, obj := range objs {
		seen[controlplane.RefOf(obj)] = struct{}{}
		if c.upsertLocked(obj) {
			changed = append(changed, obj.DeepCopy())
		}
	}
	for ref, cached := range c.objects {
		if ref.Kind != s.kind.Name || (s.namespace != "" && ref.Namespace != s.namespace) {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		if controlplane.Newer(cached.GetResourceVersion(), resourceVersion) {
			continue
		}
		delete(c.objects, ref)
		changed = append(changed, cached.DeepCopy())
	}
	c.synced[s.kind.Name] = true
	allSynced := len(c.synced) == len(c.kinds)
	c.mu.Unlock()

	if allSynced {
		c.syncedOnce.Do(func() { close(c.syncedCh) })
	}
	c.notify(changed...)
	return nil
}

// Resync is a no-op; periodic re-notification is driven by the cache's own
// resync loop on the injected clock.
func (s *kindStore) Resync() error {
	return nil
}

func (s *kindStore) object(item interface{}) (*unstructured.Unstructured, error) {
	obj, ok := item.(*unstructured.Unstructured)
	if !ok {
		return nil, fmt.Errorf("%s store: unexpected object type %T", s.kind.Name, item)
	}
	if obj.GetKind() == "" {
		obj.SetAPIVersion(s.kind.APIVersion())
		obj.SetKind(s.kind.Name)
	}
	return obj, nil
}
