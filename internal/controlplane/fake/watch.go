package fake

import (
	"k8s.io/apimachinery/pkg/watch"
)

type watcher struct {
	plane     *ControlPlane
	kind      string
	namespace string
	ch        chan watch.Event
	closed    bool
}

func (w *watcher) ResultChan() <-chan watch.Event {
	return w.ch
}

func (w *watcher) Stop() {
	w.plane.mu.Lock()
	defer w.plane.mu.Unlock()
	w.closeLocked()
}

func (w *watcher) matches(ev event) bool {
	return ev.kind == w.kind && (w.namespace == "" || ev.ns == w.namespace)
}

func (w *watcher) sendLocked(ev event) bool {
	if w.closed {
		return true
	}
	select {
	case w.ch <- watch.Event{Type: ev.typ, Object: ev.obj.DeepCopy()}:
		return true
	default:
		return false
	}
}

func (w *watcher) closeLocked() {
	if w.closed {
		return
	}
	w.closed = true
	delete(w.plane.watchers, w)
	close(w.ch)
}
