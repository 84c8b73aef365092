package engine

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/imamik/customapp-operator/internal/engine/leader"
)

// Diagnostics is a point-in-time view of the engine.
type Diagnostics struct {
	Reporter    string       `json:"reporter"`
	LastEvent   *time.Time   `json:"lastEvent,omitempty"`
	CacheSynced bool         `json:"cacheSynced"`
	Leader      string       `json:"leader"`
	Leading     bool         `json:"leading"`
	QueueDepth  int          `json:"queueDepth"`
	States      []StateCount `json:"states"`
}

// Diagnostics returns the current snapshot.
func (e *Engine) Diagnostics() Diagnostics {
	d := Diagnostics{
		Reporter:    e.opts.Reporter,
		CacheSynced: e.cache.HasSynced(),
		Leading:     e.leading.Load(),
		States:      e.states.count(),
	}

	e.mu.Lock()
	if e.queue != nil {
		d.QueueDepth = e.queue.Len()
	}
	if !e.lastEvent.IsZero() {
		last := e.lastEvent
		d.LastEvent = &last
	}
	e.mu.Unlock()

	switch {
	case e.opts.Elector != nil:
		d.Leader = e.opts.Elector.State().String()
	case d.Leading:
		d.Leader = leader.Leading.String()
	default:
		d.Leader = leader.Standby.String()
	}
	return d
}

// ServeHTTP writes the diagnostics snapshot as JSON.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(e.Diagnostics()); err != nil {
		e.log.Error(err, "Failed to write diagnostics")
	}
}

// ReadyCheck fails until the cache has synced. It matches the
// controller-runtime healthz.Checker signature.
func (e *Engine) ReadyCheck(_ *http.Request) error {
	if !e.cache.HasSynced() {
		return errors.New("cache not synced")
	}
	return nil
}
