package engine

import (
	"fmt"
	"sync"

	"github.com/imamik/customapp-operator/internal/controlplane"
	"github.com/imamik/customapp-operator/internal/util/retry"
)

// KeyState is where a key is in its reconcile lifecycle.
type KeyState string

const (
	StatePending      KeyState = "Pending"
	StateReconciling  KeyState = "Reconciling"
	StateConverged    KeyState = "Converged"
	StateRetryPending KeyState = "RetryPending"
	StateFinalizing   KeyState = "Finalizing"
	StateRemoved      KeyState = "Removed"
)

// lifecycle is the order states are reported in.
var lifecycle = []KeyState{StatePending, StateReconciling, StateConverged, StateRetryPending, StateFinalizing}

// transitions lists the allowed moves. Removed has none.
var transitions = map[KeyState][]KeyState{
	StatePending:      {StateReconciling},
	StateReconciling:  {StateConverged, StateRetryPending, StateFinalizing},
	StateConverged:    {StatePending},
	StateRetryPending: {StatePending},
	StateFinalizing:   {StatePending, StateRemoved},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to KeyState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// stateTracker holds the lifecycle state of every key the engine has seen.
// Keys that are gone from the cache are forgotten.
type stateTracker struct {
	mu     sync.Mutex
	states map[controlplane.ResourceRef]KeyState
}

func newStateTracker() *stateTracker {
	return &stateTracker{states: make(map[controlplane.ResourceRef]KeyState)}
}

func (t *stateTracker) get(key controlplane.ResourceRef) (KeyState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[key]
	return s, ok
}

// begin moves key to Reconciling, passing through Pending. A key that is
// already Reconciling means two workers hold it, which is fatal.
func (t *stateTracker) begin(key controlplane.ResourceRef) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.states[key]
	if !ok {
		cur = StatePending
	}
	if cur == StateReconciling {
		return retry.Fatal(fmt.Errorf("%s is already being reconciled", key))
	}
	if cur != StatePending {
		if err := t.moveLocked(key, cur, StatePending); err != nil {
			return err
		}
		cur = StatePending
	}
	return t.moveLocked(key, cur, StateReconciling)
}

// finish moves key out of Reconciling.
func (t *stateTracker) finish(key controlplane.ResourceRef, to KeyState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.states[key]
	if !ok {
		return retry.Fatal(fmt.Errorf("%s finished without being started", key))
	}
	return t.moveLocked(key, cur, to)
}

// remove forgets key. A key that was finalizing passes through Removed; the
// returned state is the last one the key held.
func (t *stateTracker) remove(key controlplane.ResourceRef) KeyState {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.states[key]
	if !ok {
		return StateRemoved
	}
	if cur == StateFinalizing {
		cur = StateRemoved
	}
	delete(t.states, key)
	return cur
}

func (t *stateTracker) moveLocked(key controlplane.ResourceRef, from, to KeyState) error {
	if !CanTransition(from, to) {
		return retry.Fatal(fmt.Errorf("%s: illegal state transition %s -> %s", key, from, to))
	}
	t.states[key] = to
	return nil
}

// count returns how many keys are in each state, in lifecycle order.
func (t *stateTracker) count() []StateCount {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[KeyState]int)
	for _, s := range t.states {
		counts[s]++
	}
	out := make([]StateCount, 0, len(counts))
	for _, s := range lifecycle {
		if n := counts[s]; n > 0 {
			out = append(out, StateCount{State: s, Keys: n})
		}
	}
	return out
}

// StateCount is the number of keys in one state.
type StateCount struct {
	State KeyState `json:"state"`
	Keys  int      `json:"keys"`
}
