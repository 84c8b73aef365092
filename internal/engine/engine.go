// Package engine drives reconciliation: it feeds cache changes into a
// deduplicating work queue and runs a fixed pool of workers, gated by leader
// election, that turn each key into reconciler actions and apply them.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/util/workqueue"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/customapp-operator/internal/controlplane"
	"github.com/imamik/customapp-operator/internal/engine/backoff"
	"github.com/imamik/customapp-operator/internal/engine/cache"
	"github.com/imamik/customapp-operator/internal/engine/executor"
	"github.com/imamik/customapp-operator/internal/engine/finalizer"
	"github.com/imamik/customapp-operator/internal/engine/reconcile"
	"github.com/imamik/customapp-operator/internal/engine/status"
	"github.com/imamik/customapp-operator/internal/util/retry"
)

// ConditionStalled is set on an owner whose terminal error outlasted its
// retry budget.
const ConditionStalled = "Stalled"

// maxConditionMessage bounds the error text copied into a condition.
const maxConditionMessage = 1024

type workQueue = workqueue.TypedDelayingInterface[controlplane.ResourceRef]

// Engine reconciles one owner kind and the children it controls.
type Engine struct {
	opts   Options
	log    logr.Logger
	tracer trace.Tracer

	cache      *cache.Cache
	backoff    *backoff.Controller[controlplane.ResourceRef]
	status     *status.Writer
	executor   *executor.Executor
	finalizers *finalizer.Manager
	states     *stateTracker

	mu        sync.Mutex
	terminal  map[controlplane.ResourceRef]int
	lastEvent time.Time
	// queue belongs to the current leadership term; nil while standing by.
	queue workQueue

	started atomic.Bool
	leading atomic.Bool
}

// New wires an Engine against client. Nothing runs until Start.
func New(client controlplane.Client, opts Options) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid engine options: %w", err)
	}
	opts.setDefaults()

	e := &Engine{
		opts:     opts,
		log:      opts.Logger,
		tracer:   opts.TracerProvider.Tracer(tracerName),
		backoff:  backoff.New[controlplane.ResourceRef](opts.Backoff),
		states:   newStateTracker(),
		terminal: make(map[controlplane.ResourceRef]int),
	}

	kinds := append([]controlplane.Kind{opts.Owner}, opts.Children...)
	e.cache = cache.New(client, kinds, cache.Options{
		Namespace:      opts.Namespace,
		ResyncInterval: opts.ResyncInterval,
		Clock:          opts.Clock,
		Logger:         opts.Logger.WithName("cache"),
		OnEvent:        e.observeEvent,
	})
	e.cache.OnChange(e.enqueueFor)

	e.status = status.NewWriter(client, e.cache)
	e.executor = executor.New(client, e.cache, e.status,
		executor.WithRecorder(opts.Recorder),
		executor.WithObserver(recordActionMetric),
	)
	e.finalizers = finalizer.New(opts.Finalizer, client, e.cache, e.executor, opts.Recorder)
	return e, nil
}

// Start fills the cache and, once it has synced, runs the workers for as
// long as this replica leads. It blocks until ctx is cancelled and may only
// be called once.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine for %s already started", e.opts.Owner.Name)
	}
	ctx = log.IntoContext(ctx, e.log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.cache.Run(gctx)
	})
	g.Go(func() error {
		if !e.cache.WaitForSync(gctx) {
			return nil
		}
		e.log.Info("Cache synced", "kind", e.opts.Owner.Name, "objects", e.cache.Len())
		if e.opts.Elector == nil {
			e.lead(gctx)
			return nil
		}
		return e.opts.Elector.Run(gctx, e.lead)
	})
	return g.Wait()
}

// NeedLeaderElection is false: the engine runs its own election so that the
// cache stays warm on standby replicas.
func (e *Engine) NeedLeaderElection() bool {
	return false
}

// HasSynced reports whether the initial list of every kind has completed.
func (e *Engine) HasSynced() bool {
	return e.cache.HasSynced()
}

// lead runs the workers on a fresh queue until ctx is cancelled. Workers
// stop pulling keys once ctx is done and lead returns after every in-flight
// attempt has finished. The queue is dropped with the term; the next term
// starts by enqueueing every owner again.
func (e *Engine) lead(ctx context.Context) {
	q := workqueue.NewTypedDelayingQueueWithConfig(workqueue.TypedDelayingQueueConfig[controlplane.ResourceRef]{
		Name:            strings.ToLower(e.opts.Owner.Name),
		MetricsProvider: queueMetrics{},
		Clock:           e.opts.Clock,
	})
	e.setQueue(q)
	e.leading.Store(true)
	recordLeaderMetric(true)
	defer func() {
		e.setQueue(nil)
		q.ShutDown()
		queueDepth.Set(0)
		e.leading.Store(false)
		recordLeaderMetric(false)
	}()
	stop := context.AfterFunc(ctx, q.ShutDown)
	defer stop()

	keys := e.cache.Keys(e.opts.Owner.Name)
	for _, key := range keys {
		q.Add(key)
	}
	e.log.Info("Starting workers", "workers", e.opts.Workers, "keys", len(keys))

	var wg sync.WaitGroup
	for i := 0; i < e.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e.processNextWorkItem(ctx, q) {
			}
		}()
	}
	wg.Wait()
	e.log.Info("Workers stopped")
}

func (e *Engine) setQueue(q workQueue) {
	e.mu.Lock()
	e.queue = q
	e.mu.Unlock()
}

// enqueue adds key to the current term's queue. Changes seen while standing
// by are picked up when the next term enqueues every owner.
func (e *Engine) enqueue(key controlplane.ResourceRef) {
	e.mu.Lock()
	q := e.queue
	e.mu.Unlock()
	if q != nil {
		q.Add(key)
	}
}

func (e *Engine) processNextWorkItem(ctx context.Context, q workQueue) bool {
	key, shutdown := q.Get()
	if shutdown {
		return false
	}
	defer q.Done(key)

	// A shut down queue still hands out what it holds; leave it for the next term.
	if ctx.Err() != nil {
		return false
	}
	e.reconcileHandler(ctx, q, key)
	return true
}

// reconcileHandler runs one attempt for key and schedules what comes next.
func (e *Engine) reconcileHandler(ctx context.Context, q workQueue, key controlplane.ResourceRef) {
	start := e.opts.Clock.Now()
	ctx, span := startReconcileSpan(ctx, e.tracer, key)
	defer span.End()

	logger := log.FromContext(ctx).WithValues("kind", key.Kind, "namespace", key.Namespace, "name", key.Name)
	ctx = log.IntoContext(ctx, logger)

	attemptCtx, cancel := context.WithTimeout(ctx, e.opts.ReconcileTimeout)
	res, next, err := e.reconcile(attemptCtx, key)
	cancel()

	class := controlplane.Classify(err)
	outcome := class.String()
	if err == nil && next == StateRemoved {
		outcome = "Removed"
	}
	finishReconcileSpan(span, outcome, err)

	var failure string
	if err != nil {
		failure = class.String()
	}
	recordReconcileMetric(key.Kind, failure, e.opts.Clock.Since(start).Seconds())

	e.handleResult(ctx, q, key, res, next, err, class)
}

// reconcile computes and applies the actions for key. next is the state the
// key moves to when err is nil; Removed means the key has already been
// forgotten.
func (e *Engine) reconcile(ctx context.Context, key controlplane.ResourceRef) (reconcile.Result, KeyState, error) {
	logger := log.FromContext(ctx)

	obj, ok := e.cache.Get(key)
	if !ok {
		last := e.states.remove(key)
		e.forget(key)
		logger.V(1).Info("Resource no longer exists", "lastState", string(last))
		return reconcile.Result{}, StateRemoved, nil
	}
	if err := e.states.begin(key); err != nil {
		return reconcile.Result{}, "", err
	}

	children := e.childrenOf(obj)

	if controlplane.IsTerminating(obj) {
		if !e.finalizers.Has(obj) {
			logger.V(1).Info("Resource is terminating without our finalizer")
			return reconcile.Result{}, StateFinalizing, nil
		}
		actions, res := e.opts.Reconciler.Cleanup(obj, children)
		if res.TerminalError != nil {
			return res, StateFinalizing, retry.Terminal(res.TerminalError)
		}
		if err := validateCleanup(actions); err != nil {
			return res, StateFinalizing, err
		}
		e.publish(obj, res.Events)
		if err := e.finalizers.Finalize(ctx, obj, actions); err != nil {
			return res, StateFinalizing, err
		}
		return reconcile.Result{}, StateFinalizing, nil
	}

	added, err := e.finalizers.Ensure(ctx, obj)
	if err != nil {
		return reconcile.Result{}, StateConverged, err
	}
	if added {
		return reconcile.Result{Requeue: true}, StateConverged, nil
	}

	actions, res := e.opts.Reconciler.Reconcile(obj, children)
	if res.TerminalError != nil {
		return res, StateConverged, retry.Terminal(res.TerminalError)
	}
	applied, err := e.executor.Execute(ctx, obj, actions)
	if err != nil {
		return res, StateConverged, err
	}
	if applied > 0 {
		logger.Info("Applied actions", "count", applied)
	}
	e.publish(obj, res.Events)
	return res, StateConverged, nil
}

func (e *Engine) publish(owner *unstructured.Unstructured, events []reconcile.Event) {
	for _, ev := range events {
		e.opts.Recorder.Event(owner, ev.Type, ev.Reason, ev.Message)
	}
}

// validateCleanup rejects actions that do not belong on the deletion path.
func validateCleanup(actions []reconcile.Action) error {
	for _, a := range actions {
		switch a.(type) {
		case reconcile.DeleteChild, reconcile.RunCleanup:
		default:
			return retry.Fatal(fmt.Errorf("%s is not allowed during cleanup", reconcile.Describe(a)))
		}
	}
	return nil
}

func (e *Engine) handleResult(ctx context.Context, q workQueue, key controlplane.ResourceRef, res reconcile.Result, next KeyState, err error, class controlplane.ErrorClass) {
	logger := log.FromContext(ctx)

	if err == nil {
		if next == StateRemoved {
			return
		}
		e.transition(logger, key, next)
		e.forget(key)
		switch {
		case res.Requeue:
			q.Add(key)
		case res.RequeueAfter > 0:
			q.AddAfter(key, res.RequeueAfter)
		}
		return
	}

	// A failed attempt leaves the key retrying, or finalizing if it was
	// already on the deletion path. A key that never started stays put.
	if next != "" {
		failed := StateRetryPending
		if next == StateFinalizing {
			failed = StateFinalizing
		}
		e.transition(logger, key, failed)
	}

	switch class {
	case controlplane.ClassConflict:
		logger.V(1).Info("Conflict, requeueing", "error", err.Error())
		q.Add(key)

	case controlplane.ClassCanceled:
		logger.V(1).Info("Reconcile interrupted", "error", err.Error())
		q.Add(key)

	case controlplane.ClassTerminal:
		attempts := e.countTerminal(key)
		if attempts <= e.opts.MaxTerminalRetries {
			delay := e.backoff.Next(key)
			logger.Error(err, "Reconcile failed with terminal error", "attempt", attempts, "retryAfter", delay)
			q.AddAfter(key, delay)
			return
		}
		e.surface(ctx, key, err, attempts)
		q.AddAfter(key, e.opts.ResyncInterval)

	case controlplane.ClassFatal:
		delay := e.backoff.Next(key)
		state, _ := e.states.get(key)
		logger.Error(err, "Fatal reconcile error",
			"state", string(state),
			"failures", e.backoff.Failures(key),
			"retryAfter", delay)
		q.AddAfter(key, delay)

	default:
		delay := e.backoff.Next(key)
		logger.Error(err, "Reconcile failed, retrying", "retryAfter", delay)
		q.AddAfter(key, delay)
	}
}

func (e *Engine) transition(logger logr.Logger, key controlplane.ResourceRef, to KeyState) {
	if err := e.states.finish(key, to); err != nil {
		logger.Error(err, "State machine violation")
	}
}

// surface records a terminal error on the owner as a Stalled condition and
// a Warning event.
func (e *Engine) surface(ctx context.Context, key controlplane.ResourceRef, cause error, attempts int) {
	logger := log.FromContext(ctx)
	logger.Error(cause, "Giving up until next resync", "attempts", attempts, "resyncAfter", e.opts.ResyncInterval)

	obj, ok := e.cache.Get(key)
	if !ok {
		return
	}
	msg := cause.Error()
	if len(msg) > maxConditionMessage {
		msg = msg[:maxConditionMessage]
	}
	e.opts.Recorder.Event(obj, corev1.EventTypeWarning, "ReconcileFailed", msg)

	st, changed, err := status.WithCondition(obj, metav1.Condition{
		Type:               ConditionStalled,
		Status:             metav1.ConditionTrue,
		Reason:             "TerminalError",
		Message:            msg,
		ObservedGeneration: obj.GetGeneration(),
	})
	if err != nil {
		logger.Error(err, "Failed to build stalled condition")
		return
	}
	if !changed {
		return
	}
	if _, err := e.status.SetStatus(ctx, key, st, obj.GetResourceVersion()); err != nil {
		logger.Error(err, "Failed to surface stalled condition")
	}
}

func (e *Engine) countTerminal(key controlplane.ResourceRef) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.terminal[key]++
	return e.terminal[key]
}

// forget clears the retry bookkeeping of key.
func (e *Engine) forget(key controlplane.ResourceRef) {
	e.backoff.Reset(key)
	e.mu.Lock()
	delete(e.terminal, key)
	e.mu.Unlock()
}

// childrenOf returns the cached children controlled by owner.
func (e *Engine) childrenOf(owner *unstructured.Unstructured) []*unstructured.Unstructured {
	var out []*unstructured.Unstructured
	for _, kind := range e.opts.Children {
		for _, child := range e.cache.List(kind.Name, owner.GetNamespace(), nil) {
			if controlplane.IsControlledBy(child, owner) {
				out = append(out, child)
			}
		}
	}
	return out
}

// enqueueFor maps a changed object to the owner key it concerns.
func (e *Engine) enqueueFor(obj *unstructured.Unstructured) {
	ref := controlplane.RefOf(obj)
	if ref.Kind == e.opts.Owner.Name {
		e.enqueue(ref)
		return
	}
	owner, ok := controlplane.ControllerRef(obj)
	if !ok || owner.Kind != e.opts.Owner.Name {
		return
	}
	e.enqueue(owner)
}

func (e *Engine) observeEvent(kind string, typ watch.EventType) {
	recordWatchEventMetric(kind, string(typ))
	e.mu.Lock()
	e.lastEvent = e.opts.Clock.Now()
	e.mu.Unlock()
}
