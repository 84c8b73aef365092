package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/client-go/tools/record"
	"k8s.io/utils/clock"

	"github.com/imamik/customapp-operator/internal/controlplane"
	"github.com/imamik/customapp-operator/internal/engine/backoff"
	"github.com/imamik/customapp-operator/internal/engine/leader"
	"github.com/imamik/customapp-operator/internal/engine/reconcile"
)

// Defaults applied by New when the corresponding option is zero.
const (
	DefaultWorkers            = 2
	DefaultMaxTerminalRetries = 5
	DefaultResyncInterval     = 5 * time.Minute
	DefaultReconcileTimeout   = 30 * time.Second
	DefaultReporter           = "cap-reporter"
)

// Elector gates the workers behind leadership. lead must return once its
// context is cancelled.
type Elector interface {
	Run(ctx context.Context, lead func(ctx context.Context)) error
	State() leader.State
}

// Options configures an Engine.
type Options struct {
	// Owner is the kind being reconciled.
	Owner controlplane.Kind
	// Children are the kinds the owner controls through owner references.
	Children []controlplane.Kind
	// Reconciler computes the actions for each owner.
	Reconciler reconcile.Reconciler
	// Finalizer is the token that guards owner deletion.
	Finalizer string
	// Namespace restricts the engine to one namespace. Empty means all.
	Namespace string

	// Workers is the number of keys reconciled concurrently.
	Workers int
	// Backoff spaces out retries of failing keys.
	Backoff backoff.Config
	// MaxTerminalRetries is how often a terminal error is retried with
	// backoff before it is surfaced on the owner and left for the next resync.
	MaxTerminalRetries int
	// ResyncInterval re-enqueues every owner periodically.
	ResyncInterval time.Duration
	// ReconcileTimeout bounds a single attempt.
	ReconcileTimeout time.Duration

	// Elector, when set, runs the workers only while this replica leads.
	Elector Elector
	// Recorder receives Events. Defaults to a discarding recorder.
	Recorder record.EventRecorder
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
	Clock          clock.WithTicker
	Logger         logr.Logger
	// Reporter identifies this engine in diagnostics.
	Reporter string
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.MaxTerminalRetries <= 0 {
		o.MaxTerminalRetries = DefaultMaxTerminalRetries
	}
	if o.ResyncInterval <= 0 {
		o.ResyncInterval = DefaultResyncInterval
	}
	if o.ReconcileTimeout <= 0 {
		o.ReconcileTimeout = DefaultReconcileTimeout
	}
	if o.Recorder == nil {
		o.Recorder = &record.FakeRecorder{}
	}
	if o.TracerProvider == nil {
		o.TracerProvider = otel.GetTracerProvider()
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Logger.GetSink() == nil {
		o.Logger = logr.Discard()
	}
	if o.Reporter == "" {
		o.Reporter = DefaultReporter
	}
}

func (o *Options) validate() error {
	var errs []error
	if o.Owner.Name == "" {
		errs = append(errs, errors.New("owner kind is required"))
	}
	if o.Reconciler == nil {
		errs = append(errs, errors.New("reconciler is required"))
	}
	if o.Finalizer == "" {
		errs = append(errs, errors.New("finalizer is required"))
	}
	for _, child := range o.Children {
		if child.Name == o.Owner.Name {
			errs = append(errs, fmt.Errorf("kind %s cannot be its own child", child.Name))
		}
	}
	return errors.Join(errs...)
}
