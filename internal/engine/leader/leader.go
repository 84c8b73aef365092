// Package leader runs Lease based leader election and drives a lead function
// for as long as this replica holds the lease.
package leader

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	coordinationv1 "k8s.io/client-go/kubernetes/typed/coordination/v1"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
	"k8s.io/utils/clock"
)

// State is the replica's position in the election.
type State int32

const (
	Standby State = iota
	Acquiring
	Leading
)

func (s State) String() string {
	switch s {
	case Standby:
		return "Standby"
	case Acquiring:
		return "Acquiring"
	case Leading:
		return "Leading"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config describes the lease.
type Config struct {
	Name      string
	Namespace string
	// Identity defaults to "<hostname>_<uuid>".
	Identity      string
	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration
}

// Elector competes for a Lease and runs the lead function while holding it.
type Elector struct {
	cfg      Config
	client   coordinationv1.LeasesGetter
	recorder resourcelock.EventRecorder
	logger   logr.Logger
	clock    clock.Clock
	onChange func(State)

	state atomic.Int32
}

// Option configures an Elector.
type Option func(*Elector)

// WithLogger sets the logger.
func WithLogger(l logr.Logger) Option {
	return func(e *Elector) { e.logger = l }
}

// WithEventRecorder records lease transitions as Events.
func WithEventRecorder(r resourcelock.EventRecorder) Option {
	return func(e *Elector) { e.recorder = r }
}

// WithClock sets the clock used between election rounds.
func WithClock(c clock.Clock) Option {
	return func(e *Elector) { e.clock = c }
}

// WithStateHook is called on every state change.
func WithStateHook(f func(State)) Option {
	return func(e *Elector) { e.onChange = f }
}

// New validates cfg and returns an Elector.
func New(client coordinationv1.LeasesGetter, cfg Config, opts ...Option) (*Elector, error) {
	if cfg.Name == "" || cfg.Namespace == "" {
		return nil, fmt.Errorf("lease name and namespace are required")
	}
	if cfg.LeaseDuration <= cfg.RenewDeadline {
		return nil, fmt.Errorf("lease duration %s must be greater than renew deadline %s", cfg.LeaseDuration, cfg.RenewDeadline)
	}
	if float64(cfg.RenewDeadline) <= leaderelection.JitterFactor*float64(cfg.RetryPeriod) {
		return nil, fmt.Errorf("renew deadline %s must be greater than %.1f times retry period %s",
			cfg.RenewDeadline, leaderelection.JitterFactor, cfg.RetryPeriod)
	}
	if cfg.Identity == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Identity = host + "_" + uuid.NewString()
	}

	e := &Elector{cfg: cfg, client: client, logger: logr.Discard(), clock: clock.RealClock{}, onChange: func(State) {}}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Identity returns this replica's identity in the lease.
func (e *Elector) Identity() string {
	return e.cfg.Identity
}

// State returns the current state.
func (e *Elector) State() State {
	return State(e.state.Load())
}

func (e *Elector) setState(s State) {
	if State(e.state.Swap(int32(s))) != s {
		e.logger.Info("Leader election state changed", "state", s.String(), "identity", e.cfg.Identity)
		e.onChange(s)
	}
}

// Run competes for the lease until ctx is done. Each time the lease is
// acquired, lead is called with a context that is cancelled when the lease
// is lost. Run waits for lead to return before competing again, so two lead
// calls never overlap within one replica. The lease is released when ctx ends.
func (e *Elector) Run(ctx context.Context, lead func(ctx context.Context)) error {
	defer e.setState(Standby)

	for ctx.Err() == nil {
		if err := e.runOnce(ctx, lead); err != nil {
			return err
		}
		if ctx.Err() != nil {
			break
		}
		e.logger.Info("Lost leadership, competing again", "retryPeriod", e.cfg.RetryPeriod)
		select {
		case <-ctx.Done():
		case <-e.clock.After(e.cfg.RetryPeriod):
		}
	}
	return nil
}

func (e *Elector) runOnce(ctx context.Context, lead func(ctx context.Context)) error {
	// OnStartedLeading runs on its own goroutine and may start after
	// le.Run has returned; a closed round refuses to lead.
	var (
		mu      sync.Mutex
		closed  bool
		leading sync.WaitGroup
		started atomic.Bool
	)

	le, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock: &resourcelock.LeaseLock{
			LeaseMeta: metav1.ObjectMeta{
				Name:      e.cfg.Name,
				Namespace: e.cfg.Namespace,
			},
			Client: e.client,
			LockConfig: resourcelock.ResourceLockConfig{
				Identity:      e.cfg.Identity,
				EventRecorder: e.recorder,
			},
		},
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(leadCtx context.Context) {
				mu.Lock()
				if closed || leadCtx.Err() != nil {
					mu.Unlock()
					return
				}
				leading.Add(1)
				mu.Unlock()
				defer leading.Done()

				started.Store(true)
				e.setState(Leading)
				lead(leadCtx)
			},
			OnStoppedLeading: func() {
				if started.Load() {
					e.logger.Info("Stopped leading", "identity", e.cfg.Identity)
				}
			},
			OnNewLeader: func(identity string) {
				if identity != e.cfg.Identity {
					e.logger.Info("Observed new leader", "leader", identity)
				}
			},
		},
		LeaseDuration:   e.cfg.LeaseDuration,
		RenewDeadline:   e.cfg.RenewDeadline,
		RetryPeriod:     e.cfg.RetryPeriod,
		Name:            e.cfg.Name,
		ReleaseOnCancel: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create leader elector: %w", err)
	}

	e.setState(Acquiring)
	le.Run(ctx)

	mu.Lock()
	closed = true
	mu.Unlock()
	leading.Wait()

	e.setState(Standby)
	return nil
}
