// Package handlers implements the operator's command execution.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/imamik/customapp-operator/api/v1alpha1"
	"github.com/imamik/customapp-operator/internal/config"
	"github.com/imamik/customapp-operator/internal/controlplane"
	"github.com/imamik/customapp-operator/internal/controlplane/kube"
	"github.com/imamik/customapp-operator/internal/engine"
	"github.com/imamik/customapp-operator/internal/engine/leader"
	"github.com/imamik/customapp-operator/internal/operator/customapp"
	"github.com/imamik/customapp-operator/internal/operator/kinds"
	"github.com/imamik/customapp-operator/internal/platform/s3"
	"github.com/imamik/customapp-operator/internal/util/async"
	"github.com/imamik/customapp-operator/internal/util/retry"
)

// serviceAccountNamespace is where the pod's namespace is mounted in-cluster.
const serviceAccountNamespace = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"

// Options carries the command-line overrides. Zero values leave the
// configuration untouched.
type Options struct {
	ConfigPath  string
	Namespace   string
	MetricsAddr string
	ProbeAddr   string
	LeaderElect bool
	// LeaderElectSet reports whether --leader-elect was given explicitly.
	LeaderElectSet bool
}

// apply overlays the command-line overrides on cfg.
func (o Options) apply(cfg *config.Config) {
	if o.Namespace != "" {
		cfg.Namespace = o.Namespace
	}
	if o.MetricsAddr != "" {
		cfg.MetricsBindAddress = o.MetricsAddr
	}
	if o.ProbeAddr != "" {
		cfg.HealthProbeBindAddress = o.ProbeAddr
	}
	if o.LeaderElectSet {
		cfg.LeaderElection.Enabled = o.LeaderElect
	}
}

// Run starts the operator and blocks until ctx is cancelled or a component fails.
func Run(ctx context.Context, opts Options) error {
	log := ctrl.Log.WithName("setup")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	restCfg, err := ctrl.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to load kubeconfig: %w", err)
	}
	plane, err := kube.NewForConfig(restCfg, kinds.Registry())
	if err != nil {
		return fmt.Errorf("failed to create dynamic client: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return fmt.Errorf("failed to create clientset: %w", err)
	}

	log.Info("Waiting for watched kinds to be served", "namespace", cfg.Namespace)
	if err := waitForKinds(ctx, plane, cfg.Namespace, append([]controlplane.Kind{kinds.CustomApp}, kinds.Children()...)); err != nil {
		return err
	}

	recorder, stopEvents := kube.NewEventRecorder(clientset, cfg.Reporter)
	defer stopEvents()

	var reconcilerOpts []customapp.Option
	if cfg.Artifacts.Enabled() {
		store, err := s3.NewClient(cfg.Artifacts.Endpoint, cfg.Artifacts.Region,
			cfg.Artifacts.AccessKey, cfg.Artifacts.SecretKey, cfg.Artifacts.PathStyle)
		if err != nil {
			return fmt.Errorf("failed to create artifact store: %w", err)
		}
		if err := checkBucket(ctx, store, cfg.Artifacts.Bucket); err != nil {
			return err
		}
		reconcilerOpts = append(reconcilerOpts, customapp.WithArtifactStore(store))
		log.Info("Artifact purging enabled", "endpoint", cfg.Artifacts.Endpoint, "region", cfg.Artifacts.Region)
	}

	engineOpts := engine.Options{
		Owner:              kinds.CustomApp,
		Children:           kinds.Children(),
		Reconciler:         customapp.NewReconciler(reconcilerOpts...),
		Finalizer:          v1alpha1.Finalizer,
		Namespace:          cfg.Namespace,
		Workers:            cfg.Workers,
		Backoff:            cfg.BackoffConfig(),
		MaxTerminalRetries: cfg.MaxTerminalRetries,
		ResyncInterval:     cfg.ResyncInterval.Duration,
		ReconcileTimeout:   cfg.ReconcileTimeout.Duration,
		Recorder:           recorder,
		Logger:             ctrl.Log.WithName("engine"),
		Reporter:           cfg.Reporter,
	}
	if cfg.LeaderElection.Enabled {
		elector, err := leader.New(clientset.CoordinationV1(), cfg.LeaseConfig(operatorNamespace(cfg)),
			leader.WithLogger(ctrl.Log.WithName("leader")),
			leader.WithEventRecorder(recorder),
		)
		if err != nil {
			return fmt.Errorf("failed to set up leader election: %w", err)
		}
		engineOpts.Elector = elector
		log.Info("Leader election enabled", "identity", elector.Identity())
	}

	eng, err := engine.New(plane, engineOpts)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	mgr, err := newManager(restCfg, cfg, eng)
	if err != nil {
		return err
	}

	log.Info("Starting manager", "workers", cfg.Workers, "resync", cfg.ResyncInterval.Duration)
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("problem running manager: %w", err)
	}
	return nil
}

// newManager hosts the engine together with the metrics, diagnostics and
// probe endpoints. The engine does its own leader election, so the
// manager's is disabled.
func newManager(restCfg *rest.Config, cfg *config.Config, eng *engine.Engine) (ctrl.Manager, error) {
	mgr, err := ctrl.NewManager(restCfg, ctrl.Options{
		Scheme: v1alpha1.Scheme,
		Metrics: metricsserver.Options{
			BindAddress: cfg.MetricsBindAddress,
			ExtraHandlers: map[string]http.Handler{
				"/diagnostics": eng,
			},
		},
		HealthProbeBindAddress: cfg.HealthProbeBindAddress,
		LeaderElection:         false,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create manager: %w", err)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return nil, fmt.Errorf("unable to set up health check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", eng.ReadyCheck); err != nil {
		return nil, fmt.Errorf("unable to set up ready check: %w", err)
	}
	if err := mgr.Add(eng); err != nil {
		return nil, fmt.Errorf("unable to add engine: %w", err)
	}
	return mgr, nil
}

// servedChecker is the part of the kube client waitForKinds needs.
type servedChecker interface {
	Served(ctx context.Context, kind controlplane.Kind, namespace string) error
}

// waitForKinds blocks until every kind can be listed, retrying with backoff
// so that the operator can start before its CRD is installed.
func waitForKinds(ctx context.Context, client servedChecker, namespace string, watched []controlplane.Kind, opts ...retry.Option) error {
	if len(opts) == 0 {
		opts = []retry.Option{
			retry.WithMaxRetries(10),
			retry.WithInitialDelay(time.Second),
			retry.WithMaxDelay(30 * time.Second),
		}
	}

	tasks := make([]async.Task, 0, len(watched))
	for _, kind := range watched {
		tasks = append(tasks, async.Task{
			Name: kind.Resource.String(),
			Func: func(ctx context.Context) error {
				return retry.WithExponentialBackoff(ctx, func() error {
					return client.Served(ctx, kind, namespace)
				}, opts...)
			},
		})
	}
	if err := async.RunParallel(ctx, tasks); err != nil {
		return fmt.Errorf("watched kinds are not served: %w", err)
	}
	return nil
}

// bucketChecker is the part of the S3 client checkBucket needs.
type bucketChecker interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
}

// checkBucket fails when the configured bucket is missing or unreachable.
// Without a configured bucket there is nothing to check.
func checkBucket(ctx context.Context, store bucketChecker, bucket string) error {
	if bucket == "" {
		return nil
	}
	exists, err := store.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("artifact store is not reachable: %w", err)
	}
	if !exists {
		return fmt.Errorf("artifact bucket %s does not exist", bucket)
	}
	return nil
}

// operatorNamespace returns the namespace the lease lives in when none is
// configured: the watched namespace, then the pod's own, then "default".
func operatorNamespace(cfg *config.Config) string {
	if cfg.Namespace != "" {
		return cfg.Namespace
	}
	if data, err := os.ReadFile(serviceAccountNamespace); err == nil {
		if ns := strings.TrimSpace(string(data)); ns != "" {
			return ns
		}
	}
	return "default"
}
