package config

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/imamik/customapp-operator/internal/engine/backoff"
	"github.com/imamik/customapp-operator/internal/engine/leader"
)

// DefaultLeaseName is the Lease the operator replicas compete for.
const DefaultLeaseName = "customapp-operator"

// Config is the operator configuration.
type Config struct {
	// Namespace restricts the operator to one namespace. Empty watches all.
	Namespace string `json:"namespace,omitempty"`

	// Workers is the number of keys reconciled in parallel.
	Workers int `json:"workers,omitempty"`
	// MaxTerminalRetries is how often a terminal error is retried with
	// backoff before it is surfaced and the key waits for the next resync.
	MaxTerminalRetries int             `json:"maxTerminalRetries,omitempty"`
	ResyncInterval     metav1.Duration `json:"resyncInterval,omitempty"`
	ReconcileTimeout   metav1.Duration `json:"reconcileTimeout,omitempty"`

	Backoff        BackoffConfig        `json:"backoff,omitempty"`
	LeaderElection LeaderElectionConfig `json:"leaderElection,omitempty"`
	Artifacts      ArtifactsConfig      `json:"artifacts,omitempty"`

	MetricsBindAddress     string `json:"metricsBindAddress,omitempty"`
	HealthProbeBindAddress string `json:"healthProbeBindAddress,omitempty"`

	// Reporter is the component name on emitted Events.
	Reporter string `json:"reporter,omitempty"`
}

// BackoffConfig is the per-key retry backoff.
type BackoffConfig struct {
	Base   metav1.Duration `json:"base,omitempty"`
	Max    metav1.Duration `json:"max,omitempty"`
	Factor float64         `json:"factor,omitempty"`
	Jitter float64         `json:"jitter,omitempty"`
}

// LeaderElectionConfig configures the Lease used for leader election.
type LeaderElectionConfig struct {
	Enabled   bool   `json:"enabled,omitempty"`
	LeaseName string `json:"leaseName,omitempty"`
	// LeaseNamespace defaults to the operator's namespace.
	LeaseNamespace string          `json:"leaseNamespace,omitempty"`
	Identity       string          `json:"identity,omitempty"`
	LeaseDuration  metav1.Duration `json:"leaseDuration,omitempty"`
	RenewDeadline  metav1.Duration `json:"renewDeadline,omitempty"`
	RetryPeriod    metav1.Duration `json:"retryPeriod,omitempty"`
}

// ArtifactsConfig points at the S3-compatible store holding app artifacts.
// Purging is disabled when Region is empty.
type ArtifactsConfig struct {
	Endpoint  string `json:"endpoint,omitempty"`
	Region    string `json:"region,omitempty"`
	PathStyle bool   `json:"pathStyle,omitempty"`
	// Bucket, when set, must be reachable at startup.
	Bucket string `json:"bucket,omitempty"`
	// Credentials are only read from the environment.
	AccessKey string `json:"-"`
	SecretKey string `json:"-"`
}

// Enabled reports whether an artifact store is configured.
func (a ArtifactsConfig) Enabled() bool {
	return a.Region != ""
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	b := backoff.DefaultConfig()
	return &Config{
		Workers:            2,
		MaxTerminalRetries: 5,
		ResyncInterval:     metav1.Duration{Duration: 5 * time.Minute},
		ReconcileTimeout:   metav1.Duration{Duration: 30 * time.Second},
		Backoff: BackoffConfig{
			Base:   metav1.Duration{Duration: b.Base},
			Max:    metav1.Duration{Duration: b.Max},
			Factor: b.Factor,
			Jitter: b.Jitter,
		},
		LeaderElection: LeaderElectionConfig{
			LeaseName:     DefaultLeaseName,
			LeaseDuration: metav1.Duration{Duration: 15 * time.Second},
			RenewDeadline: metav1.Duration{Duration: 10 * time.Second},
			RetryPeriod:   metav1.Duration{Duration: 2 * time.Second},
		},
		MetricsBindAddress:     ":8080",
		HealthProbeBindAddress: ":8081",
		Reporter:               "cap-reporter",
	}
}

// BackoffConfig converts the backoff settings for the engine.
func (c *Config) BackoffConfig() backoff.Config {
	return backoff.Config{
		Base:   c.Backoff.Base.Duration,
		Max:    c.Backoff.Max.Duration,
		Factor: c.Backoff.Factor,
		Jitter: c.Backoff.Jitter,
	}
}

// LeaseConfig converts the leader election settings. fallbackNamespace is
// used when no lease namespace is configured.
func (c *Config) LeaseConfig(fallbackNamespace string) leader.Config {
	ns := c.LeaderElection.LeaseNamespace
	if ns == "" {
		ns = fallbackNamespace
	}
	return leader.Config{
		Name:          c.LeaderElection.LeaseName,
		Namespace:     ns,
		Identity:      c.LeaderElection.Identity,
		LeaseDuration: c.LeaderElection.LeaseDuration.Duration,
		RenewDeadline: c.LeaderElection.RenewDeadline.Duration,
		RetryPeriod:   c.LeaderElection.RetryPeriod.Duration,
	}
}
