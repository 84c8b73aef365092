package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.MaxTerminalRetries < 0 {
		errs = append(errs, fmt.Errorf("maxTerminalRetries must not be negative, got %d", c.MaxTerminalRetries))
	}
	if c.ResyncInterval.Duration <= 0 {
		errs = append(errs, fmt.Errorf("resyncInterval must be positive"))
	}
	if c.ReconcileTimeout.Duration <= 0 {
		errs = append(errs, fmt.Errorf("reconcileTimeout must be positive"))
	}

	if err := c.validateBackoff(); err != nil {
		errs = append(errs, fmt.Errorf("backoff: %w", err))
	}
	if c.LeaderElection.Enabled {
		if err := c.validateLeaderElection(); err != nil {
			errs = append(errs, fmt.Errorf("leaderElection: %w", err))
		}
	}
	if c.Artifacts.Enabled() && (c.Artifacts.AccessKey == "") != (c.Artifacts.SecretKey == "") {
		errs = append(errs, fmt.Errorf("artifacts: access key and secret key must be set together"))
	}

	return errors.Join(errs...)
}

func (c *Config) validateBackoff() error {
	b := c.Backoff
	if b.Base.Duration <= 0 {
		return fmt.Errorf("base must be positive")
	}
	if b.Max.Duration < b.Base.Duration {
		return fmt.Errorf("max %s must not be below base %s", b.Max.Duration, b.Base.Duration)
	}
	if b.Factor < 1 {
		return fmt.Errorf("factor must be at least 1, got %g", b.Factor)
	}
	if b.Jitter < 0 {
		return fmt.Errorf("jitter must not be negative, got %g", b.Jitter)
	}
	return nil
}

func (c *Config) validateLeaderElection() error {
	le := c.LeaderElection
	if le.LeaseName == "" {
		return fmt.Errorf("leaseName is required")
	}
	if le.LeaseDuration.Duration <= le.RenewDeadline.Duration {
		return fmt.Errorf("leaseDuration %s must be greater than renewDeadline %s",
			le.LeaseDuration.Duration, le.RenewDeadline.Duration)
	}
	if le.RenewDeadline.Duration <= le.RetryPeriod.Duration {
		return fmt.Errorf("renewDeadline %s must be greater than retryPeriod %s",
			le.RenewDeadline.Duration, le.RetryPeriod.Duration)
	}
	return nil
}
