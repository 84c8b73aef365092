package config

import (
	"os"
	"strconv"
	"time"
)

// ApplyEnv overrides fields from environment variables. Unset or
// unparsable variables leave the current value in place.
//
// Environment Variables:
//   - CUSTOMAPP_NAMESPACE
//   - CUSTOMAPP_WORKERS
//   - CUSTOMAPP_MAX_TERMINAL_RETRIES
//   - CUSTOMAPP_RESYNC_INTERVAL
//   - CUSTOMAPP_RECONCILE_TIMEOUT
//   - CUSTOMAPP_LEASE_NAMESPACE
//   - CUSTOMAPP_POD_NAME (lease identity)
//   - CUSTOMAPP_S3_ENDPOINT, CUSTOMAPP_S3_REGION, CUSTOMAPP_S3_BUCKET
//   - CUSTOMAPP_S3_ACCESS_KEY, CUSTOMAPP_S3_SECRET_KEY
func (c *Config) ApplyEnv() {
	c.Namespace = parseString("CUSTOMAPP_NAMESPACE", c.Namespace)
	c.Workers = parseInt("CUSTOMAPP_WORKERS", c.Workers)
	c.MaxTerminalRetries = parseInt("CUSTOMAPP_MAX_TERMINAL_RETRIES", c.MaxTerminalRetries)
	c.ResyncInterval.Duration = parseDuration("CUSTOMAPP_RESYNC_INTERVAL", c.ResyncInterval.Duration)
	c.ReconcileTimeout.Duration = parseDuration("CUSTOMAPP_RECONCILE_TIMEOUT", c.ReconcileTimeout.Duration)

	c.LeaderElection.LeaseNamespace = parseString("CUSTOMAPP_LEASE_NAMESPACE", c.LeaderElection.LeaseNamespace)
	c.LeaderElection.Identity = parseString("CUSTOMAPP_POD_NAME", c.LeaderElection.Identity)

	c.Artifacts.Endpoint = parseString("CUSTOMAPP_S3_ENDPOINT", c.Artifacts.Endpoint)
	c.Artifacts.Region = parseString("CUSTOMAPP_S3_REGION", c.Artifacts.Region)
	c.Artifacts.Bucket = parseString("CUSTOMAPP_S3_BUCKET", c.Artifacts.Bucket)
	c.Artifacts.AccessKey = parseString("CUSTOMAPP_S3_ACCESS_KEY", c.Artifacts.AccessKey)
	c.Artifacts.SecretKey = parseString("CUSTOMAPP_S3_SECRET_KEY", c.Artifacts.SecretKey)
}

func parseString(envVar, defaultVal string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultVal
}

// parseDuration parses a duration from an environment variable.
// If the variable is not set or parsing fails, the default value is returned.
func parseDuration(envVar string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(envVar)
	if val == "" {
		return defaultVal
	}

	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}

	return d
}

// parseInt parses an integer from an environment variable.
// If the variable is not set or parsing fails, the default value is returned.
func parseInt(envVar string, defaultVal int) int {
	val := os.Getenv(envVar)
	if val == "" {
		return defaultVal
	}

	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}

	return i
}
