// Package backoff tracks consecutive failures per key and computes the delay
// before the next attempt.
package backoff

import (
	"math"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// Config describes an exponential backoff with jitter.
type Config struct {
	// Base is the delay after the first failure.
	Base time.Duration
	// Max caps the delay before jitter is applied.
	Max time.Duration
	// Factor multiplies the delay on every further failure.
	Factor float64
	// Jitter adds up to Jitter*delay of random extra wait.
	Jitter float64
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Base:   500 * time.Millisecond,
		Max:    5 * time.Minute,
		Factor: 2.0,
		Jitter: 0.1,
	}
}

// Controller tracks failures for keys of type K. It is safe for concurrent use.
type Controller[K comparable] struct {
	cfg      Config
	mu       sync.Mutex
	failures map[K]int
}

// New returns a controller using cfg. Zero fields fall back to DefaultConfig.
func New[K comparable](cfg Config) *Controller[K] {
	def := DefaultConfig()
	if cfg.Base <= 0 {
		cfg.Base = def.Base
	}
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.Max < cfg.Base {
		cfg.Max = cfg.Base
	}
	if cfg.Factor < 1 {
		cfg.Factor = def.Factor
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Controller[K]{cfg: cfg, failures: make(map[K]int)}
}

// Next records a failure for key and returns the delay before retrying it.
func (c *Controller[K]) Next(key K) time.Duration {
	c.mu.Lock()
	c.failures[key]++
	n := c.failures[key]
	c.mu.Unlock()

	d := c.Delay(n)
	if c.cfg.Jitter > 0 {
		d = wait.Jitter(d, c.cfg.Jitter)
	}
	return d
}

// Delay returns the un-jittered delay after n consecutive failures.
func (c *Controller[K]) Delay(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	exp := float64(c.cfg.Base) * math.Pow(c.cfg.Factor, float64(n-1))
	if math.IsInf(exp, 0) || exp >= float64(c.cfg.Max) {
		return c.cfg.Max
	}
	return time.Duration(exp)
}

// Failures returns the number of consecutive failures recorded for key.
func (c *Controller[K]) Failures(key K) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures[key]
}

// Reset forgets key after a success.
func (c *Controller[K]) Reset(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failures, key)
}
