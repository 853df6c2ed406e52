// Package health aggregates dependency checks for the status server.
package health

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status is the health of one dependency.
type Status string

const (
	StatusOK   Status = "ok"
	StatusDown Status = "down"
)

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) Status

const checkTimeout = 5 * time.Second

// Checker runs named dependency checks.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	logger zerolog.Logger
}

// NewChecker creates an empty checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// RunAll executes every check concurrently.
func (c *Checker) RunAll(ctx context.Context) map[string]Status {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			s := f(checkCtx)
			mu.Lock()
			results[n] = s
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()
	return results
}

// Healthy reports whether every check passes.
func (c *Checker) Healthy(ctx context.Context) bool {
	for _, s := range c.RunAll(ctx) {
		if s != StatusOK {
			return false
		}
	}
	return true
}

// DirWritable checks that a directory exists and accepts writes, used for
// the state root and the working tree.
func DirWritable(dir string) CheckFunc {
	return func(_ context.Context) Status {
		probe := filepath.Join(dir, ".health-probe")
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			return StatusDown
		}
		os.Remove(probe)
		return StatusOK
	}
}
