// Package reaper runs the periodic idle-session eviction task: every tick it
// asks the registry to end sessions whose last activity has gone stale.
package reaper

import (
	"context"
	"time"

	"github.com/sourcegraph/log"
)

// Registry is the subset of *registry.Registry the reaper depends on.
type Registry interface {
	ReapIdle(idleTimeoutSeconds float64) int
}

// Reaper ticks on an interval and evicts idle sessions until stopped.
type Reaper struct {
	log         log.Logger
	registry    Registry
	interval    time.Duration
	idleTimeout float64
}

// New builds a Reaper that ticks every interval, evicting sessions idle
// longer than idleTimeoutSeconds.
func New(registry Registry, interval time.Duration, idleTimeoutSeconds float64) *Reaper {
	return &Reaper{
		log:         log.Scoped("reaper", "idle session eviction"),
		registry:    registry,
		interval:    interval,
		idleTimeout: idleTimeoutSeconds,
	}
}

// Run blocks, ticking every r.interval and reaping idle sessions, until ctx
// is cancelled. Intended to be run in its own goroutine from cmd/broker.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return
		case <-ticker.C:
			if n := r.registry.ReapIdle(r.idleTimeout); n > 0 {
				r.log.Info("reaped idle sessions", log.Int("count", n))
			}
		}
	}
}
