// Package shutdown coordinates graceful teardown: stop intake, drain live
// agent processes, kill stragglers, then exit.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"concierge/logger"
	"concierge/process"
)

// DefaultDrainGrace bounds how long shutdown waits for in-flight runs.
const DefaultDrainGrace = 20 * time.Second

// Stopper closes intake of new work. The orchestrator satisfies this.
type Stopper interface {
	Close()
}

// Options configures a Coordinator. Zero values get sensible defaults;
// Exit defaults to os.Exit and is injectable for tests.
type Options struct {
	Intake     Stopper
	DrainGrace time.Duration
	Teardown   func() error
	Exit       func(code int)
}

// Coordinator owns the shutdown sequence. Shutdown runs at most once no
// matter how many signals or callers race into it.
type Coordinator struct {
	tracker *process.Tracker
	opts    Options
	log     *slog.Logger
	once    sync.Once
}

// New creates a coordinator around the given process tracker.
func New(tracker *process.Tracker, opts Options) *Coordinator {
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = DefaultDrainGrace
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	return &Coordinator{
		tracker: tracker,
		opts:    opts,
		log:     logger.WithComponent("shutdown"),
	}
}

// Run blocks until the first signal arrives or the context is canceled,
// then performs the shutdown sequence.
func (c *Coordinator) Run(ctx context.Context, sigCh <-chan os.Signal) {
	select {
	case sig := <-sigCh:
		c.log.Info("signal received", "signal", sig.String())
	case <-ctx.Done():
		c.log.Info("shutdown requested", "reason", ctx.Err())
	}
	c.Shutdown()
}

// Shutdown stops intake, drains tracked processes for the grace period,
// kills whatever remains, runs teardown, and exits with code 0. In-flight
// work that survives the grace period is lost; exit is always clean so
// supervisors do not treat a drain timeout as a crash loop.
func (c *Coordinator) Shutdown() {
	c.once.Do(func() {
		if c.opts.Intake != nil {
			c.opts.Intake.Close()
		}

		outstanding := c.tracker.Count()
		c.log.Info("draining", "outstanding", outstanding, "grace", c.opts.DrainGrace)

		if !c.tracker.Wait(context.Background(), c.opts.DrainGrace) {
			c.log.Warn("drain incomplete, killing stragglers", "remaining", c.tracker.Count())
			c.tracker.KillAll(syscall.SIGKILL)
		}

		if c.opts.Teardown != nil {
			if err := c.opts.Teardown(); err != nil {
				c.log.Error("teardown failed", "error", err)
			}
		}

		c.log.Info("shutdown complete")
		c.opts.Exit(0)
	})
}
