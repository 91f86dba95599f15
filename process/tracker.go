// Package process tracks live agent subprocesses so shutdown can drain them.
package process

import (
	"context"
	"os"
	"sync"
	"time"

	"concierge/logger"
)

// pollInterval is how often Wait re-checks the tracked count while draining.
const pollInterval = 100 * time.Millisecond

// Tracker is a registry of running subprocesses, keyed by PID.
//
// The goroutine that observes a process's exit (the one calling Wait on the
// command) holds the release func and invokes it when the process is truly
// gone, so the tracker reflects OS-level liveness rather than job bookkeeping.
type Tracker struct {
	mu    sync.Mutex
	procs map[int]*os.Process
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		procs: make(map[int]*os.Process),
	}
}

// Register adds a process and returns a release func that removes it again.
// The release func is idempotent.
func (t *Tracker) Register(proc *os.Process) func() {
	if proc == nil {
		return func() {}
	}

	t.mu.Lock()
	t.procs[proc.Pid] = proc
	t.mu.Unlock()

	logger.WithComponent("process").Debug("process registered", "pid", proc.Pid)

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.procs, proc.Pid)
			t.mu.Unlock()
			logger.WithComponent("process").Debug("process released", "pid", proc.Pid)
		})
	}
}

// Count returns the number of currently tracked processes.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.procs)
}

// Pids returns the PIDs of all tracked processes.
func (t *Tracker) Pids() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	pids := make([]int, 0, len(t.procs))
	for pid := range t.procs {
		pids = append(pids, pid)
	}
	return pids
}

// Wait blocks until every tracked process has been released, the grace period
// elapses, or the context is canceled. It returns true only when the tracker
// drained completely.
func (t *Tracker) Wait(ctx context.Context, grace time.Duration) bool {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if t.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return t.Count() == 0
		case <-deadline.C:
			return t.Count() == 0
		case <-ticker.C:
		}
	}
}

// KillAll sends sig to every tracked process. Signal errors are logged and
// ignored: a process may exit between the snapshot and the signal.
func (t *Tracker) KillAll(sig os.Signal) {
	t.mu.Lock()
	procs := make([]*os.Process, 0, len(t.procs))
	for _, p := range t.procs {
		procs = append(procs, p)
	}
	t.mu.Unlock()

	log := logger.WithComponent("process")
	for _, p := range procs {
		if err := p.Signal(sig); err != nil {
			log.Debug("signal failed", "pid", p.Pid, "signal", sig, "error", err)
		} else {
			log.Info("signaled process", "pid", p.Pid, "signal", sig)
		}
	}
}
