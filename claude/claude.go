// Package claude orchestrates runs of the agent CLI subprocess: one run per
// user at a time, streamed output, wall-clock timeout, and cooperative cancel.
package claude

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"concierge/activity"
	"concierge/config"
	"concierge/hooks"
	"concierge/logger"
	"concierge/process"
	"concierge/session"
	"concierge/stream"
)

var (
	// ErrBusy means the user already has a run in flight.
	ErrBusy = errors.New("a run is already in flight for this user")
	// ErrNoActiveJob means Cancel found nothing to cancel.
	ErrNoActiveJob = errors.New("no active run for this user")
	// ErrAlreadyCancelling means a cancel for this run was already requested.
	ErrAlreadyCancelling = errors.New("run is already being cancelled")
	// ErrCanceled is the settlement outcome of a canceled run.
	ErrCanceled = errors.New("run canceled")
	// ErrShuttingDown means intake is closed and no new runs are accepted.
	ErrShuttingDown = errors.New("shutting down, not accepting new runs")
)

// stderrTailLines bounds how much stderr is kept for error reporting.
const stderrTailLines = 20

// stdout lines can carry large tool results.
const maxLineBytes = 4 * 1024 * 1024

// Message is the payload seen by before-hooks. Hooks may rewrite the text
// before it reaches the agent.
type Message struct {
	Text string
}

// Result is the terminal outcome of a successful (or failed-but-settled) run.
type Result struct {
	Output    string
	Error     string
	Success   bool
	SessionID string
	CostUSD   float64
	Duration  time.Duration
	NumTurns  int
}

// HookSet carries the interception chains the orchestrator runs around each
// dispatch. Nil chains are treated as empty.
type HookSet struct {
	Before *hooks.Chain[Message]
	After  *hooks.Chain[Result]
}

// job is one in-flight run. All fields except generation are guarded by the
// orchestrator mutex.
type job struct {
	generation uint64

	cmd      *exec.Cmd
	reporter *activity.Reporter

	cancelling bool
	canceled   bool
	timedOut   bool

	timeout   *time.Timer
	killTimer *time.Timer
}

// Orchestrator owns the per-user job table and the agent subprocesses.
type Orchestrator struct {
	cfg     *config.Config
	store   *session.Store
	tracker *process.Tracker
	before  *hooks.Chain[Message]
	after   *hooks.Chain[Result]
	log     *slog.Logger

	mu      sync.Mutex
	jobs    map[int64]*job
	lastGen uint64
	closed  bool
}

// New creates an orchestrator.
func New(cfg *config.Config, store *session.Store, tracker *process.Tracker, hookSet HookSet) *Orchestrator {
	before := hookSet.Before
	if before == nil {
		before = hooks.NewChain[Message]()
	}
	after := hookSet.After
	if after == nil {
		after = hooks.NewChain[Result]()
	}
	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		tracker: tracker,
		before:  before,
		after:   after,
		log:     logger.WithComponent("claude"),
		jobs:    make(map[int64]*job),
	}
}

// Busy reports whether the user has a run in flight.
func (o *Orchestrator) Busy(userID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.jobs[userID]
	return ok
}

// Dispatch runs one message through the agent for one user and blocks until
// the run settles. Exactly one of the return values is meaningful: a Result
// on settlement, or an error (ErrBusy, ErrShuttingDown, ErrCanceled, a hook
// denial, or a spawn/exit failure).
func (o *Orchestrator) Dispatch(ctx context.Context, userID int64, status activity.Editor, text string) (*Result, error) {
	msg, err := o.before.Run(ctx, userID, &Message{Text: text})
	if err != nil {
		return nil, fmt.Errorf("before hook: %w", err)
	}
	text = msg.Text

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if _, live := o.jobs[userID]; live {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	o.lastGen++
	j := &job{generation: o.lastGen}
	o.jobs[userID] = j
	o.mu.Unlock()

	if err := o.store.Touch(userID); err != nil {
		o.log.Warn("recording activity failed", "user_id", userID, "error", err)
	}

	sessionID, resume := o.store.Get(userID)
	if !resume {
		sessionID = uuid.NewString()
	}

	log := logger.WithUser(userID).With(
		"component", "claude",
		"generation", j.generation,
		"run_id", uuid.NewString(),
		"session_id", sessionID,
	)

	res, runErr := o.run(ctx, j, status, text, sessionID, resume, log)
	o.settle(userID, j)

	if runErr != nil {
		return nil, runErr
	}

	if res.SessionID != "" {
		if err := o.store.Set(userID, res.SessionID); err != nil {
			log.Warn("persisting session failed", "error", err)
		}
	}

	out, err := o.after.Run(ctx, userID, res)
	if err != nil {
		return nil, fmt.Errorf("after hook: %w", err)
	}
	return out, nil
}

// run spawns the subprocess and drives it to exit. It does not touch the job
// table; Dispatch settles afterwards.
func (o *Orchestrator) run(ctx context.Context, j *job, status activity.Editor, text, sessionID string, resume bool, log *slog.Logger) (*Result, error) {
	cmd := exec.Command(o.cfg.Command, buildArgs(o.cfg, sessionID, resume)...)
	cmd.Dir = o.cfg.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", o.cfg.Command, err)
	}
	log.Info("run started", "pid", cmd.Process.Pid, "resume", resume)

	release := o.tracker.Register(cmd.Process)

	var reporter *activity.Reporter
	if status != nil {
		reporter = activity.NewReporter(status, o.cfg.StatusInterval(), log)
	}

	o.mu.Lock()
	j.cmd = cmd
	j.reporter = reporter
	canceledDuringSpawn := j.canceled
	if o.cfg.Timeout() > 0 {
		gen := j.generation
		j.timeout = time.AfterFunc(o.cfg.Timeout(), func() { o.timeoutJob(j, gen) })
	}
	o.mu.Unlock()

	if canceledDuringSpawn {
		o.escalate(j, cmd)
	}

	// A canceled dispatch context counts as a cancel request.
	runDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			o.mu.Lock()
			j.cancelling = true
			j.canceled = true
			o.mu.Unlock()
			o.escalate(j, cmd)
		case <-runDone:
		}
	}()

	var (
		outcomeMu  sync.Mutex
		terminal   *stream.Event
		stderrTail []string
	)

	var g errgroup.Group
	g.Go(func() error {
		defer stdin.Close()
		_, err := io.WriteString(stdin, text)
		return err
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			ev, ok := stream.ParseLine(scanner.Text())
			if !ok {
				continue
			}
			if reporter != nil {
				reporter.Observe(ev)
			}
			if ev.Terminal() {
				outcomeMu.Lock()
				terminal = ev
				outcomeMu.Unlock()
			}
		}
		return scanner.Err()
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			log.Debug("agent stderr", "line", line)
			outcomeMu.Lock()
			stderrTail = append(stderrTail, line)
			if len(stderrTail) > stderrTailLines {
				stderrTail = stderrTail[1:]
			}
			outcomeMu.Unlock()
		}
		return scanner.Err()
	})

	if err := g.Wait(); err != nil {
		log.Debug("stream read error", "error", err)
	}
	waitErr := cmd.Wait()
	release()
	close(runDone)
	if reporter != nil {
		reporter.Stop()
	}

	o.mu.Lock()
	canceled := j.canceled
	timedOut := j.timedOut
	o.mu.Unlock()

	log.Info("run finished",
		"pid", cmd.Process.Pid,
		"canceled", canceled,
		"timed_out", timedOut,
		"exit_error", waitErr,
	)

	if canceled {
		return nil, ErrCanceled
	}
	if timedOut {
		return &Result{
			Success: false,
			Error:   fmt.Sprintf("run exceeded the %s time limit and was stopped", o.cfg.Timeout()),
		}, nil
	}
	if terminal == nil {
		tail := strings.Join(stderrTail, "\n")
		if waitErr != nil {
			if tail != "" {
				return nil, fmt.Errorf("agent exited without a result: %w: %s", waitErr, tail)
			}
			return nil, fmt.Errorf("agent exited without a result: %w", waitErr)
		}
		if tail != "" {
			return nil, fmt.Errorf("agent exited without a result: %s", tail)
		}
		return nil, errors.New("agent exited without a result")
	}
	return &Result{
		Output:    terminal.Result,
		Success:   !terminal.IsError && waitErr == nil,
		SessionID: terminal.SessionID,
		CostUSD:   terminal.TotalCostUSD,
		Duration:  time.Duration(terminal.DurationMs) * time.Millisecond,
		NumTurns:  terminal.NumTurns,
	}, nil
}

// Cancel requests cooperative termination of the user's in-flight run.
// The dispatch settles with ErrCanceled once the process is gone.
func (o *Orchestrator) Cancel(userID int64) error {
	o.mu.Lock()
	j, ok := o.jobs[userID]
	if !ok {
		o.mu.Unlock()
		return ErrNoActiveJob
	}
	if j.cancelling {
		o.mu.Unlock()
		return ErrAlreadyCancelling
	}
	j.cancelling = true
	j.canceled = true
	cmd := j.cmd
	reporter := j.reporter
	o.mu.Unlock()

	o.log.Info("cancel requested", "user_id", userID, "generation", j.generation)

	if reporter != nil {
		reporter.Stop()
	}
	if cmd != nil {
		o.escalate(j, cmd)
	}
	return nil
}

// ResetSession cancels any in-flight run for the user and clears the stored
// session, so the next dispatch starts a fresh conversation.
func (o *Orchestrator) ResetSession(userID int64) error {
	if err := o.Cancel(userID); err != nil && !errors.Is(err, ErrNoActiveJob) {
		return err
	}
	return o.store.Reset(userID)
}

// Close stops intake of new runs. In-flight runs continue to completion.
// Idempotent.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		o.log.Info("intake closed")
	}
}

// timeoutJob fires from the wall-clock timer. The generation check makes a
// stale timer a no-op.
func (o *Orchestrator) timeoutJob(j *job, generation uint64) {
	o.mu.Lock()
	if j.generation != generation || j.cmd == nil || j.timedOut || j.canceled {
		o.mu.Unlock()
		return
	}
	j.timedOut = true
	cmd := j.cmd
	o.mu.Unlock()

	o.log.Warn("run timed out", "pid", cmd.Process.Pid, "timeout", o.cfg.Timeout())
	o.escalate(j, cmd)
}

// escalate asks the process to stop and arms a kill timer for the grace
// period. Signal errors are ignored: the process may already be gone.
func (o *Orchestrator) escalate(j *job, cmd *exec.Cmd) {
	proc := cmd.Process
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		o.log.Debug("SIGTERM failed", "pid", proc.Pid, "error", err)
	}
	t := time.AfterFunc(o.cfg.CancelGrace(), func() {
		if err := proc.Kill(); err != nil {
			o.log.Debug("SIGKILL failed", "pid", proc.Pid, "error", err)
		}
	})

	o.mu.Lock()
	if j.killTimer != nil {
		j.killTimer.Stop()
	}
	j.killTimer = t
	o.mu.Unlock()
}

// settle removes the job from the table (generation-checked) and stops any
// timers it owns.
func (o *Orchestrator) settle(userID int64, j *job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if j.timeout != nil {
		j.timeout.Stop()
	}
	if j.killTimer != nil {
		j.killTimer.Stop()
	}
	if current, ok := o.jobs[userID]; ok && current.generation == j.generation {
		delete(o.jobs, userID)
	}
}
