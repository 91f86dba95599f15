package claude

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge/config"
	"concierge/hooks"
	"concierge/process"
	"concierge/session"
)

// echoAgent mimics a well-behaved agent: reads the message from stdin and
// emits a stream-json conversation ending in a result record.
const echoAgent = `read -r line || true
echo '{"type":"system","subtype":"init","session_id":"sess-echo"}'
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash"}]}}'
echo "{\"type\":\"result\",\"subtype\":\"success\",\"result\":\"echo: $line\",\"session_id\":\"sess-echo\",\"total_cost_usd\":0.01,\"duration_ms\":120,\"num_turns\":1}"
`

// slowAgent runs until signaled and honors SIGTERM.
const slowAgent = `echo '{"type":"system","subtype":"init","session_id":"sess-slow"}'
trap 'exit 143' TERM
sleep 30 </dev/null >/dev/null 2>&1 &
wait $!
`

// stubbornAgent ignores SIGTERM; only SIGKILL stops it.
const stubbornAgent = `trap '' TERM
echo '{"type":"system","subtype":"init","session_id":"sess-stubborn"}'
sleep 30 </dev/null >/dev/null 2>&1 &
wait $!
`

// brokenAgent exits without ever producing a result record.
const brokenAgent = `echo 'agent exploded' >&2
exit 3
`

func writeAgent(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func testConfig(command string) *config.Config {
	return &config.Config{
		Command:               command,
		PermissionMode:        "acceptEdits",
		TimeoutSeconds:        30,
		CancelGraceSeconds:    1,
		DrainGraceSeconds:     5,
		StatusIntervalSeconds: 1,
	}
}

func newTestOrchestrator(t *testing.T, cfg *config.Config, hookSet HookSet) (*Orchestrator, *session.Store) {
	t.Helper()
	store, err := session.New(filepath.Join(t.TempDir(), "sessions.json"))
	require.NoError(t, err)
	return New(cfg, store, process.NewTracker(), hookSet), store
}

type statusRecorder struct {
	mu    sync.Mutex
	texts []string
}

func (s *statusRecorder) Edit(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *statusRecorder) edits() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func TestDispatchSuccess(t *testing.T) {
	o, store := newTestOrchestrator(t, testConfig(writeAgent(t, echoAgent)), HookSet{})

	res, err := o.Dispatch(context.Background(), 100, nil, "hello agent")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "echo: hello agent", res.Output)
	assert.Equal(t, "sess-echo", res.SessionID)
	assert.InDelta(t, 0.01, res.CostUSD, 1e-9)
	assert.Equal(t, 120*time.Millisecond, res.Duration)
	assert.Equal(t, 1, res.NumTurns)

	// The reported session must be persisted for the next dispatch.
	id, ok := store.Get(100)
	assert.True(t, ok)
	assert.Equal(t, "sess-echo", id)

	assert.False(t, o.Busy(100))
}

func TestDispatchReportsStatus(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig(writeAgent(t, echoAgent)), HookSet{})

	status := &statusRecorder{}
	_, err := o.Dispatch(context.Background(), 100, status, "hi")
	require.NoError(t, err)

	edits := status.edits()
	require.NotEmpty(t, edits)
	assert.Equal(t, "🤔 Thinking  00:00", edits[0])
}

func TestDispatchBusy(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig(writeAgent(t, slowAgent)), HookSet{})

	errCh := make(chan error, 1)
	go func() {
		_, err := o.Dispatch(context.Background(), 100, nil, "long task")
		errCh <- err
	}()

	require.Eventually(t, func() bool { return o.Busy(100) }, 5*time.Second, 10*time.Millisecond)

	_, err := o.Dispatch(context.Background(), 100, nil, "second message")
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, o.Cancel(100))
	assert.ErrorIs(t, <-errCh, ErrCanceled)
}

func TestDispatchSeparateUsersRunIndependently(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig(writeAgent(t, echoAgent)), HookSet{})

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	for i, userID := range []int64{100, 200} {
		wg.Add(1)
		go func(i int, userID int64) {
			defer wg.Done()
			results[i], errs[i] = o.Dispatch(context.Background(), userID, nil, fmt.Sprintf("from %d", userID))
		}(i, userID)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.True(t, results[i].Success)
	}
	assert.Equal(t, "echo: from 100", results[0].Output)
	assert.Equal(t, "echo: from 200", results[1].Output)
}

func TestCancel(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig(writeAgent(t, slowAgent)), HookSet{})

	errCh := make(chan error, 1)
	go func() {
		_, err := o.Dispatch(context.Background(), 100, nil, "long task")
		errCh <- err
	}()
	require.Eventually(t, func() bool { return o.Busy(100) }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, o.Cancel(100))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCanceled)
	case <-time.After(5 * time.Second):
		t.Fatal("canceled dispatch did not settle")
	}
	assert.False(t, o.Busy(100))
}

func TestCancelEscalatesToKill(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig(writeAgent(t, stubbornAgent)), HookSet{})

	errCh := make(chan error, 1)
	go func() {
		_, err := o.Dispatch(context.Background(), 100, nil, "long task")
		errCh <- err
	}()
	require.Eventually(t, func() bool { return o.Busy(100) }, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, o.Cancel(100))

	// SIGTERM is ignored, so settlement waits for the SIGKILL escalation
	// after the one second grace period.
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCanceled)
		assert.Greater(t, time.Since(start), 500*time.Millisecond)
		assert.Less(t, time.Since(start), 10*time.Second)
	case <-time.After(15 * time.Second):
		t.Fatal("stubborn process was never killed")
	}
}

func TestCancelTwice(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig(writeAgent(t, stubbornAgent)), HookSet{})

	errCh := make(chan error, 1)
	go func() {
		_, err := o.Dispatch(context.Background(), 100, nil, "long task")
		errCh <- err
	}()
	require.Eventually(t, func() bool { return o.Busy(100) }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, o.Cancel(100))
	assert.ErrorIs(t, o.Cancel(100), ErrAlreadyCancelling)

	assert.ErrorIs(t, <-errCh, ErrCanceled)
}

func TestCancelNoActiveJob(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig("claude"), HookSet{})
	assert.ErrorIs(t, o.Cancel(100), ErrNoActiveJob)
}

func TestDispatchContextCancelBehavesLikeCancel(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig(writeAgent(t, slowAgent)), HookSet{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := o.Dispatch(ctx, 100, nil, "long task")
		errCh <- err
	}()
	require.Eventually(t, func() bool { return o.Busy(100) }, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, ErrCanceled)
}

func TestTimeout(t *testing.T) {
	cfg := testConfig(writeAgent(t, slowAgent))
	cfg.TimeoutSeconds = 1
	o, _ := newTestOrchestrator(t, cfg, HookSet{})

	start := time.Now()
	res, err := o.Dispatch(context.Background(), 100, nil, "long task")
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "time limit")
	assert.Greater(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, o.Busy(100))
}

func TestResumeAndReset(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args.txt")
	body := fmt.Sprintf(`printf '%%s\n' "$@" > %s
read -r line || true
echo '{"type":"result","subtype":"success","result":"ok","session_id":"sess-args"}'
`, argsFile)
	o, store := newTestOrchestrator(t, testConfig(writeAgent(t, body)), HookSet{})

	readArgs := func() []string {
		data, err := os.ReadFile(argsFile)
		require.NoError(t, err)
		return strings.Split(strings.TrimSpace(string(data)), "\n")
	}

	// First run: no stored session, so a fresh --session-id is assigned.
	_, err := o.Dispatch(context.Background(), 100, nil, "first")
	require.NoError(t, err)
	args := readArgs()
	assert.Contains(t, args, "--session-id")
	assert.NotContains(t, args, "--resume")

	// Second run: the reported session is resumed.
	_, err = o.Dispatch(context.Background(), 100, nil, "second")
	require.NoError(t, err)
	args = readArgs()
	assert.Contains(t, args, "--resume")
	assert.Contains(t, args, "sess-args")

	// After a reset the next run starts fresh again.
	require.NoError(t, o.ResetSession(100))
	_, ok := store.Get(100)
	assert.False(t, ok)

	_, err = o.Dispatch(context.Background(), 100, nil, "third")
	require.NoError(t, err)
	args = readArgs()
	assert.Contains(t, args, "--session-id")
	assert.NotContains(t, args, "--resume")
}

func TestDispatchSpawnErrorFreesSlot(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig("/nonexistent/agent"), HookSet{})

	_, err := o.Dispatch(context.Background(), 100, nil, "hi")
	require.Error(t, err)
	assert.False(t, o.Busy(100), "a failed spawn must not leave the user busy")

	// The slot is reusable.
	_, err = o.Dispatch(context.Background(), 100, nil, "hi again")
	require.Error(t, err)
}

func TestDispatchAgentExitWithoutResult(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig(writeAgent(t, brokenAgent)), HookSet{})

	_, err := o.Dispatch(context.Background(), 100, nil, "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent exploded")
}

func TestCloseRejectsNewDispatches(t *testing.T) {
	o, _ := newTestOrchestrator(t, testConfig(writeAgent(t, echoAgent)), HookSet{})

	o.Close()
	o.Close()

	_, err := o.Dispatch(context.Background(), 100, nil, "hi")
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestBeforeHookRewritesMessage(t *testing.T) {
	before := hooks.NewChain(
		func(_ context.Context, _ int64, m *Message) (*Message, error) {
			return &Message{Text: strings.ToUpper(m.Text)}, nil
		},
	)
	o, _ := newTestOrchestrator(t, testConfig(writeAgent(t, echoAgent)), HookSet{Before: before})

	res, err := o.Dispatch(context.Background(), 100, nil, "hello")
	require.NoError(t, err)
	assert.Equal(t, "echo: HELLO", res.Output)
}

func TestBeforeHookDenyPreventsSpawn(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "spawned")
	body := fmt.Sprintf("touch %s\nread -r line || true\necho '{\"type\":\"result\",\"result\":\"ok\"}'\n", marker)
	before := hooks.NewChain(
		func(_ context.Context, _ int64, m *Message) (*Message, error) {
			return nil, fmt.Errorf("user blocked: %w", hooks.ErrDenied)
		},
	)
	o, _ := newTestOrchestrator(t, testConfig(writeAgent(t, body)), HookSet{Before: before})

	_, err := o.Dispatch(context.Background(), 100, nil, "hi")
	assert.ErrorIs(t, err, hooks.ErrDenied)
	assert.NoFileExists(t, marker)
	assert.False(t, o.Busy(100))
}

func TestAfterHookRewritesResult(t *testing.T) {
	after := hooks.NewChain(
		func(_ context.Context, _ int64, r *Result) (*Result, error) {
			redacted := *r
			redacted.Output = "[redacted]"
			return &redacted, nil
		},
	)
	o, store := newTestOrchestrator(t, testConfig(writeAgent(t, echoAgent)), HookSet{After: after})

	res, err := o.Dispatch(context.Background(), 100, nil, "secret")
	require.NoError(t, err)
	assert.Equal(t, "[redacted]", res.Output)

	// Session persistence happens before after-hooks and is unaffected.
	id, ok := store.Get(100)
	assert.True(t, ok)
	assert.Equal(t, "sess-echo", id)
}

func TestAfterHookSuppressesReply(t *testing.T) {
	after := hooks.NewChain(
		func(_ context.Context, _ int64, r *Result) (*Result, error) {
			return nil, fmt.Errorf("reply withheld: %w", hooks.ErrDenied)
		},
	)
	o, _ := newTestOrchestrator(t, testConfig(writeAgent(t, echoAgent)), HookSet{After: after})

	res, err := o.Dispatch(context.Background(), 100, nil, "hi")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, hooks.ErrDenied)
}
