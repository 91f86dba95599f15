package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"concierge/stream"
)

// Editor is the delivery handle for status updates: typically an edit of the
// placeholder message the front end posted when the dispatch started. The
// reporter has no knowledge of the chat platform behind it.
type Editor interface {
	Edit(ctx context.Context, text string) error
}

// Reporter drives throttled status edits for one in-flight run.
//
// It issues an edit immediately at creation so the user sees feedback without
// delay, then re-renders on a fixed interval. An edit is only sent when the
// text differs from the last one sent; the delivery channel is rate-limited
// and the elapsed display only changes once per second anyway. Edit failures
// are swallowed — the status message may have been deleted, and the run's
// correctness does not depend on status delivery.
type Reporter struct {
	editor   Editor
	interval time.Duration
	start    time.Time
	log      *slog.Logger

	mu       sync.Mutex
	category Category
	lastText string

	stopOnce sync.Once
	done     chan struct{}
}

// NewReporter creates a reporter and starts its edit loop.
// The caller must Stop it when the run settles.
func NewReporter(editor Editor, interval time.Duration, log *slog.Logger) *Reporter {
	r := &Reporter{
		editor:   editor,
		interval: interval,
		start:    time.Now(),
		log:      log,
		category: Thinking,
		done:     make(chan struct{}),
	}

	// First edit before the first tick so the user sees feedback right away.
	r.edit()

	go r.loop()
	return r
}

// Observe feeds one decoded stream event into the reporter, updating the
// current category when the event classifies to one.
func (r *Reporter) Observe(ev *stream.Event) {
	category, ok := Classify(ev)
	if !ok {
		return
	}

	r.mu.Lock()
	r.category = category
	r.mu.Unlock()
}

// Category returns the current activity category.
func (r *Reporter) Category() Category {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.category
}

// Stop halts further edits. Safe to call multiple times.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

func (r *Reporter) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.edit()
		}
	}
}

// edit renders the current status and sends it if it changed.
func (r *Reporter) edit() {
	r.mu.Lock()
	text := StatusText(r.category, int(time.Since(r.start).Seconds()))
	if text == r.lastText {
		r.mu.Unlock()
		return
	}
	r.lastText = text
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()

	if err := r.editor.Edit(ctx, text); err != nil {
		// Deleted status message or a rate limit — not fatal for the run.
		r.log.Debug("status edit failed", "error", err)
	}
}
