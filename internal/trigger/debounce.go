// Package trigger feeds the reconciliation engine: a debouncer coalescing
// bursts of change notifications, interval pollers for services without push,
// and a websocket listener for services that stream playback events.
package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultDebounceWindow is how long a book's trigger is held open for
// follow-up notifications before a cycle fires.
const DefaultDebounceWindow = 30 * time.Second

// Reconciler is the downstream consumer of debounced triggers.
type Reconciler interface {
	Reconcile(ctx context.Context, bookID string) error
}

// Debouncer coalesces change notifications per book: the first notification
// arms a timer, further ones within the window are folded into the same
// pending cycle. Keyed by book ID so a busy book never starves a quiet one.
type Debouncer struct {
	window time.Duration
	engine Reconciler
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDebouncer creates a Debouncer. A zero window uses the default.
func NewDebouncer(engine Reconciler, window time.Duration, logger *slog.Logger) *Debouncer {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Debouncer{
		window:  window,
		engine:  engine,
		logger:  logger.With("component", "debouncer"),
		pending: make(map[string]*time.Timer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Notify registers a change for a book. Safe for concurrent use.
func (d *Debouncer) Notify(bookID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx.Err() != nil {
		return
	}
	if t, ok := d.pending[bookID]; ok {
		t.Reset(d.window)
		return
	}
	d.pending[bookID] = time.AfterFunc(d.window, func() { d.fire(bookID) })
}

// Flush fires any pending trigger for a book immediately. Used by tests and
// by shutdown paths that want the last burst reconciled.
func (d *Debouncer) Flush(bookID string) {
	d.mu.Lock()
	t, ok := d.pending[bookID]
	d.mu.Unlock()
	if ok && t.Stop() {
		d.fire(bookID)
	}
}

func (d *Debouncer) fire(bookID string) {
	d.mu.Lock()
	delete(d.pending, bookID)
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.engine.Reconcile(d.ctx, bookID); err != nil {
			d.logger.Error("reconcile failed", "book_id", bookID, "error", err)
		}
	}()
}

// Close stops all pending timers and waits for in-flight cycles.
func (d *Debouncer) Close() {
	d.mu.Lock()
	for id, t := range d.pending {
		t.Stop()
		delete(d.pending, id)
	}
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}
