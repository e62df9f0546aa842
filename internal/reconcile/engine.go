// Package reconcile implements the per-book reconciliation cycle: leader
// selection among divergent progress replicas, cross-format normalization,
// and threshold-gated propagation to followers.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bookmarkd/bookmarkd/internal/store"
	"github.com/bookmarkd/bookmarkd/internal/syncclient"
	"github.com/bookmarkd/bookmarkd/internal/types"
)

// PositionPreference selects which percentage to trust when a client's
// locator-derived value and raw value disagree.
type PositionPreference string

const (
	// PreferLocator trusts a verified structural locator over the raw
	// percentage. This is the default: raw percentages from lossy formats
	// can be stale relative to a precise locator.
	PreferLocator PositionPreference = "locator"
	// PreferRaw trusts the raw reported percentage.
	PreferRaw PositionPreference = "raw"
)

// Config configures an Engine.
type Config struct {
	Store      store.Store
	Clients    *syncclient.Registry
	Suppressor *Suppressor
	Logger     *slog.Logger

	// SpreadThreshold is the minimum spread between the highest and lowest
	// significant positions for a cycle to produce writes.
	SpreadThreshold float64

	// Preference resolves locator-vs-raw disagreements (default PreferLocator).
	Preference PositionPreference

	// AuthoritativeClient owns the canonical timeline; when it reports
	// absent the whole cycle aborts. Default: the audio server.
	AuthoritativeClient string

	// CallTimeout bounds every external-service call (default 15s).
	CallTimeout time.Duration

	// FinishedAt is the percentage at which a book counts as finished for
	// status side-effects (default 0.99).
	FinishedAt float64
}

// Engine runs the reconciliation state machine. Reconciliation for a given
// book never runs concurrently with itself: overlapping triggers serialize
// on a per-book guard.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	bookLocks  map[string]*sync.Mutex
	prevLeader map[string]string // bookID -> client name of last cycle's leader
}

// New creates an Engine, filling config defaults.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("reconcile: store is required")
	}
	if cfg.Clients == nil {
		return nil, fmt.Errorf("reconcile: client registry is required")
	}
	if cfg.Suppressor == nil {
		cfg.Suppressor = NewSuppressor(0, 0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Preference == "" {
		cfg.Preference = PreferLocator
	}
	if cfg.AuthoritativeClient == "" {
		cfg.AuthoritativeClient = syncclient.AudioServerName
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.FinishedAt <= 0 {
		cfg.FinishedAt = 0.99
	}
	return &Engine{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "reconcile"),
		bookLocks:  make(map[string]*sync.Mutex),
		prevLeader: make(map[string]string),
	}, nil
}

// Suppressor exposes the write-suppression tracker for change listeners.
func (e *Engine) Suppressor() *Suppressor {
	return e.cfg.Suppressor
}

// gathered is one client's contribution to a cycle.
type gathered struct {
	client     syncclient.Client
	state      *types.ServiceState
	prev       *types.PositionRecord
	normalized float64
	delta      float64
}

// Reconcile runs one cycle for a book. A second call for the same book
// blocks until the first finishes; cycles are never interleaved.
func (e *Engine) Reconcile(ctx context.Context, bookID string) error {
	lock := e.lockFor(bookID)
	lock.Lock()
	defer lock.Unlock()

	book, err := e.cfg.Store.GetBook(bookID)
	if err != nil {
		return fmt.Errorf("loading book %s: %w", bookID, err)
	}
	if book.Status != types.StatusActive {
		e.logger.Debug("skipping inactive book", "book_id", bookID, "status", book.Status)
		return nil
	}

	logger := e.logger.With("book_id", bookID)

	// Gather: every configured, media-eligible client; absent excluded.
	states := e.gather(ctx, book, logger)
	if len(states) == 0 {
		logger.Debug("no client reported state")
		return nil
	}
	if !e.hasAuthoritative(states) {
		logger.Debug("media-authoritative client absent, aborting cycle",
			"authoritative", e.cfg.AuthoritativeClient)
		return nil
	}

	// Normalize and gate on per-client significance.
	preferLocator := e.cfg.Preference == PreferLocator
	var significant []*gathered
	for _, g := range states {
		g.normalized = types.ClampPercentage(g.state.Normalized(preferLocator))
		prevPct := 0.0
		if g.prev != nil {
			prevPct = g.prev.Percentage
		}
		g.delta = g.normalized - prevPct
		if abs(g.delta) >= g.state.Threshold {
			significant = append(significant, g)
		}
	}
	if len(significant) == 0 {
		logger.Debug("no significant deltas, cycle is a no-op")
		return nil
	}

	// Cross-client gate: when every reporting client already agrees within
	// the spread threshold, the deltas are format noise, not reading.
	if spread(states) < e.cfg.SpreadThreshold && len(states) > 1 {
		logger.Debug("spread below between-clients threshold, suppressing oscillation",
			"spread", spread(states), "threshold", e.cfg.SpreadThreshold)
		return nil
	}

	leader := e.selectLeader(bookID, significant)
	if leader == nil {
		logger.Debug("no leader-capable client among significant deltas")
		return nil
	}
	e.setPrevLeader(bookID, leader.client.Name())
	logger.Info("leader selected",
		"leader", leader.client.Name(), "position", leader.normalized, "delta", leader.delta)

	// Canonicalize: the leader's text anchor, or raw percentage fallback.
	text := e.canonicalText(ctx, book, leader, logger)

	// Propagate to every reporting non-leader; failures are isolated.
	for _, g := range states {
		if g.client.Name() == leader.client.Name() {
			continue
		}
		e.propagate(ctx, book, g, leader, text, logger)
	}

	// Persist the leader's own resulting state.
	e.persist(book, leader.client.Name(), leader.normalized, leader.state.Locator, logger)
	return nil
}

func (e *Engine) gather(ctx context.Context, book *types.Book, logger *slog.Logger) []*gathered {
	var out []*gathered
	for _, c := range e.cfg.Clients.All() {
		if !mediaEligible(c, book) {
			continue
		}
		prev, err := e.cfg.Store.GetPositionRecord(book.ID, c.Name())
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Warn("loading position record", "client", c.Name(), "error", err)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		state, err := c.GetServiceState(callCtx, book, prev)
		cancel()
		if errors.Is(err, syncclient.ErrAbsent) {
			continue
		}
		if err != nil {
			// ClientUnavailable: excluded from this cycle only.
			logger.Warn("client unavailable", "client", c.Name(), "error", err)
			continue
		}
		out = append(out, &gathered{client: c, state: state, prev: prev})
	}
	return out
}

func (e *Engine) hasAuthoritative(states []*gathered) bool {
	if _, configured := e.cfg.Clients.Get(e.cfg.AuthoritativeClient); !configured {
		// No authoritative client configured at all: reconcile what we have.
		return true
	}
	for _, g := range states {
		if g.client.Name() == e.cfg.AuthoritativeClient {
			return true
		}
	}
	return false
}

// selectLeader picks the leader-capable client with the greatest normalized
// position. Ties prefer last cycle's leader, then configured priority order,
// so repeated runs always select the same leader.
func (e *Engine) selectLeader(bookID string, significant []*gathered) *gathered {
	prev := e.getPrevLeader(bookID)
	var best *gathered
	for _, g := range significant {
		if !g.client.CanBeLeader() {
			continue
		}
		if best == nil || g.normalized > best.normalized {
			best = g
			continue
		}
		if g.normalized == best.normalized {
			if g.client.Name() == prev && best.client.Name() != prev {
				best = g
			} else if best.client.Name() != prev &&
				e.cfg.Clients.Priority(g.client.Name()) < e.cfg.Clients.Priority(best.client.Name()) {
				best = g
			}
		}
	}
	return best
}

func (e *Engine) canonicalText(ctx context.Context, book *types.Book, leader *gathered, logger *slog.Logger) string {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	text, err := leader.client.GetTextFromCurrentState(callCtx, book, leader.state)
	if err != nil {
		if !errors.Is(err, syncclient.ErrAbsent) {
			logger.Warn("leader text anchor unavailable, using percentage only",
				"leader", leader.client.Name(), "error", err)
		}
		return ""
	}
	return text
}

func (e *Engine) propagate(ctx context.Context, book *types.Book, g *gathered, leader *gathered, text string, logger *slog.Logger) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	prevPct := 0.0
	if g.prev != nil {
		prevPct = g.prev.Percentage
	}

	result, err := g.client.UpdateProgress(callCtx, book, text, leader.normalized, prevPct)
	if err != nil || !result.Success {
		// UpdateRejected: surfaced, position record left unchanged.
		logger.Warn("follower update failed", "client", g.client.Name(), "error", err)
		return
	}

	e.cfg.Suppressor.Record(g.client.Name(), book.ID, result.Percentage)
	e.persist(book, g.client.Name(), result.Percentage, result.Locator, logger)
	e.notifyStatus(callCtx, book, g, leader, prevPct, logger)
}

// notifyStatus fires coarse status transitions on followers that support
// them, gated by the same significance rules as the update itself.
func (e *Engine) notifyStatus(ctx context.Context, book *types.Book, g *gathered, leader *gathered, prevPct float64, logger *slog.Logger) {
	notifier, ok := g.client.(syncclient.StatusNotifier)
	if !ok {
		return
	}
	var event syncclient.StatusEvent
	switch {
	case leader.normalized >= e.cfg.FinishedAt || leader.state.Finished:
		event = syncclient.EventFinished
	case prevPct == 0 && leader.normalized > 0:
		event = syncclient.EventReadingStarted
	default:
		return
	}
	if err := notifier.NotifyStatus(ctx, book, event); err != nil {
		logger.Warn("status notification failed",
			"client", g.client.Name(), "event", event, "error", err)
	}
}

func (e *Engine) persist(book *types.Book, service string, pct float64, loc types.Locator, logger *slog.Logger) {
	rec := &types.PositionRecord{
		BookID:     book.ID,
		Service:    service,
		Percentage: types.ClampPercentage(pct),
		RawLocator: loc,
	}
	if err := e.cfg.Store.SavePositionRecord(rec); err != nil {
		logger.Error("persisting position record", "client", service, "error", err)
	}
}

func (e *Engine) lockFor(bookID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.bookLocks[bookID]
	if !ok {
		l = &sync.Mutex{}
		e.bookLocks[bookID] = l
	}
	return l
}

func (e *Engine) getPrevLeader(bookID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prevLeader[bookID]
}

func (e *Engine) setPrevLeader(bookID, name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prevLeader[bookID] = name
}

func mediaEligible(c syncclient.Client, book *types.Book) bool {
	for _, mt := range c.SupportedMediaTypes() {
		if book.HasMedia(mt) {
			return true
		}
	}
	return false
}

func spread(gs []*gathered) float64 {
	if len(gs) == 0 {
		return 0
	}
	min, max := gs[0].normalized, gs[0].normalized
	for _, g := range gs[1:] {
		if g.normalized < min {
			min = g.normalized
		}
		if g.normalized > max {
			max = g.normalized
		}
	}
	return max - min
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
