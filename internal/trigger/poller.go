package trigger

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bookmarkd/bookmarkd/internal/reconcile"
	"github.com/bookmarkd/bookmarkd/internal/store"
	"github.com/bookmarkd/bookmarkd/internal/syncclient"
	"github.com/bookmarkd/bookmarkd/internal/types"
)

// DefaultPollInterval is used when a service has no interval configured.
const DefaultPollInterval = 5 * time.Minute

// pollEpsilon is the smallest percentage movement the poller reports.
// Anything below is timestamp churn on the remote side.
const pollEpsilon = 0.001

// PollerConfig configures a Poller.
type PollerConfig struct {
	Store      store.Store
	Clients    *syncclient.Registry
	Suppressor *reconcile.Suppressor
	Debouncer  *Debouncer
	Logger     *slog.Logger

	// Intervals maps client name to poll interval; missing entries use
	// DefaultPollInterval, a zero or negative entry disables polling for
	// that client.
	Intervals map[string]time.Duration
}

// Poller periodically compares each service's live position against the last
// persisted record and notifies the debouncer when something moved. Writes
// the engine itself made recently are recognized and skipped, so a poll
// never re-triggers the cycle that caused it.
type Poller struct {
	cfg    PollerConfig
	logger *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a Poller.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "poller"),
	}
}

// Start launches one polling loop per configured client. Non-blocking.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for _, c := range p.cfg.Clients.All() {
		interval, ok := p.cfg.Intervals[c.Name()]
		if !ok {
			interval = DefaultPollInterval
		}
		if interval <= 0 {
			p.logger.Debug("polling disabled", "client", c.Name())
			continue
		}
		p.wg.Add(1)
		go func(c syncclient.Client, interval time.Duration) {
			defer p.wg.Done()
			p.loop(ctx, c, interval)
		}(c, interval)
	}
}

// Stop cancels all polling loops and waits for them to exit.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context, c syncclient.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx, c)
		}
	}
}

// sweep checks every active book against one service.
func (p *Poller) sweep(ctx context.Context, c syncclient.Client) {
	books, err := p.cfg.Store.GetBooksByStatus(types.StatusActive)
	if err != nil {
		p.logger.Error("listing active books", "client", c.Name(), "error", err)
		return
	}
	for i := range books {
		book := &books[i]
		if !supportsBook(c, book) {
			continue
		}
		if err := p.check(ctx, c, book); err != nil {
			p.logger.Warn("poll check failed",
				"client", c.Name(), "book_id", book.ID, "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Poller) check(ctx context.Context, c syncclient.Client, book *types.Book) error {
	prev, err := p.cfg.Store.GetPositionRecord(book.ID, c.Name())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	state, err := c.GetServiceState(ctx, book, prev)
	if errors.Is(err, syncclient.ErrAbsent) {
		return nil
	}
	if err != nil {
		return err
	}

	live := state.Locator.Percentage
	prevPct := 0.0
	if prev != nil {
		prevPct = prev.Percentage
	}
	if abs(live-prevPct) < pollEpsilon {
		return nil
	}
	if p.cfg.Suppressor != nil && p.cfg.Suppressor.IsOwnWrite(c.Name(), book.ID, live) {
		p.logger.Debug("ignoring echo of own write",
			"client", c.Name(), "book_id", book.ID, "position", live)
		return nil
	}
	p.logger.Debug("position moved",
		"client", c.Name(), "book_id", book.ID, "from", prevPct, "to", live)
	p.cfg.Debouncer.Notify(book.ID)
	return nil
}

func supportsBook(c syncclient.Client, book *types.Book) bool {
	for _, mt := range c.SupportedMediaTypes() {
		if book.HasMedia(mt) {
			return true
		}
	}
	return false
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
