package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/bookmarkd/bookmarkd/internal/store"
	"github.com/bookmarkd/bookmarkd/internal/types"
)

const (
	defaultScanInterval = time.Minute
	defaultRetryDelay   = 15 * time.Minute
)

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Store  store.Store
	Runner *Runner
	Logger *slog.Logger

	// ScanInterval is how often the store is scanned for eligible books
	// (default 1m).
	ScanInterval time.Duration

	// RetryDelay is the minimum wait between attempts for a failed book
	// (default 15m).
	RetryDelay time.Duration
}

// Scheduler periodically scans for pending and retry-eligible books and
// feeds them to the Runner, oldest attempt first.
type Scheduler struct {
	cfg    SchedulerConfig
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a Scheduler, filling config defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = defaultScanInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	return &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "scheduler"),
	}
}

// Recover resets books a previous run left mid-processing, then runs an
// immediate scan. Call once at startup before Start.
func (s *Scheduler) Recover(ctx context.Context) error {
	n, err := s.cfg.Store.RecoverInterrupted()
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("recovered interrupted books", "count", n)
	}
	s.scan(ctx)
	return nil
}

// Start launches the scan loop. Non-blocking.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.scan(ctx)
			}
		}
	}()
}

// Stop cancels the scan loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// scan finds eligible books and submits them oldest-attempt-first, so a
// repeatedly failing book cannot crowd out the rest.
func (s *Scheduler) scan(ctx context.Context) {
	type candidate struct {
		bookID  string
		attempt time.Time
	}
	var candidates []candidate

	for _, status := range []types.BookStatus{types.StatusPending, types.StatusFailedRetryLater} {
		books, err := s.cfg.Store.GetBooksByStatus(status)
		if err != nil {
			s.logger.Error("scanning books", "status", status, "error", err)
			return
		}
		for i := range books {
			job, err := s.cfg.Store.GetJob(books[i].ID)
			if errors.Is(err, store.ErrNotFound) {
				job = &types.Job{BookID: books[i].ID}
			} else if err != nil {
				s.logger.Error("loading job record", "book_id", books[i].ID, "error", err)
				continue
			}
			if !job.Eligible(time.Now(), s.cfg.RetryDelay) {
				continue
			}
			candidates = append(candidates, candidate{bookID: books[i].ID, attempt: job.LastAttempt})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].attempt.Before(candidates[j].attempt)
	})
	for _, c := range candidates {
		if ctx.Err() != nil {
			return
		}
		if err := s.cfg.Runner.Submit(c.bookID); err != nil {
			s.logger.Warn("submit failed", "book_id", c.bookID, "error", err)
			return
		}
	}
}
