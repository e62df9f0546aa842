package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bookmarkd/bookmarkd/internal/store"
	"github.com/bookmarkd/bookmarkd/internal/types"
)

// ErrQueueFull is returned when the runner's queue cannot accept more work.
var ErrQueueFull = fmt.Errorf("jobs: queue full")

const defaultQueueSize = 64

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Store  store.Store
	Job    Job
	Logger *slog.Logger

	// MaxRetries is how many failed attempts a book gets before it is
	// parked as failed_permanent (default 5).
	MaxRetries int

	// QueueSize bounds pending submissions (default 64).
	QueueSize int
}

// Runner executes the setup job one book at a time, driving the book's
// status through processing and back. A book already queued or running is
// never enqueued twice.
type Runner struct {
	cfg    RunnerConfig
	logger *slog.Logger

	queue chan string

	mu       sync.Mutex
	inFlight map[string]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a Runner, filling config defaults.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("jobs: store is required")
	}
	if cfg.Job == nil {
		return nil, fmt.Errorf("jobs: job is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Runner{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "jobs"),
		queue:    make(chan string, cfg.QueueSize),
		inFlight: make(map[string]struct{}),
	}, nil
}

// Start launches the processing loop. Non-blocking.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		r.loop(ctx)
	}()
}

// Stop cancels the loop and waits for the in-flight job to finish.
func (r *Runner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

// Submit queues a book for processing. Duplicate submissions while the book
// is queued or running are absorbed silently.
func (r *Runner) Submit(bookID string) error {
	r.mu.Lock()
	if _, ok := r.inFlight[bookID]; ok {
		r.mu.Unlock()
		return nil
	}
	r.inFlight[bookID] = struct{}{}
	r.mu.Unlock()

	select {
	case r.queue <- bookID:
		return nil
	default:
		r.mu.Lock()
		delete(r.inFlight, bookID)
		r.mu.Unlock()
		return ErrQueueFull
	}
}

func (r *Runner) loop(ctx context.Context) {
	r.logger.Info("job runner started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job runner stopping")
			return
		case bookID := <-r.queue:
			r.process(ctx, bookID)
			r.mu.Lock()
			delete(r.inFlight, bookID)
			r.mu.Unlock()
		}
	}
}

func (r *Runner) process(ctx context.Context, bookID string) {
	logger := r.logger.With("book_id", bookID, "job", r.cfg.Job.Type())

	book, err := r.cfg.Store.GetBook(bookID)
	if err != nil {
		logger.Error("loading book", "error", err)
		return
	}
	if !book.Status.Retryable() {
		logger.Debug("book not eligible", "status", book.Status)
		return
	}

	if err := r.setStatus(book, types.StatusProcessing); err != nil {
		logger.Error("marking book processing", "error", err)
		return
	}

	start := time.Now()
	execErr := r.cfg.Job.Execute(ctx, book)
	if execErr == nil {
		if err := r.recordSuccess(book); err != nil {
			logger.Error("recording success", "error", err)
			return
		}
		logger.Info("job completed", "duration", time.Since(start).Round(time.Millisecond))
		return
	}

	if ctx.Err() != nil {
		// Shutdown mid-job: leave the book in processing; startup recovery
		// resets it to failed_retry_later.
		logger.Warn("job interrupted by shutdown")
		return
	}
	if err := r.recordFailure(book, execErr); err != nil {
		logger.Error("recording failure", "error", err)
	}
}

func (r *Runner) setStatus(book *types.Book, status types.BookStatus) error {
	book.Status = status
	return r.cfg.Store.SaveBook(book)
}

func (r *Runner) recordSuccess(book *types.Book) error {
	if err := r.cfg.Store.SaveJob(&types.Job{
		BookID:      book.ID,
		LastAttempt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	return r.setStatus(book, types.StatusActive)
}

func (r *Runner) recordFailure(book *types.Book, execErr error) error {
	job, err := r.cfg.Store.GetJob(book.ID)
	if errors.Is(err, store.ErrNotFound) {
		job = &types.Job{BookID: book.ID}
	} else if err != nil {
		return err
	}
	job.RetryCount++
	job.LastAttempt = time.Now().UTC()
	job.LastError = execErr.Error()
	if err := r.cfg.Store.SaveJob(job); err != nil {
		return err
	}

	status := types.StatusFailedRetryLater
	if job.RetryCount >= r.cfg.MaxRetries {
		status = types.StatusFailedPermanent
		r.logger.Error("retry budget exhausted",
			"book_id", book.ID, "attempts", job.RetryCount, "error", execErr)
	} else {
		r.logger.Warn("job failed, will retry",
			"book_id", book.ID, "attempt", job.RetryCount, "error", execErr)
	}
	return r.setStatus(book, status)
}
