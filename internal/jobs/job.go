// Package jobs runs per-book background work: building audio timelines,
// priming content models, and the retry bookkeeping around both.
package jobs

import (
	"context"
	"log/slog"

	"github.com/bookmarkd/bookmarkd/internal/content"
	"github.com/bookmarkd/bookmarkd/internal/locator"
	"github.com/bookmarkd/bookmarkd/internal/store"
	"github.com/bookmarkd/bookmarkd/internal/types"
)

// Job is the unit of background work for one book.
//
// Execute must be idempotent: jobs are re-run after restarts and failures,
// so implementations check existing state before redoing work.
type Job interface {
	// Type returns the job type identifier used in logs.
	Type() string

	// Execute runs the job for one book. It should respect context
	// cancellation.
	Execute(ctx context.Context, book *types.Book) error
}

// Dependencies provides shared resources for job execution.
type Dependencies struct {
	Store     store.Store
	Cache     *content.Cache
	Timelines *locator.Timelines
	Logger    *slog.Logger
}

// BuildTimelineJob prepares a book for reconciliation: parse and cache the
// EPUB package, and if a transcript exists, build the time-to-text timeline.
// On success the book is ready to go active.
type BuildTimelineJob struct {
	deps Dependencies
}

// NewBuildTimelineJob creates the setup job.
func NewBuildTimelineJob(deps Dependencies) *BuildTimelineJob {
	return &BuildTimelineJob{deps: deps}
}

func (j *BuildTimelineJob) Type() string { return "build_timeline" }

func (j *BuildTimelineJob) Execute(ctx context.Context, book *types.Book) error {
	if book.PackagePath != "" {
		if _, err := j.deps.Cache.Get(book.PackagePath); err != nil {
			return err
		}
	}
	if book.TranscriptPath != "" {
		if _, ok := j.deps.Timelines.Get(book.ID); !ok {
			tl, err := locator.LoadTimeline(book.TranscriptPath)
			if err != nil {
				return err
			}
			j.deps.Timelines.Set(book.ID, tl)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}
