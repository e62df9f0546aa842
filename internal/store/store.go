// Package store is the persistence boundary consumed by the reconciliation
// core: a record store with a fixed query surface over books, position
// records, and job bookkeeping.
package store

import (
	"errors"

	"github.com/bookmarkd/bookmarkd/internal/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the fixed query surface the core consumes. The SQLite
// implementation in this package is the production store; tests substitute
// in-memory databases through the same interface.
type Store interface {
	GetBook(id string) (*types.Book, error)
	SaveBook(b *types.Book) error
	ListBooks() ([]types.Book, error)
	GetBooksByStatus(status types.BookStatus) ([]types.Book, error)

	GetPositionRecord(bookID, service string) (*types.PositionRecord, error)
	SavePositionRecord(r *types.PositionRecord) error

	GetJob(bookID string) (*types.Job, error)
	SaveJob(j *types.Job) error

	// RecoverInterrupted resets books left in processing by a previous run to
	// failed_retry_later, preserving retry counts. Returns how many were reset.
	RecoverInterrupted() (int, error)

	Close() error
}
