// Package types provides shared types used across multiple packages.
// This package has no dependencies on other bookmarkd packages to avoid import cycles.
package types

import "time"

// BookStatus is the lifecycle state of a tracked book.
// Status is the single user-visible signal for "is something wrong" with a book;
// individual cycle-level client failures never escalate here.
type BookStatus string

const (
	// StatusActive means the book is fully set up and participating in reconciliation.
	StatusActive BookStatus = "active"
	// StatusPending means the book is linked but its timeline has not been built yet.
	StatusPending BookStatus = "pending"
	// StatusProcessing means a background job is currently working on the book.
	StatusProcessing BookStatus = "processing"
	// StatusFailedRetryLater means the last background job failed and will be retried.
	StatusFailedRetryLater BookStatus = "failed_retry_later"
	// StatusFailedPermanent means the retry budget is exhausted; no automatic retries.
	StatusFailedPermanent BookStatus = "failed_permanent"
	// StatusError marks an unexpected condition requiring operator attention.
	StatusError BookStatus = "error"
)

// ParseBookStatus converts a string to a BookStatus.
// Returns StatusError if the string is not recognized.
func ParseBookStatus(s string) BookStatus {
	switch BookStatus(s) {
	case StatusActive, StatusPending, StatusProcessing,
		StatusFailedRetryLater, StatusFailedPermanent, StatusError:
		return BookStatus(s)
	default:
		return StatusError
	}
}

// Retryable reports whether a book in this status is eligible for another
// background job attempt.
func (s BookStatus) Retryable() bool {
	return s == StatusPending || s == StatusFailedRetryLater
}

// MediaType classifies what kind of media a sync client can handle.
type MediaType string

const (
	MediaAudiobook MediaType = "audiobook"
	MediaEbook     MediaType = "ebook"
)

// Book is a tracked reading item linking identities across external services.
// Created when a user links two external identities together; soft-disabled via
// Status, never physically deleted while linked identities exist elsewhere.
type Book struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	AudioItemID     string     `json:"audio_item_id"`     // identity on the audiobook server
	EbookDocumentID string     `json:"ebook_document_id"` // identity in the sync protocol (document digest)
	PackagePath     string     `json:"package_path"`      // local EPUB package
	TranscriptPath  string     `json:"transcript_path"`   // time-aligned transcript, if any
	Status          BookStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// HasMedia reports whether the book carries content for the given media type.
func (b *Book) HasMedia(mt MediaType) bool {
	switch mt {
	case MediaAudiobook:
		return b.AudioItemID != ""
	case MediaEbook:
		return b.PackagePath != ""
	}
	return false
}
