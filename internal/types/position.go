package types

import "time"

// Locator is a bag of format-specific references to one position in a book.
// Percentage is always present; the remaining fields are populated per format.
type Locator struct {
	Percentage float64 `json:"percentage"`
	TimeOffset float64 `json:"time_offset,omitempty"` // seconds into the audio timeline
	XPath      string  `json:"xpath,omitempty"`
	CFI        string  `json:"cfi,omitempty"`
	Href       string  `json:"href,omitempty"`
	FragmentID string  `json:"fragment_id,omitempty"` // DOM id within Href's document
}

// ServiceState is the per-cycle snapshot of a service's opinion about a book.
// Produced fresh each cycle and never persisted as a struct; only the resulting
// percentage and raw locator fields survive as a PositionRecord.
type ServiceState struct {
	Service        string
	Locator        Locator // raw reported locator bag; Percentage as reported
	PrevPercentage float64
	Delta          float64
	Threshold      float64
	Finished       bool

	// VerifiedPercentage is the percentage derived from a structural locator
	// that resolved against the canonical timeline. Set only when Verified.
	VerifiedPercentage float64
	Verified           bool
}

// Normalized returns the comparable position for this state: the verified
// locator-derived percentage when available and preferLocator holds,
// otherwise the raw reported percentage.
func (s *ServiceState) Normalized(preferLocator bool) float64 {
	if preferLocator && s.Verified {
		return s.VerifiedPercentage
	}
	return s.Locator.Percentage
}

// PositionRecord is the persisted position of one service for one book.
// Invariant: at most one record per (BookID, Service); Percentage in [0,1].
type PositionRecord struct {
	BookID     string    `json:"book_id"`
	Service    string    `json:"service"`
	Percentage float64   `json:"percentage"`
	RawLocator Locator   `json:"raw_locator"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// UpdateResult is what a sync client reports back after an outbound write.
type UpdateResult struct {
	Percentage float64
	Locator    Locator
	Success    bool
}

// ClampPercentage forces p into [0,1].
func ClampPercentage(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
