package reconcile

import (
	"sync"
	"time"
)

// DefaultSuppressionWindow is how long a self-write shields matching inbound
// notifications.
const DefaultSuppressionWindow = 60 * time.Second

// DefaultEchoTolerance is how close a reported percentage must be to a
// recent self-write to count as its echo. Larger jumps inside the window
// are genuine user activity and must be honored.
const DefaultEchoTolerance = 0.01

type suppressKey struct {
	service string
	bookID  string
}

type writeRecord struct {
	at  time.Time
	pct float64
}

// Suppressor is the short-lived memory of self-caused writes. Every external
// change listener consults it before treating an inbound notification as
// real, breaking the feedback loop of the engine's own updates. Entries are
// not persisted across restarts.
type Suppressor struct {
	mu        sync.Mutex
	entries   map[suppressKey]writeRecord
	window    time.Duration
	tolerance float64
	now       func() time.Time
}

// NewSuppressor creates a tracker with the given expiry window and echo
// tolerance; zero values use the defaults.
func NewSuppressor(window time.Duration, tolerance float64) *Suppressor {
	if window <= 0 {
		window = DefaultSuppressionWindow
	}
	if tolerance <= 0 {
		tolerance = DefaultEchoTolerance
	}
	return &Suppressor{
		entries:   make(map[suppressKey]writeRecord),
		window:    window,
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Record stores a timestamped self-write. Called immediately after every
// successful outbound update.
func (s *Suppressor) Record(service, bookID string, pct float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[suppressKey{service, bookID}] = writeRecord{at: s.now(), pct: pct}
	s.prune()
}

// IsOwnWrite reports whether an inbound notification carrying pct is the
// echo of a recent self-write: an entry exists within the window AND the
// reported value is within tolerance of what was written.
func (s *Suppressor) IsOwnWrite(service, bookID string, pct float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.entries[suppressKey{service, bookID}]
	if !ok {
		return false
	}
	if s.now().Sub(rec.at) > s.window {
		delete(s.entries, suppressKey{service, bookID})
		return false
	}
	diff := pct - rec.pct
	if diff < 0 {
		diff = -diff
	}
	return diff <= s.tolerance
}

// IsRecentWrite reports whether any self-write for (service, bookID) is
// still inside the window, regardless of value. Listeners whose events carry
// no position use this instead of IsOwnWrite.
func (s *Suppressor) IsRecentWrite(service, bookID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.entries[suppressKey{service, bookID}]
	if !ok {
		return false
	}
	if s.now().Sub(rec.at) > s.window {
		delete(s.entries, suppressKey{service, bookID})
		return false
	}
	return true
}

// prune drops expired entries. Caller holds the lock.
func (s *Suppressor) prune() {
	cutoff := s.now().Add(-s.window)
	for k, rec := range s.entries {
		if rec.at.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}
