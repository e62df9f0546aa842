package types

import "time"

// Job is the background-task bookkeeping for one book. At most one job is in
// flight per book at any time; RetryCount resets to zero on success.
type Job struct {
	BookID      string    `json:"book_id"`
	LastAttempt time.Time `json:"last_attempt"`
	RetryCount  int       `json:"retry_count"`
	LastError   string    `json:"last_error"`
}

// Eligible reports whether the job may be attempted again at now, given the
// configured delay between retries.
func (j *Job) Eligible(now time.Time, retryDelay time.Duration) bool {
	if j.LastAttempt.IsZero() {
		return true
	}
	return now.Sub(j.LastAttempt) >= retryDelay
}
