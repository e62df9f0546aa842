package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultAttempts = 3
)

// statusError carries an HTTP status for retry and absence decisions.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

// httpDoer is the JSON request plumbing shared by all adapters: per-call
// timeouts, bounded retries on transport errors and 5xx, no retries on 4xx.
type httpDoer struct {
	base    string
	headers map[string]string
	client  *http.Client
}

func newHTTPDoer(base string, timeout time.Duration, headers map[string]string) *httpDoer {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &httpDoer{
		base:    strings.TrimSuffix(base, "/"),
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

// doJSON performs one JSON request. A nil out discards the response body.
// 404 responses surface as ErrAbsent.
func (d *httpDoer) doJSON(ctx context.Context, method, path string, body, out any) error {
	return retry.Do(
		func() error { return d.once(ctx, method, path, body, out) },
		retry.Context(ctx),
		retry.Attempts(defaultAttempts),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var se *statusError
			if errors.As(err, &se) {
				return se.status >= 500
			}
			return !errors.Is(err, ErrAbsent)
		}),
	)
}

func (d *httpDoer) once(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrAbsent
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
