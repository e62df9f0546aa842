package syncclient

import (
	"context"
	"net/url"
	"time"

	"github.com/bookmarkd/bookmarkd/internal/types"
)

// TrackerName is the registry name of the metadata tracker adapter.
const TrackerName = "tracker"

// TrackerOptions configures the tracker adapter.
type TrackerOptions struct {
	BaseURL   string
	Token     string
	Threshold float64
	Timeout   time.Duration
}

// Tracker adapts a metadata tracker that records reading progress as a bare
// percentage. It only consumes progress, never originates it, so it is
// always a follower.
type Tracker struct {
	opts TrackerOptions
	http *httpDoer
}

var (
	_ Client         = (*Tracker)(nil)
	_ StatusNotifier = (*Tracker)(nil)
)

// NewTracker creates the adapter.
func NewTracker(opts TrackerOptions) *Tracker {
	return &Tracker{
		opts: opts,
		http: newHTTPDoer(opts.BaseURL, opts.Timeout, map[string]string{
			"Authorization": "Bearer " + opts.Token,
		}),
	}
}

func (c *Tracker) Name() string       { return TrackerName }
func (c *Tracker) IsConfigured() bool { return c.opts.BaseURL != "" && c.opts.Token != "" }
func (c *Tracker) CanBeLeader() bool  { return false }
func (c *Tracker) SupportedMediaTypes() []types.MediaType {
	return []types.MediaType{types.MediaAudiobook, types.MediaEbook}
}

type trackerProgress struct {
	Percentage float64 `json:"percentage"`
	Status     string  `json:"status,omitempty"`
}

func (c *Tracker) GetServiceState(ctx context.Context, book *types.Book, prev *types.PositionRecord) (*types.ServiceState, error) {
	var p trackerProgress
	if err := c.http.doJSON(ctx, "GET", "/api/v1/books/"+url.PathEscape(book.ID)+"/progress", nil, &p); err != nil {
		return nil, err
	}

	state := &types.ServiceState{
		Service:   c.Name(),
		Locator:   types.Locator{Percentage: types.ClampPercentage(p.Percentage)},
		Threshold: c.opts.Threshold,
		Finished:  p.Status == "finished",
	}
	if prev != nil {
		state.PrevPercentage = prev.Percentage
	}
	state.Delta = state.Locator.Percentage - state.PrevPercentage
	return state, nil
}

func (c *Tracker) GetTextFromCurrentState(ctx context.Context, book *types.Book, state *types.ServiceState) (string, error) {
	// Percentage-only format: there is no native locator to resolve.
	return "", ErrAbsent
}

func (c *Tracker) UpdateProgress(ctx context.Context, book *types.Book, text string, hintPct, prevPct float64) (types.UpdateResult, error) {
	pct := types.ClampPercentage(hintPct)
	body := trackerProgress{Percentage: pct}
	if err := c.http.doJSON(ctx, "POST", "/api/v1/books/"+url.PathEscape(book.ID)+"/progress", body, nil); err != nil {
		return types.UpdateResult{Success: false}, err
	}
	return types.UpdateResult{
		Percentage: pct,
		Locator:    types.Locator{Percentage: pct},
		Success:    true,
	}, nil
}

// NotifyStatus propagates coarse reading-status transitions.
func (c *Tracker) NotifyStatus(ctx context.Context, book *types.Book, event StatusEvent) error {
	body := map[string]string{"event": string(event)}
	return c.http.doJSON(ctx, "POST", "/api/v1/books/"+url.PathEscape(book.ID)+"/status", body, nil)
}
