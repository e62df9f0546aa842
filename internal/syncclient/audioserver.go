package syncclient

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/bookmarkd/bookmarkd/internal/types"
)

// AudioServerName is the registry name of the audiobook server adapter.
const AudioServerName = "audioserver"

// AudioServerOptions configures the audiobook server adapter.
type AudioServerOptions struct {
	BaseURL   string
	APIKey    string
	Threshold float64
	Timeout   time.Duration
}

// AudioServer adapts the audiobook server: the media-authoritative client
// owning the canonical timeline. Positions are seconds into the audio
// stream; the transcript timeline converts them to and from text
// percentages.
type AudioServer struct {
	opts AudioServerOptions
	deps Deps
	http *httpDoer
}

var _ Client = (*AudioServer)(nil)

// NewAudioServer creates the adapter.
func NewAudioServer(opts AudioServerOptions, deps Deps) *AudioServer {
	return &AudioServer{
		opts: opts,
		deps: deps,
		http: newHTTPDoer(opts.BaseURL, opts.Timeout, map[string]string{
			"Authorization": "Bearer " + opts.APIKey,
		}),
	}
}

func (c *AudioServer) Name() string        { return AudioServerName }
func (c *AudioServer) IsConfigured() bool  { return c.opts.BaseURL != "" && c.opts.APIKey != "" }
func (c *AudioServer) CanBeLeader() bool   { return true }
func (c *AudioServer) SupportedMediaTypes() []types.MediaType {
	return []types.MediaType{types.MediaAudiobook}
}

type audioProgress struct {
	Progress    float64 `json:"progress"`
	CurrentTime float64 `json:"currentTime"`
	Duration    float64 `json:"duration"`
	IsFinished  bool    `json:"isFinished"`
}

func (c *AudioServer) GetServiceState(ctx context.Context, book *types.Book, prev *types.PositionRecord) (*types.ServiceState, error) {
	if book.AudioItemID == "" {
		return nil, ErrAbsent
	}
	var p audioProgress
	if err := c.http.doJSON(ctx, "GET", "/api/items/"+url.PathEscape(book.AudioItemID)+"/progress", nil, &p); err != nil {
		return nil, err
	}

	state := &types.ServiceState{
		Service: c.Name(),
		Locator: types.Locator{
			Percentage: types.ClampPercentage(p.Progress),
			TimeOffset: p.CurrentTime,
		},
		Threshold: c.opts.Threshold,
		Finished:  p.IsFinished,
	}
	// The timeline-derived percentage is more precise than the server's raw
	// ratio; the engine decides which to trust.
	if tl, ok := c.deps.Timelines.Get(book.ID); ok && p.CurrentTime > 0 {
		state.VerifiedPercentage = types.ClampPercentage(tl.PercentageForTime(p.CurrentTime))
		state.Verified = true
	}
	if prev != nil {
		state.PrevPercentage = prev.Percentage
	}
	state.Delta = state.Normalized(true) - state.PrevPercentage
	return state, nil
}

func (c *AudioServer) GetTextFromCurrentState(ctx context.Context, book *types.Book, state *types.ServiceState) (string, error) {
	tl, ok := c.deps.Timelines.Get(book.ID)
	if !ok {
		return "", ErrAbsent
	}
	pct := state.Locator.Percentage
	if state.Locator.TimeOffset > 0 {
		pct = tl.PercentageForTime(state.Locator.TimeOffset)
	}
	window := tl.Window(pct, 800)
	if window == "" {
		return "", ErrAbsent
	}
	return window, nil
}

func (c *AudioServer) UpdateProgress(ctx context.Context, book *types.Book, text string, hintPct, prevPct float64) (types.UpdateResult, error) {
	if book.AudioItemID == "" {
		return types.UpdateResult{}, ErrAbsent
	}

	var cur audioProgress
	if err := c.http.doJSON(ctx, "GET", "/api/items/"+url.PathEscape(book.AudioItemID)+"/progress", nil, &cur); err != nil {
		return types.UpdateResult{}, fmt.Errorf("fetching duration: %w", err)
	}

	pct := types.ClampPercentage(hintPct)
	seconds := pct * cur.Duration
	if tl, ok := c.deps.Timelines.Get(book.ID); ok {
		anchored := false
		if text != "" {
			if t, err := tl.AnchorTime(text, hintPct, c.deps.Translator.FuzzyCutoff()); err == nil {
				seconds = t
				pct = types.ClampPercentage(tl.PercentageForTime(t))
				anchored = true
			}
		}
		if !anchored {
			// A failed anchor still gets the timeline's nonlinear mapping,
			// not the linear duration estimate.
			seconds = tl.TimeForPercentage(pct)
		}
	}

	body := map[string]any{
		"currentTime": seconds,
		"progress":    pct,
	}
	if err := c.http.doJSON(ctx, "PATCH", "/api/items/"+url.PathEscape(book.AudioItemID)+"/progress", body, nil); err != nil {
		return types.UpdateResult{Success: false}, err
	}
	return types.UpdateResult{
		Percentage: pct,
		Locator:    types.Locator{Percentage: pct, TimeOffset: seconds},
		Success:    true,
	}, nil
}
