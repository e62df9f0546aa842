package syncclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/bookmarkd/bookmarkd/internal/locator"
	"github.com/bookmarkd/bookmarkd/internal/types"
)

// ReadiumName is the registry name of the Readium-style adapter.
const ReadiumName = "readium"

// ReadiumOptions configures the Readium adapter.
type ReadiumOptions struct {
	BaseURL   string
	APIKey    string
	Threshold float64
	Timeout   time.Duration
}

// Readium adapts web readers that address positions as an href plus CFI or
// CSS selector, with an overall progression fraction.
type Readium struct {
	opts ReadiumOptions
	deps Deps
	http *httpDoer
}

var _ Client = (*Readium)(nil)

// NewReadium creates the adapter.
func NewReadium(opts ReadiumOptions, deps Deps) *Readium {
	return &Readium{
		opts: opts,
		deps: deps,
		http: newHTTPDoer(opts.BaseURL, opts.Timeout, map[string]string{
			"Authorization": "Bearer " + opts.APIKey,
		}),
	}
}

func (c *Readium) Name() string       { return ReadiumName }
func (c *Readium) IsConfigured() bool { return c.opts.BaseURL != "" }
func (c *Readium) CanBeLeader() bool  { return true }
func (c *Readium) SupportedMediaTypes() []types.MediaType {
	return []types.MediaType{types.MediaEbook}
}

type readiumLocation struct {
	Href        string  `json:"href"`
	CFI         string  `json:"cfi,omitempty"`
	CSSSelector string  `json:"cssSelector,omitempty"`
	Fragment    string  `json:"fragment,omitempty"`
	Progression float64 `json:"progression"`
}

func (c *Readium) GetServiceState(ctx context.Context, book *types.Book, prev *types.PositionRecord) (*types.ServiceState, error) {
	var loc readiumLocation
	if err := c.http.doJSON(ctx, "GET", "/api/v1/locations/"+url.PathEscape(book.ID), nil, &loc); err != nil {
		return nil, err
	}
	if loc.Href == "" && loc.CFI == "" && loc.Progression == 0 {
		return nil, ErrAbsent
	}

	state := &types.ServiceState{
		Service: c.Name(),
		Locator: types.Locator{
			Percentage: types.ClampPercentage(loc.Progression),
			CFI:        loc.CFI,
			Href:       loc.Href,
			FragmentID: loc.Fragment,
		},
		Threshold: c.opts.Threshold,
	}
	if prev != nil {
		state.PrevPercentage = prev.Percentage
	}

	if model, err := c.deps.Cache.Get(book.PackagePath); err == nil {
		if off, err := c.deps.Translator.ResolveStructural(model, state.Locator); err == nil {
			state.VerifiedPercentage = model.PercentageForOffset(off)
			state.Verified = true
		}
	}
	state.Delta = state.Normalized(true) - state.PrevPercentage
	return state, nil
}

func (c *Readium) GetTextFromCurrentState(ctx context.Context, book *types.Book, state *types.ServiceState) (string, error) {
	model, err := c.deps.Cache.Get(book.PackagePath)
	if err != nil {
		return "", ErrAbsent
	}
	off, err := c.deps.Translator.Resolve(model, state.Locator)
	if err != nil {
		return "", ErrAbsent
	}
	return c.deps.Translator.Window(model, off), nil
}

func (c *Readium) UpdateProgress(ctx context.Context, book *types.Book, text string, hintPct, prevPct float64) (types.UpdateResult, error) {
	model, err := c.deps.Cache.Get(book.PackagePath)
	if err != nil {
		return types.UpdateResult{Success: false}, fmt.Errorf("no package for %s: %w", book.ID, err)
	}

	pos, err := c.deps.Translator.Anchor(model, text, hintPct)
	if err != nil {
		if !errors.Is(err, locator.ErrUnresolved) && !errors.Is(err, locator.ErrAmbiguous) {
			return types.UpdateResult{Success: false}, err
		}
		pos, err = c.deps.Translator.GenerateForPercentage(model, hintPct)
		if err != nil {
			return types.UpdateResult{Success: false}, err
		}
	}

	body := readiumLocation{
		Href:        pos.Href,
		CFI:         pos.CFI,
		CSSSelector: pos.Selector,
		Fragment:    pos.FragmentID,
		Progression: pos.Percentage,
	}
	if err := c.http.doJSON(ctx, "PUT", "/api/v1/locations/"+url.PathEscape(book.ID), body, nil); err != nil {
		return types.UpdateResult{Success: false}, err
	}
	return types.UpdateResult{
		Percentage: pos.Percentage,
		Locator:    pos.Locator(),
		Success:    true,
	}, nil
}
