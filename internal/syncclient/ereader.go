package syncclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bookmarkd/bookmarkd/internal/locator"
	"github.com/bookmarkd/bookmarkd/internal/types"
)

// EreaderName is the registry name of the e-reader sync-protocol adapter.
const EreaderName = "ereader"

// EreaderOptions configures the e-reader adapter.
type EreaderOptions struct {
	BaseURL   string
	Username  string
	AuthKey   string
	Device    string
	Threshold float64
	Timeout   time.Duration
}

// Ereader adapts the device sync protocol: progress is an XPath into the
// book's XHTML plus a percentage, keyed by a document digest.
type Ereader struct {
	opts EreaderOptions
	deps Deps
	http *httpDoer
}

var _ Client = (*Ereader)(nil)

// NewEreader creates the adapter.
func NewEreader(opts EreaderOptions, deps Deps) *Ereader {
	if opts.Device == "" {
		opts.Device = "bookmarkd"
	}
	return &Ereader{
		opts: opts,
		deps: deps,
		http: newHTTPDoer(opts.BaseURL, opts.Timeout, map[string]string{
			"x-auth-user": opts.Username,
			"x-auth-key":  opts.AuthKey,
		}),
	}
}

func (c *Ereader) Name() string       { return EreaderName }
func (c *Ereader) IsConfigured() bool { return c.opts.BaseURL != "" && c.opts.Username != "" }
func (c *Ereader) CanBeLeader() bool  { return true }
func (c *Ereader) SupportedMediaTypes() []types.MediaType {
	return []types.MediaType{types.MediaEbook}
}

type ereaderProgress struct {
	Document   string  `json:"document"`
	Progress   string  `json:"progress"`
	Percentage float64 `json:"percentage"`
	Device     string  `json:"device"`
	Timestamp  int64   `json:"timestamp,omitempty"`
}

func (c *Ereader) GetServiceState(ctx context.Context, book *types.Book, prev *types.PositionRecord) (*types.ServiceState, error) {
	if book.EbookDocumentID == "" {
		return nil, ErrAbsent
	}
	var p ereaderProgress
	if err := c.http.doJSON(ctx, "GET", "/syncs/progress/"+url.PathEscape(book.EbookDocumentID), nil, &p); err != nil {
		return nil, err
	}
	if p.Document == "" && p.Progress == "" {
		return nil, ErrAbsent
	}

	loc := types.Locator{Percentage: types.ClampPercentage(p.Percentage)}
	if strings.HasPrefix(p.Progress, "/body/") {
		loc.XPath = p.Progress
	}

	state := &types.ServiceState{
		Service:   c.Name(),
		Locator:   loc,
		Threshold: c.opts.Threshold,
	}
	if prev != nil {
		state.PrevPercentage = prev.Percentage
	}

	// A resolvable structural locator yields a percentage more precise than
	// the device's raw one; the engine decides which to trust.
	if model, err := c.deps.Cache.Get(book.PackagePath); err == nil && loc.XPath != "" {
		if off, err := c.deps.Translator.ResolveStructural(model, loc); err == nil {
			state.VerifiedPercentage = model.PercentageForOffset(off)
			state.Verified = true
		}
	}
	state.Delta = state.Normalized(true) - state.PrevPercentage
	return state, nil
}

func (c *Ereader) GetTextFromCurrentState(ctx context.Context, book *types.Book, state *types.ServiceState) (string, error) {
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

func (c *Ereader) UpdateProgress(ctx context.Context, book *types.Book, text string, hintPct, prevPct float64) (types.UpdateResult, error) {
	if book.EbookDocumentID == "" {
		return types.UpdateResult{}, ErrAbsent
	}

	pos, err := c.position(book, text, hintPct)
	if err != nil {
		return types.UpdateResult{Success: false}, err
	}

	body := ereaderProgress{
		Document:   book.EbookDocumentID,
		Progress:   pos.XPath,
		Percentage: pos.Percentage,
		Device:     c.opts.Device,
	}
	if err := c.http.doJSON(ctx, "PUT", "/syncs/progress", body, nil); err != nil {
		return types.UpdateResult{Success: false}, err
	}
	return types.UpdateResult{
		Percentage: pos.Percentage,
		Locator:    pos.Locator(),
		Success:    true,
	}, nil
}

// position anchors the canonical text, falling back to percentage, and
// guarantees a well-formed XPath: a malformed one is regenerated from the
// percentage once before giving up.
func (c *Ereader) position(book *types.Book, text string, hintPct float64) (*locator.Position, error) {
	model, err := c.deps.Cache.Get(book.PackagePath)
	if err != nil {
		return nil, fmt.Errorf("no package for %s: %w", book.ID, err)
	}

	pos, err := c.deps.Translator.Anchor(model, text, hintPct)
	if err != nil {
		if !errors.Is(err, locator.ErrUnresolved) && !errors.Is(err, locator.ErrAmbiguous) {
			return nil, err
		}
		pos, err = c.deps.Translator.GenerateForPercentage(model, hintPct)
		if err != nil {
			return nil, err
		}
	}

	if locator.ValidateXPath(pos.XPath) != nil {
		pos, err = c.deps.Translator.GenerateForPercentage(model, hintPct)
		if err != nil {
			return nil, err
		}
		if err := locator.ValidateXPath(pos.XPath); err != nil {
			return nil, err
		}
	}
	return pos, nil
}
