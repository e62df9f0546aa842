// Package syncclient defines the per-external-service adapter capability and
// its concrete implementations. Each adapter exposes normalized state and
// accepts canonical-text-based updates, so no service ever needs to
// understand another's addressing scheme.
package syncclient

import (
	"context"
	"errors"

	"github.com/bookmarkd/bookmarkd/internal/content"
	"github.com/bookmarkd/bookmarkd/internal/locator"
	"github.com/bookmarkd/bookmarkd/internal/types"
)

// ErrAbsent means the service has no opinion about this book. Not an error
// condition: the client is simply excluded from the cycle.
var ErrAbsent = errors.New("syncclient: absent")

// Client is the capability set implemented once per external service.
// The reconciliation engine holds these as interface values only.
type Client interface {
	Name() string
	IsConfigured() bool

	// CanBeLeader is false for services that only consume progress and never
	// originate it; they are always followers regardless of apparent delta.
	CanBeLeader() bool

	SupportedMediaTypes() []types.MediaType

	// GetServiceState fetches live progress. Returns ErrAbsent when the
	// service knows nothing about the book.
	GetServiceState(ctx context.Context, book *types.Book, prev *types.PositionRecord) (*types.ServiceState, error)

	// GetTextFromCurrentState resolves the client's native locator back to a
	// canonical text window, falling back to percentage when the native
	// locator is stale or malformed. ErrAbsent when no text source exists.
	GetTextFromCurrentState(ctx context.Context, book *types.Book, state *types.ServiceState) (string, error)

	// UpdateProgress anchors the canonical text in this client's own package
	// copy, re-encodes it in the native wire format, and pushes it.
	UpdateProgress(ctx context.Context, book *types.Book, text string, hintPct, prevPct float64) (types.UpdateResult, error)
}

// StatusEvent is a coarse reading-status signal derived from percentage.
type StatusEvent string

const (
	EventReadingStarted StatusEvent = "reading_started"
	EventFinished       StatusEvent = "finished"
)

// StatusNotifier is implemented by followers that can propagate coarse status
// transitions (started, finished) alongside percentage updates.
type StatusNotifier interface {
	NotifyStatus(ctx context.Context, book *types.Book, event StatusEvent) error
}

// Deps bundles the translation machinery every adapter shares.
type Deps struct {
	Cache      *content.Cache
	Translator *locator.Translator
	Timelines  *locator.Timelines
}

// Registry holds configured clients in their configured priority order.
// The order is the deterministic leader tie-break of last resort.
type Registry struct {
	ordered []Client
	byName  map[string]Client
}

// NewRegistry creates a registry from clients in priority order. Clients
// reporting IsConfigured() == false are dropped.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{byName: make(map[string]Client)}
	for _, c := range clients {
		if !c.IsConfigured() {
			continue
		}
		r.ordered = append(r.ordered, c)
		r.byName[c.Name()] = c
	}
	return r
}

// All returns the configured clients in priority order.
func (r *Registry) All() []Client {
	return r.ordered
}

// Get returns a client by name.
func (r *Registry) Get(name string) (Client, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// Priority returns the position of a client name in the configured order,
// or len(clients) when unknown.
func (r *Registry) Priority(name string) int {
	for i, c := range r.ordered {
		if c.Name() == name {
			return i
		}
	}
	return len(r.ordered)
}
