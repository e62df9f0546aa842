package trigger

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/bookmarkd/bookmarkd/internal/reconcile"
	"github.com/bookmarkd/bookmarkd/internal/store"
	"github.com/bookmarkd/bookmarkd/internal/syncclient"
	"github.com/bookmarkd/bookmarkd/internal/types"
)

const (
	reconnectBase = 2 * time.Second
	reconnectMax  = 2 * time.Minute
)

// PushConfig configures a PushListener.
type PushConfig struct {
	// BaseURL is the audiobook server base URL; the websocket endpoint is
	// derived from it.
	BaseURL string
	Token   string

	Store      store.Store
	Suppressor *reconcile.Suppressor
	Debouncer  *Debouncer
	Logger     *slog.Logger
}

// PushListener consumes the audiobook server's playback event stream and
// turns session events into debounced triggers. The connection is best
// effort: the pollers still catch anything missed while disconnected.
type PushListener struct {
	cfg    PushConfig
	logger *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPushListener creates a PushListener.
func NewPushListener(cfg PushConfig) *PushListener {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PushListener{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "push"),
	}
}

// Start begins listening. Non-blocking; reconnects with capped backoff.
func (l *PushListener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(ctx)
	}()
}

// Stop closes the connection and waits for the loop to exit.
func (l *PushListener) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	l.wg.Wait()
}

func (l *PushListener) run(ctx context.Context) {
	backoff := reconnectBase
	for {
		if ctx.Err() != nil {
			return
		}
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		l.logger.Warn("event stream disconnected", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// playbackEvent is the subset of the server's session event we care about.
type playbackEvent struct {
	Event   string `json:"event"`
	ItemID  string `json:"libraryItemId"`
	Session struct {
		ItemID string `json:"libraryItemId"`
	} `json:"session"`
}

func (l *PushListener) listen(ctx context.Context) error {
	endpoint, err := wsEndpoint(l.cfg.BaseURL, l.cfg.Token)
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")
	conn.SetReadLimit(1 << 20)
	l.logger.Info("event stream connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var ev playbackEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			l.logger.Debug("unparseable event", "error", err)
			continue
		}
		l.handle(ev)
	}
}

func (l *PushListener) handle(ev playbackEvent) {
	switch ev.Event {
	case "playback_session_closed", "session_closed", "item_progress_updated":
	default:
		return
	}
	itemID := ev.ItemID
	if itemID == "" {
		itemID = ev.Session.ItemID
	}
	if itemID == "" {
		return
	}
	book, ok := l.bookForItem(itemID)
	if !ok {
		return
	}
	// Events carry no position, so a self-write can only be recognized by
	// recency. Genuine movement inside the window still surfaces on the next
	// poll.
	if l.cfg.Suppressor != nil && l.cfg.Suppressor.IsRecentWrite(syncclient.AudioServerName, book.ID) {
		l.logger.Debug("ignoring event following own write", "event", ev.Event, "book_id", book.ID)
		return
	}
	l.logger.Debug("playback event", "event", ev.Event, "book_id", book.ID)
	l.cfg.Debouncer.Notify(book.ID)
}

func (l *PushListener) bookForItem(itemID string) (*types.Book, bool) {
	books, err := l.cfg.Store.GetBooksByStatus(types.StatusActive)
	if err != nil {
		l.logger.Error("listing active books", "error", err)
		return nil, false
	}
	for i := range books {
		if books[i].AudioItemID == itemID {
			return &books[i], true
		}
	}
	return nil, false
}

// wsEndpoint derives the websocket event-stream URL from the HTTP base URL.
func wsEndpoint(base, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/api/events"
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
