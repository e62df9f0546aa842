package trigger

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bookmarkd/bookmarkd/internal/reconcile"
	"github.com/bookmarkd/bookmarkd/internal/store"
	"github.com/bookmarkd/bookmarkd/internal/syncclient"
	"github.com/bookmarkd/bookmarkd/internal/types"
)

type countingReconciler struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCountingReconciler() *countingReconciler {
	return &countingReconciler{calls: make(map[string]int)}
}

func (r *countingReconciler) Reconcile(ctx context.Context, bookID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[bookID]++
	return nil
}

func (r *countingReconciler) count(bookID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[bookID]
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDebouncer_CoalescesBurst(t *testing.T) {
	rec := newCountingReconciler()
	d := NewDebouncer(rec, 30*time.Millisecond, discard())
	defer d.Close()

	for i := 0; i < 10; i++ {
		d.Notify("bk1")
	}

	deadline := time.Now().Add(time.Second)
	for rec.count("bk1") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// settle long enough for any spurious second fire
	time.Sleep(60 * time.Millisecond)
	if got := rec.count("bk1"); got != 1 {
		t.Fatalf("burst fired %d cycles, want 1", got)
	}
}

func TestDebouncer_PerBookKeying(t *testing.T) {
	rec := newCountingReconciler()
	d := NewDebouncer(rec, 20*time.Millisecond, discard())
	defer d.Close()

	d.Notify("bk1")
	d.Notify("bk2")

	deadline := time.Now().Add(time.Second)
	for (rec.count("bk1") == 0 || rec.count("bk2") == 0) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.count("bk1") != 1 || rec.count("bk2") != 1 {
		t.Fatalf("per-book fires = %d/%d, want 1/1", rec.count("bk1"), rec.count("bk2"))
	}
}

func TestDebouncer_Flush(t *testing.T) {
	rec := newCountingReconciler()
	d := NewDebouncer(rec, time.Hour, discard())
	defer d.Close()

	d.Notify("bk1")
	d.Flush("bk1")

	deadline := time.Now().Add(time.Second)
	for rec.count("bk1") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := rec.count("bk1"); got != 1 {
		t.Fatalf("flush fired %d cycles, want 1", got)
	}
}

func TestDebouncer_NotifyAfterCloseIsNoOp(t *testing.T) {
	rec := newCountingReconciler()
	d := NewDebouncer(rec, 5*time.Millisecond, discard())
	d.Close()

	d.Notify("bk1")
	time.Sleep(30 * time.Millisecond)
	if got := rec.count("bk1"); got != 0 {
		t.Fatalf("closed debouncer fired %d cycles", got)
	}
}

// fakeClient reports a settable live percentage for polling tests.
type fakeClient struct {
	name string
	pct  float64
}

func (f *fakeClient) Name() string       { return f.name }
func (f *fakeClient) IsConfigured() bool { return true }
func (f *fakeClient) CanBeLeader() bool  { return true }

func (f *fakeClient) SupportedMediaTypes() []types.MediaType {
	return []types.MediaType{types.MediaAudiobook}
}

func (f *fakeClient) GetServiceState(ctx context.Context, book *types.Book, prev *types.PositionRecord) (*types.ServiceState, error) {
	return &types.ServiceState{
		Service: f.name,
		Locator: types.Locator{Percentage: f.pct},
	}, nil
}

func (f *fakeClient) GetTextFromCurrentState(ctx context.Context, book *types.Book, state *types.ServiceState) (string, error) {
	return "", syncclient.ErrAbsent
}

func (f *fakeClient) UpdateProgress(ctx context.Context, book *types.Book, text string, hintPct, prevPct float64) (types.UpdateResult, error) {
	return types.UpdateResult{}, nil
}

func triggerStore(t *testing.T, books ...*types.Book) store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	for _, b := range books {
		if err := s.SaveBook(b); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func waitForCount(t *testing.T, rec *countingReconciler, bookID string, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for rec.count(bookID) < want && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := rec.count(bookID); got != want {
		t.Fatalf("fired %d cycles for %s, want %d", got, bookID, want)
	}
}

func TestPoller_SweepFiltersNoiseAndEchoes(t *testing.T) {
	s := triggerStore(t, &types.Book{
		ID:          "bk1",
		Title:       "Test",
		AudioItemID: "a1",
		Status:      types.StatusActive,
	})
	if err := s.SavePositionRecord(&types.PositionRecord{
		BookID:     "bk1",
		Service:    "fake",
		Percentage: 0.30,
		RawLocator: types.Locator{Percentage: 0.30},
	}); err != nil {
		t.Fatal(err)
	}

	rec := newCountingReconciler()
	d := NewDebouncer(rec, 10*time.Millisecond, discard())
	defer d.Close()

	c := &fakeClient{name: "fake", pct: 0.30}
	sup := reconcile.NewSuppressor(0, 0)
	p := NewPoller(PollerConfig{
		Store:      s,
		Clients:    syncclient.NewRegistry(c),
		Suppressor: sup,
		Debouncer:  d,
		Logger:     discard(),
	})
	ctx := context.Background()

	// Sub-epsilon drift is remote timestamp churn, not movement.
	c.pct = 0.3005
	p.sweep(ctx, c)
	time.Sleep(60 * time.Millisecond)
	if got := rec.count("bk1"); got != 0 {
		t.Fatalf("sub-epsilon drift fired %d cycles", got)
	}

	// A position matching a fresh self-write is the poller seeing its own
	// update land.
	sup.Record("fake", "bk1", 0.35)
	c.pct = 0.35
	p.sweep(ctx, c)
	time.Sleep(60 * time.Millisecond)
	if got := rec.count("bk1"); got != 0 {
		t.Fatalf("self-write echo fired %d cycles", got)
	}

	// A large jump inside the window is genuine listening and must fire.
	c.pct = 0.55
	p.sweep(ctx, c)
	waitForCount(t, rec, "bk1", 1)
}

func TestPushListener_HandleSuppressesOwnWrites(t *testing.T) {
	s := triggerStore(t,
		&types.Book{ID: "bk1", Title: "One", AudioItemID: "item-1", Status: types.StatusActive},
		&types.Book{ID: "bk2", Title: "Two", AudioItemID: "item-2", Status: types.StatusActive},
	)

	rec := newCountingReconciler()
	d := NewDebouncer(rec, 10*time.Millisecond, discard())
	defer d.Close()

	sup := reconcile.NewSuppressor(0, 0)
	l := NewPushListener(PushConfig{
		Store:      s,
		Suppressor: sup,
		Debouncer:  d,
		Logger:     discard(),
	})

	// The engine just pushed progress for bk1; the resulting session event
	// must not re-trigger a cycle.
	sup.Record(syncclient.AudioServerName, "bk1", 0.40)
	l.handle(playbackEvent{Event: "item_progress_updated", ItemID: "item-1"})
	time.Sleep(60 * time.Millisecond)
	if got := rec.count("bk1"); got != 0 {
		t.Fatalf("event after own write fired %d cycles", got)
	}

	// An event for a book with no recent self-write fires normally.
	l.handle(playbackEvent{Event: "playback_session_closed", ItemID: "item-2"})
	waitForCount(t, rec, "bk2", 1)
}

func TestWsEndpoint(t *testing.T) {
	got, err := wsEndpoint("https://audio.example.com/", "tok")
	if err != nil {
		t.Fatal(err)
	}
	want := "wss://audio.example.com/api/events?token=tok"
	if got != want {
		t.Fatalf("wsEndpoint = %q, want %q", got, want)
	}

	got, err = wsEndpoint("http://localhost:13378", "")
	if err != nil {
		t.Fatal(err)
	}
	if got != "ws://localhost:13378/api/events" {
		t.Fatalf("wsEndpoint = %q", got)
	}
}
