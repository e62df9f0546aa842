package syncclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bookmarkd/bookmarkd/internal/content"
	"github.com/bookmarkd/bookmarkd/internal/locator"
	"github.com/bookmarkd/bookmarkd/internal/syncclient"
	"github.com/bookmarkd/bookmarkd/internal/testutil"
	"github.com/bookmarkd/bookmarkd/internal/types"
)

// transcript: "Alpha bravo charlie delta. Echo foxtrot golf hotel." (51 chars),
// two cues covering 0-8s with the break at offset 27 / t=4s.
func fixtureDeps(t *testing.T) (syncclient.Deps, *types.Book) {
	t.Helper()
	pkg := testutil.WriteEPUB(t, "Adapter", []testutil.Chapter{
		{Href: "ch1.xhtml", Body: `<p>First paragraph text here.</p><div id="sec2"><p>Inside the anchored section.</p><p>Second anchored paragraph.</p></div>`},
		{Href: "ch2.xhtml", Body: `<p>Closing chapter words.</p><p>More closing words.</p>`},
	})
	tl, err := locator.BuildTimeline(strings.NewReader(
		`{"start":0,"end":4,"text":"Alpha bravo charlie delta."}` + "\n" +
			`{"start":4,"end":8,"text":"Echo foxtrot golf hotel."}` + "\n"))
	if err != nil {
		t.Fatal(err)
	}

	deps := syncclient.Deps{
		Cache:      content.NewCache(4),
		Translator: locator.New(locator.Config{}),
		Timelines:  locator.NewTimelines(),
	}
	book := &types.Book{
		ID:              "bk1",
		Title:           "Adapter Fixture",
		AudioItemID:     "item-1",
		EbookDocumentID: "doc-digest-1",
		PackagePath:     pkg,
		Status:          types.StatusActive,
	}
	deps.Timelines.Set(book.ID, tl)
	return deps, book
}

func fixtureModel(t *testing.T, deps syncclient.Deps, book *types.Book) *content.Model {
	t.Helper()
	m, err := deps.Cache.Get(book.PackagePath)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// capture records the last request seen by a fake service handler.
type capture struct {
	method string
	path   string
	header http.Header
	body   map[string]any
}

func (c *capture) record(r *http.Request) {
	c.method = r.Method
	c.path = r.URL.Path
	c.header = r.Header.Clone()
	c.body = nil
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&c.body)
	}
}

func TestRegistryDropsUnconfigured(t *testing.T) {
	deps, _ := fixtureDeps(t)

	audio := syncclient.NewAudioServer(syncclient.AudioServerOptions{BaseURL: "http://a", APIKey: "k"}, deps)
	reader := syncclient.NewEreader(syncclient.EreaderOptions{BaseURL: "http://e", Username: "u"}, deps)
	tracker := syncclient.NewTracker(syncclient.TrackerOptions{}) // no base URL or token

	r := syncclient.NewRegistry(audio, reader, tracker)
	if len(r.All()) != 2 {
		t.Fatalf("registry kept %d clients", len(r.All()))
	}
	if r.All()[0].Name() != syncclient.AudioServerName || r.All()[1].Name() != syncclient.EreaderName {
		t.Errorf("order = %s, %s", r.All()[0].Name(), r.All()[1].Name())
	}
	if _, ok := r.Get(syncclient.TrackerName); ok {
		t.Error("unconfigured tracker retrievable")
	}
	if r.Priority(syncclient.AudioServerName) != 0 || r.Priority(syncclient.EreaderName) != 1 {
		t.Error("priority order wrong")
	}
	if r.Priority("unknown") != 2 {
		t.Errorf("unknown priority = %d", r.Priority("unknown"))
	}
}

func TestAudioServerGetServiceState(t *testing.T) {
	deps, book := fixtureDeps(t)
	var got capture
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.record(r)
		json.NewEncoder(w).Encode(map[string]any{
			"progress":    0.5,
			"currentTime": 4.0,
			"duration":    8.0,
			"isFinished":  false,
		})
	}))
	defer srv.Close()

	c := syncclient.NewAudioServer(syncclient.AudioServerOptions{BaseURL: srv.URL, APIKey: "tok"}, deps)
	prev := &types.PositionRecord{BookID: book.ID, Service: c.Name(), Percentage: 0.4}
	state, err := c.GetServiceState(context.Background(), book, prev)
	if err != nil {
		t.Fatal(err)
	}

	if got.path != "/api/items/item-1/progress" {
		t.Errorf("path = %s", got.path)
	}
	if got.header.Get("Authorization") != "Bearer tok" {
		t.Errorf("auth header = %q", got.header.Get("Authorization"))
	}
	if state.Locator.Percentage != 0.5 || state.Locator.TimeOffset != 4 {
		t.Errorf("locator = %+v", state.Locator)
	}
	if !state.Verified {
		t.Fatal("timeline-backed state not verified")
	}
	if want := 27.0 / 51; math.Abs(state.VerifiedPercentage-want) > 1e-6 {
		t.Errorf("VerifiedPercentage = %f, want %f", state.VerifiedPercentage, want)
	}
	if state.PrevPercentage != 0.4 {
		t.Errorf("PrevPercentage = %f", state.PrevPercentage)
	}
	if math.Abs(state.Delta-(state.VerifiedPercentage-0.4)) > 1e-9 {
		t.Errorf("Delta = %f", state.Delta)
	}
}

func TestAudioServerAbsent(t *testing.T) {
	deps, book := fixtureDeps(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := syncclient.NewAudioServer(syncclient.AudioServerOptions{BaseURL: srv.URL, APIKey: "tok"}, deps)
	if _, err := c.GetServiceState(context.Background(), book, nil); !errors.Is(err, syncclient.ErrAbsent) {
		t.Errorf("404 = %v, want ErrAbsent", err)
	}

	unlinked := *book
	unlinked.AudioItemID = ""
	if _, err := c.GetServiceState(context.Background(), &unlinked, nil); !errors.Is(err, syncclient.ErrAbsent) {
		t.Errorf("unlinked = %v, want ErrAbsent", err)
	}
}

func TestAudioServerUpdateProgressAnchorsText(t *testing.T) {
	deps, book := fixtureDeps(t)
	var patch capture
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			patch.record(r)
			w.WriteHeader(http.StatusOK)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"progress": 0.1, "currentTime": 1.0, "duration": 8.0})
	}))
	defer srv.Close()

	c := syncclient.NewAudioServer(syncclient.AudioServerOptions{BaseURL: srv.URL, APIKey: "tok"}, deps)
	res, err := c.UpdateProgress(context.Background(), book, "Echo foxtrot", 0.5, 0.1)
	if err != nil || !res.Success {
		t.Fatalf("UpdateProgress = %+v, %v", res, err)
	}

	// "Echo foxtrot" starts the second cue: 4 seconds in.
	if sec, ok := patch.body["currentTime"].(float64); !ok || math.Abs(sec-4) > 1e-6 {
		t.Errorf("currentTime = %v", patch.body["currentTime"])
	}
	if pct, ok := patch.body["progress"].(float64); !ok || math.Abs(pct-27.0/51) > 1e-6 {
		t.Errorf("progress = %v", patch.body["progress"])
	}
	if math.Abs(res.Locator.TimeOffset-4) > 1e-6 {
		t.Errorf("result TimeOffset = %f", res.Locator.TimeOffset)
	}
}

func TestAudioServerUpdateProgressPercentageOnly(t *testing.T) {
	deps, book := fixtureDeps(t)
	var patch capture
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			patch.record(r)
			w.WriteHeader(http.StatusOK)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"duration": 8.0})
	}))
	defer srv.Close()

	c := syncclient.NewAudioServer(syncclient.AudioServerOptions{BaseURL: srv.URL, APIKey: "tok"}, deps)
	res, err := c.UpdateProgress(context.Background(), book, "", 0.5, 0.1)
	if err != nil || !res.Success {
		t.Fatalf("UpdateProgress = %+v, %v", res, err)
	}

	tl, _ := deps.Timelines.Get(book.ID)
	want := tl.TimeForPercentage(0.5)
	if sec := patch.body["currentTime"].(float64); math.Abs(sec-want) > 1e-6 {
		t.Errorf("currentTime = %f, want %f", sec, want)
	}
}

func TestAudioServerUpdateProgressFailedAnchorUsesTimeline(t *testing.T) {
	deps, book := fixtureDeps(t)
	var patch capture
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			patch.record(r)
			w.WriteHeader(http.StatusOK)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"duration": 8.0})
	}))
	defer srv.Close()

	c := syncclient.NewAudioServer(syncclient.AudioServerOptions{BaseURL: srv.URL, APIKey: "tok"}, deps)
	res, err := c.UpdateProgress(context.Background(), book, "zzzz qqqq wwww", 0.5, 0.1)
	if err != nil || !res.Success {
		t.Fatalf("UpdateProgress = %+v, %v", res, err)
	}

	// Text that anchors nowhere still maps through the timeline, not the
	// linear duration estimate.
	tl, _ := deps.Timelines.Get(book.ID)
	want := tl.TimeForPercentage(0.5)
	if math.Abs(want-0.5*8.0) < 1e-3 {
		t.Fatal("fixture cannot distinguish timeline mapping from linear estimate")
	}
	if sec := patch.body["currentTime"].(float64); math.Abs(sec-want) > 1e-6 {
		t.Errorf("currentTime = %f, want %f", sec, want)
	}
}

func TestAudioServerGetText(t *testing.T) {
	deps, book := fixtureDeps(t)
	c := syncclient.NewAudioServer(syncclient.AudioServerOptions{BaseURL: "http://unused", APIKey: "tok"}, deps)

	state := &types.ServiceState{Locator: types.Locator{Percentage: 0.5, TimeOffset: 4}}
	text, err := c.GetTextFromCurrentState(context.Background(), book, state)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "Echo") {
		t.Errorf("window = %q", text)
	}

	deps.Timelines.Delete(book.ID)
	if _, err := c.GetTextFromCurrentState(context.Background(), book, state); !errors.Is(err, syncclient.ErrAbsent) {
		t.Errorf("no timeline = %v, want ErrAbsent", err)
	}
}

func TestEreaderGetServiceStateVerifiesXPath(t *testing.T) {
	deps, book := fixtureDeps(t)
	m := fixtureModel(t, deps, book)

	off := strings.Index(m.Text, "Second anchored")
	pos, err := deps.Translator.Generate(m, off)
	if err != nil {
		t.Fatal(err)
	}

	var got capture
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.record(r)
		json.NewEncoder(w).Encode(map[string]any{
			"document":   book.EbookDocumentID,
			"progress":   pos.XPath,
			"percentage": 0.9, // deliberately coarse raw value
			"device":     "kobo",
		})
	}))
	defer srv.Close()

	c := syncclient.NewEreader(syncclient.EreaderOptions{BaseURL: srv.URL, Username: "alice", AuthKey: "k"}, deps)
	state, err := c.GetServiceState(context.Background(), book, nil)
	if err != nil {
		t.Fatal(err)
	}

	if got.path != "/syncs/progress/doc-digest-1" {
		t.Errorf("path = %s", got.path)
	}
	if got.header.Get("x-auth-user") != "alice" || got.header.Get("x-auth-key") != "k" {
		t.Error("auth headers not sent")
	}
	if state.Locator.XPath != pos.XPath || state.Locator.Percentage != 0.9 {
		t.Errorf("locator = %+v", state.Locator)
	}
	if !state.Verified {
		t.Fatal("resolvable XPath not verified")
	}
	if want := m.PercentageForOffset(off); math.Abs(state.VerifiedPercentage-want) > 1e-9 {
		t.Errorf("VerifiedPercentage = %f, want %f", state.VerifiedPercentage, want)
	}
	if state.Normalized(true) != state.VerifiedPercentage {
		t.Error("Normalized(preferLocator) ignored verified percentage")
	}
	if state.Normalized(false) != 0.9 {
		t.Error("Normalized(raw) ignored reported percentage")
	}
}

func TestEreaderGetServiceStateAbsent(t *testing.T) {
	deps, book := fixtureDeps(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	c := syncclient.NewEreader(syncclient.EreaderOptions{BaseURL: srv.URL, Username: "alice", AuthKey: "k"}, deps)
	if _, err := c.GetServiceState(context.Background(), book, nil); !errors.Is(err, syncclient.ErrAbsent) {
		t.Errorf("empty response = %v, want ErrAbsent", err)
	}
}

func TestEreaderUpdateProgress(t *testing.T) {
	deps, book := fixtureDeps(t)
	m := fixtureModel(t, deps, book)

	var put capture
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		put.record(r)
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	c := syncclient.NewEreader(syncclient.EreaderOptions{BaseURL: srv.URL, Username: "alice", AuthKey: "k"}, deps)
	res, err := c.UpdateProgress(context.Background(), book, "Second anchored paragraph.", 0.6, 0.2)
	if err != nil || !res.Success {
		t.Fatalf("UpdateProgress = %+v, %v", res, err)
	}

	if put.method != http.MethodPut || put.path != "/syncs/progress" {
		t.Errorf("request = %s %s", put.method, put.path)
	}
	if put.body["document"] != book.EbookDocumentID {
		t.Errorf("document = %v", put.body["document"])
	}
	if put.body["device"] != "bookmarkd" {
		t.Errorf("device = %v", put.body["device"])
	}
	xpath, _ := put.body["progress"].(string)
	if err := locator.ValidateXPath(xpath); err != nil {
		t.Errorf("pushed xpath %q invalid: %v", xpath, err)
	}
	want := m.PercentageForOffset(strings.Index(m.Text, "Second anchored"))
	if pct := put.body["percentage"].(float64); math.Abs(pct-want) > 1e-9 {
		t.Errorf("percentage = %f, want %f", pct, want)
	}
	if res.Locator.XPath != xpath {
		t.Error("result locator does not match pushed body")
	}
}

func TestEreaderUpdateProgressFallsBackToPercentage(t *testing.T) {
	deps, book := fixtureDeps(t)

	var put capture
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		put.record(r)
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	// Unanchorable text degrades to a percentage-generated position.
	c := syncclient.NewEreader(syncclient.EreaderOptions{BaseURL: srv.URL, Username: "alice", AuthKey: "k"}, deps)
	res, err := c.UpdateProgress(context.Background(), book, "qqq www zzz xxx yyy vvv", 0.5, 0.2)
	if err != nil || !res.Success {
		t.Fatalf("UpdateProgress = %+v, %v", res, err)
	}
	xpath, _ := put.body["progress"].(string)
	if err := locator.ValidateXPath(xpath); err != nil {
		t.Errorf("fallback xpath %q invalid: %v", xpath, err)
	}
	if pct := put.body["percentage"].(float64); math.Abs(pct-0.5) > 0.05 {
		t.Errorf("fallback percentage = %f, want near 0.5", pct)
	}
}

func TestReadiumRoundTrip(t *testing.T) {
	deps, book := fixtureDeps(t)
	m := fixtureModel(t, deps, book)

	off := strings.Index(m.Text, "Inside the")
	pos, err := deps.Translator.Generate(m, off)
	if err != nil {
		t.Fatal(err)
	}

	var last capture
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		last.record(r)
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode(map[string]any{
				"href":        pos.Href,
				"cfi":         pos.CFI,
				"progression": 0.25,
			})
			return
		}
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	c := syncclient.NewReadium(syncclient.ReadiumOptions{BaseURL: srv.URL, APIKey: "k"}, deps)
	state, err := c.GetServiceState(context.Background(), book, nil)
	if err != nil {
		t.Fatal(err)
	}
	if last.path != "/api/v1/locations/bk1" {
		t.Errorf("path = %s", last.path)
	}
	if !state.Verified {
		t.Fatal("resolvable CFI not verified")
	}
	if want := m.PercentageForOffset(off); math.Abs(state.VerifiedPercentage-want) > 1e-9 {
		t.Errorf("VerifiedPercentage = %f, want %f", state.VerifiedPercentage, want)
	}

	res, err := c.UpdateProgress(context.Background(), book, "Second anchored paragraph.", 0.6, 0.25)
	if err != nil || !res.Success {
		t.Fatalf("UpdateProgress = %+v, %v", res, err)
	}
	if last.method != http.MethodPut {
		t.Errorf("update method = %s", last.method)
	}
	if sel, _ := last.body["cssSelector"].(string); sel != "#sec2" {
		t.Errorf("cssSelector = %q", sel)
	}
	if href, _ := last.body["href"].(string); href == "" {
		t.Error("href missing from update")
	}
}

func TestTrackerIsFollowerOnly(t *testing.T) {
	c := syncclient.NewTracker(syncclient.TrackerOptions{BaseURL: "http://t", Token: "k"})
	if c.CanBeLeader() {
		t.Fatal("tracker must never lead")
	}
	if _, err := c.GetTextFromCurrentState(context.Background(), &types.Book{}, nil); !errors.Is(err, syncclient.ErrAbsent) {
		t.Errorf("GetText = %v, want ErrAbsent", err)
	}
}

func TestTrackerUpdateAndStatus(t *testing.T) {
	var last capture
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		last.record(r)
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	c := syncclient.NewTracker(syncclient.TrackerOptions{BaseURL: srv.URL, Token: "k"})
	book := &types.Book{ID: "bk1"}

	res, err := c.UpdateProgress(context.Background(), book, "ignored text", 0.75, 0.5)
	if err != nil || !res.Success || res.Percentage != 0.75 {
		t.Fatalf("UpdateProgress = %+v, %v", res, err)
	}
	if last.path != "/api/v1/books/bk1/progress" || last.body["percentage"].(float64) != 0.75 {
		t.Errorf("progress request = %s %v", last.path, last.body)
	}

	if err := c.NotifyStatus(context.Background(), book, syncclient.EventFinished); err != nil {
		t.Fatal(err)
	}
	if last.path != "/api/v1/books/bk1/status" || last.body["event"] != "finished" {
		t.Errorf("status request = %s %v", last.path, last.body)
	}
}

func TestTransientServerErrorsAreRetried(t *testing.T) {
	deps, book := fixtureDeps(t)
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "busy", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"progress": 0.2, "duration": 8.0})
	}))
	defer srv.Close()

	c := syncclient.NewAudioServer(syncclient.AudioServerOptions{BaseURL: srv.URL, APIKey: "tok"}, deps)
	if _, err := c.GetServiceState(context.Background(), book, nil); err != nil {
		t.Fatalf("retried request failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	deps, book := fixtureDeps(t)
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := syncclient.NewAudioServer(syncclient.AudioServerOptions{BaseURL: srv.URL, APIKey: "tok"}, deps)
	if _, err := c.GetServiceState(context.Background(), book, nil); err == nil {
		t.Fatal("400 did not surface")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
