package server

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	_ "embed"

	"github.com/go-chi/chi/v5"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/bookmarkd/bookmarkd/internal/store"
	"github.com/bookmarkd/bookmarkd/internal/types"
)

//go:embed progress_schema.json
var progressSchemaJSON []byte

var progressSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(progressSchemaJSON))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("progress.json", doc); err != nil {
		panic(err)
	}
	return c.MustCompile("progress.json")
}

// progressPayload is the sync protocol wire format.
type progressPayload struct {
	Document   string  `json:"document"`
	Progress   string  `json:"progress"`
	Percentage float64 `json:"percentage"`
	Device     string  `json:"device,omitempty"`
	DeviceID   string  `json:"device_id,omitempty"`
	Timestamp  int64   `json:"timestamp,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"state": "OK"})
}

func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"authorized": "OK"})
}

// requireAuth checks the sync protocol's header pair against the configured
// user table.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get("x-auth-user")
		key := r.Header.Get("x-auth-key")
		if user == "" || key == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "unauthorized"})
			return
		}
		s.mu.RLock()
		want, ok := s.users[user]
		s.mu.RUnlock()
		if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(key)) != 1 {
			writeJSON(w, http.StatusForbidden, map[string]string{"message": "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePutProgress(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "unreadable body"})
		return
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid JSON"})
		return
	}
	if err := progressSchema.Validate(doc); err != nil {
		s.logger.Debug("rejected malformed progress payload", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}

	var p progressPayload
	if err := json.Unmarshal(body, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid JSON"})
		return
	}

	book, ok := s.bookForDocument(p.Document)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "unknown document"})
		return
	}

	prev, err := s.cfg.Store.GetPositionRecord(book.ID, s.cfg.ServiceName)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("loading position record", "book_id", book.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "storage error"})
		return
	}

	// Furthest wins: small regressions are rounding between devices, and a
	// device pushing stale state must not rewind everyone else.
	if prev != nil && p.Percentage < prev.Percentage-s.epsilon {
		s.logger.Debug("rejecting regression",
			"book_id", book.ID, "pushed", p.Percentage, "stored", prev.Percentage)
		writeJSON(w, http.StatusConflict, progressPayload{
			Document:   p.Document,
			Progress:   prev.RawLocator.XPath,
			Percentage: prev.Percentage,
			Timestamp:  prev.UpdatedAt.Unix(),
		})
		return
	}

	rec := &types.PositionRecord{
		BookID:     book.ID,
		Service:    s.cfg.ServiceName,
		Percentage: types.ClampPercentage(p.Percentage),
		RawLocator: types.Locator{
			Percentage: types.ClampPercentage(p.Percentage),
			XPath:      p.Progress,
		},
	}
	if err := s.cfg.Store.SavePositionRecord(rec); err != nil {
		s.logger.Error("saving position record", "book_id", book.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "storage error"})
		return
	}

	s.logger.Info("progress accepted",
		"book_id", book.ID, "device", p.Device, "percentage", p.Percentage)
	switch {
	case s.cfg.Suppressor != nil && s.cfg.Suppressor.IsOwnWrite(s.cfg.ServiceName, book.ID, p.Percentage):
		// The device is pushing back the position we just wrote to it.
		s.logger.Debug("suppressing echo of own write",
			"book_id", book.ID, "percentage", p.Percentage)
	case s.cfg.Notifier != nil:
		s.cfg.Notifier.Notify(book.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document":  p.Document,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	document := chi.URLParam(r, "document")
	book, ok := s.bookForDocument(document)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "unknown document"})
		return
	}
	rec, err := s.cfg.Store.GetPositionRecord(book.ID, s.cfg.ServiceName)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "no progress"})
		return
	}
	if err != nil {
		s.logger.Error("loading position record", "book_id", book.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "storage error"})
		return
	}
	writeJSON(w, http.StatusOK, progressPayload{
		Document:   document,
		Progress:   rec.RawLocator.XPath,
		Percentage: rec.Percentage,
		Device:     "bookmarkd",
		Timestamp:  rec.UpdatedAt.Unix(),
	})
}

func (s *Server) bookForDocument(document string) (*types.Book, bool) {
	books, err := s.cfg.Store.ListBooks()
	if err != nil {
		s.logger.Error("listing books", "error", err)
		return nil, false
	}
	for i := range books {
		if books[i].EbookDocumentID == document {
			return &books[i], true
		}
	}
	return nil, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
