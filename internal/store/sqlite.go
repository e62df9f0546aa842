package store

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bookmarkd/bookmarkd/internal/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite is the production Store backed by a single SQLite database file.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// Open opens (or creates) the database in dataDir and applies pending
// migrations. Pass ":memory:" for an in-memory database (used by tests).
func Open(dataDir string) (*SQLite, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "bookmarkd.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Single connection avoids "database is locked" under concurrent cycles.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&applied); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// --- Books ---

func (s *SQLite) GetBook(id string) (*types.Book, error) {
	var b types.Book
	var status, createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, title, audio_item_id, ebook_document_id, package_path, transcript_path, status, created_at, updated_at
		FROM books WHERE id = ?`, id,
	).Scan(&b.ID, &b.Title, &b.AudioItemID, &b.EbookDocumentID, &b.PackagePath, &b.TranscriptPath, &status, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Status = types.ParseBookStatus(status)
	if b.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if b.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &b, nil
}

func (s *SQLite) SaveBook(b *types.Book) error {
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	_, err := s.db.Exec(`
		INSERT INTO books (id, title, audio_item_id, ebook_document_id, package_path, transcript_path, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			audio_item_id = excluded.audio_item_id,
			ebook_document_id = excluded.ebook_document_id,
			package_path = excluded.package_path,
			transcript_path = excluded.transcript_path,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		b.ID, b.Title, b.AudioItemID, b.EbookDocumentID, b.PackagePath, b.TranscriptPath,
		string(b.Status), b.CreatedAt.Format(time.RFC3339), b.UpdatedAt.Format(time.RFC3339),
	)
	return err
}

func (s *SQLite) ListBooks() ([]types.Book, error) {
	return s.queryBooks(`
		SELECT id, title, audio_item_id, ebook_document_id, package_path, transcript_path, status, created_at, updated_at
		FROM books ORDER BY created_at ASC`)
}

func (s *SQLite) GetBooksByStatus(status types.BookStatus) ([]types.Book, error) {
	return s.queryBooks(`
		SELECT id, title, audio_item_id, ebook_document_id, package_path, transcript_path, status, created_at, updated_at
		FROM books WHERE status = ? ORDER BY created_at ASC`, string(status))
}

func (s *SQLite) queryBooks(query string, args ...any) ([]types.Book, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var books []types.Book
	for rows.Next() {
		var b types.Book
		var status, createdAt, updatedAt string
		if err := rows.Scan(&b.ID, &b.Title, &b.AudioItemID, &b.EbookDocumentID, &b.PackagePath, &b.TranscriptPath, &status, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		b.Status = types.ParseBookStatus(status)
		if b.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if b.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

// --- Position records ---

func (s *SQLite) GetPositionRecord(bookID, service string) (*types.PositionRecord, error) {
	var r types.PositionRecord
	var updatedAt string
	err := s.db.QueryRow(`
		SELECT book_id, service, percentage, time_offset, xpath, cfi, href, fragment_id, updated_at
		FROM position_records WHERE book_id = ? AND service = ?`, bookID, service,
	).Scan(&r.BookID, &r.Service, &r.Percentage, &r.RawLocator.TimeOffset,
		&r.RawLocator.XPath, &r.RawLocator.CFI, &r.RawLocator.Href, &r.RawLocator.FragmentID, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.RawLocator.Percentage = r.Percentage
	if r.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &r, nil
}

func (s *SQLite) SavePositionRecord(r *types.PositionRecord) error {
	if r.Percentage < 0 || r.Percentage > 1 {
		return fmt.Errorf("percentage %f out of range [0,1]", r.Percentage)
	}
	r.UpdatedAt = time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO position_records (book_id, service, percentage, time_offset, xpath, cfi, href, fragment_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(book_id, service) DO UPDATE SET
			percentage = excluded.percentage,
			time_offset = excluded.time_offset,
			xpath = excluded.xpath,
			cfi = excluded.cfi,
			href = excluded.href,
			fragment_id = excluded.fragment_id,
			updated_at = excluded.updated_at`,
		r.BookID, r.Service, r.Percentage, r.RawLocator.TimeOffset,
		r.RawLocator.XPath, r.RawLocator.CFI, r.RawLocator.Href, r.RawLocator.FragmentID,
		r.UpdatedAt.Format(time.RFC3339),
	)
	return err
}

// --- Jobs ---

func (s *SQLite) GetJob(bookID string) (*types.Job, error) {
	var j types.Job
	var lastAttempt string
	err := s.db.QueryRow(`
		SELECT book_id, last_attempt, retry_count, last_error
		FROM jobs WHERE book_id = ?`, bookID,
	).Scan(&j.BookID, &lastAttempt, &j.RetryCount, &j.LastError)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastAttempt != "" {
		if j.LastAttempt, err = time.Parse(time.RFC3339, lastAttempt); err != nil {
			return nil, fmt.Errorf("parsing last_attempt: %w", err)
		}
	}
	return &j, nil
}

func (s *SQLite) SaveJob(j *types.Job) error {
	lastAttempt := ""
	if !j.LastAttempt.IsZero() {
		lastAttempt = j.LastAttempt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (book_id, last_attempt, retry_count, last_error)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(book_id) DO UPDATE SET
			last_attempt = excluded.last_attempt,
			retry_count = excluded.retry_count,
			last_error = excluded.last_error`,
		j.BookID, lastAttempt, j.RetryCount, j.LastError,
	)
	return err
}

// --- Startup recovery ---

func (s *SQLite) RecoverInterrupted() (int, error) {
	res, err := s.db.Exec(`UPDATE books SET status = ?, updated_at = ? WHERE status = ?`,
		string(types.StatusFailedRetryLater), time.Now().UTC().Format(time.RFC3339), string(types.StatusProcessing))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
