// Package home manages the bookmarkd home directory layout.
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the bookmarkd home directory.
	DefaultDirName = ".bookmarkd"

	// DataDirName is the subdirectory holding the database.
	DataDirName = "data"

	// PackagesDirName is the subdirectory for local EPUB packages.
	PackagesDirName = "packages"

	// TranscriptsDirName is the subdirectory for time-aligned transcripts.
	TranscriptsDirName = "transcripts"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
)

// Dir represents the bookmarkd home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.bookmarkd).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}
	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// DataPath returns the path to the data directory.
func (d *Dir) DataPath() string {
	return filepath.Join(d.path, DataDirName)
}

// PackagesPath returns the directory for local EPUB packages.
func (d *Dir) PackagesPath() string {
	return filepath.Join(d.path, PackagesDirName)
}

// TranscriptsPath returns the directory for transcripts.
func (d *Dir) TranscriptsPath() string {
	return filepath.Join(d.path, TranscriptsDirName)
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// PackagePath returns the expected package location for a book.
func (d *Dir) PackagePath(bookID string) string {
	return filepath.Join(d.PackagesPath(), bookID+".epub")
}

// TranscriptPath returns the expected transcript location for a book.
func (d *Dir) TranscriptPath(bookID string) string {
	return filepath.Join(d.TranscriptsPath(), bookID+".jsonl")
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	for _, p := range []string{d.DataPath(), d.PackagesPath(), d.TranscriptsPath()} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", p, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
