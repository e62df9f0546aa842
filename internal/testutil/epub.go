// Package testutil builds throwaway book fixtures for tests: minimal EPUB
// packages and time-aligned transcripts written to temp files.
package testutil

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// Chapter is one spine document in a fixture EPUB.
type Chapter struct {
	Href string
	Body string // XHTML body content, without the <body> wrapper
}

// WriteEPUB assembles a minimal EPUB from the given chapters and writes it
// under t.TempDir(). Returns the package path.
func WriteEPUB(t *testing.T, title string, chapters []Chapter) string {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	add := func(name, content string) {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("creating %s: %v", name, err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}

	add("mimetype", "application/epub+zip")
	add("META-INF/container.xml", `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`)

	manifest := ""
	spine := ""
	for i, ch := range chapters {
		id := fmt.Sprintf("item%d", i+1)
		manifest += fmt.Sprintf(
			`    <item id=%q href=%q media-type="application/xhtml+xml"/>%s`, id, ch.Href, "\n")
		spine += fmt.Sprintf(`    <itemref idref=%q/>%s`, id, "\n")
		add("OEBPS/"+ch.Href, fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml">
<head><title>%s</title></head>
<body>
%s
</body>
</html>`, title, ch.Body))
	}

	add("OEBPS/content.opf", fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="uid">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:identifier id="uid">test-%s</dc:identifier>
    <dc:title>%s</dc:title>
    <dc:language>en</dc:language>
  </metadata>
  <manifest>
%s  </manifest>
  <spine>
%s  </spine>
</package>`, title, title, manifest, spine))

	if err := w.Close(); err != nil {
		t.Fatalf("closing zip: %v", err)
	}

	path := filepath.Join(t.TempDir(), "fixture.epub")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("writing epub: %v", err)
	}
	return path
}

// TranscriptCue is one time-aligned transcript line.
type TranscriptCue struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// WriteTranscript writes cues as newline-delimited JSON under t.TempDir()
// and returns the path.
func WriteTranscript(t *testing.T, cues []TranscriptCue) string {
	t.Helper()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, c := range cues {
		if err := enc.Encode(c); err != nil {
			t.Fatalf("encoding cue: %v", err)
		}
	}
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("writing transcript: %v", err)
	}
	return path
}
