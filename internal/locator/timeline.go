package locator

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
)

// transcriptRecord is one line of a time-aligned transcript: newline-delimited
// JSON as produced by the external transcriber.
type transcriptRecord struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// TimelinePoint maps a moment in the audio stream to a cumulative character
// offset in the transcript text.
type TimelinePoint struct {
	Time   float64
	Offset int
}

// Timeline is the canonical time↔percentage mapping for a book with
// time-based media, built by the background job from the transcript.
type Timeline struct {
	points   []TimelinePoint
	duration float64
	text     string
	textLen  int
}

// BuildTimeline reads transcript records and constructs the mapping. Record
// text is trimmed before counting, consistent with content extraction.
func BuildTimeline(r io.Reader) (*Timeline, error) {
	tl := &Timeline{}
	var sb strings.Builder
	offset := 0
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var rec transcriptRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("transcript line %d: %w", line, err)
		}
		text := strings.TrimSpace(rec.Text)
		if text == "" {
			continue
		}
		if offset > 0 {
			sb.WriteByte(' ')
			offset++ // join space
		}
		tl.points = append(tl.points, TimelinePoint{Time: rec.Start, Offset: offset})
		sb.WriteString(text)
		offset += len(text)
		if rec.End > tl.duration {
			tl.duration = rec.End
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}
	if len(tl.points) == 0 {
		return nil, fmt.Errorf("transcript has no usable records")
	}
	sort.Slice(tl.points, func(i, j int) bool { return tl.points[i].Time < tl.points[j].Time })
	tl.text = sb.String()
	tl.textLen = offset
	return tl, nil
}

// Window returns a text window of the given size centered on a percentage of
// the transcript text. This is the canonical anchor an audio position
// exchanges with text-based services.
func (tl *Timeline) Window(pct float64, size int) string {
	if tl.textLen == 0 {
		return ""
	}
	center := int(pct * float64(tl.textLen))
	half := size / 2
	start := center - half
	if start < 0 {
		start = 0
	}
	end := start + size
	if end > tl.textLen {
		end = tl.textLen
		if start = end - size; start < 0 {
			start = 0
		}
	}
	return tl.text[start:end]
}

// AnchorTime locates a canonical text anchor in the transcript and returns
// the corresponding time offset in seconds, using the shared tiered matcher.
func (tl *Timeline) AnchorTime(text string, hintPct float64, cutoff int) (float64, error) {
	off, err := FindAnchor(tl.text, text, int(hintPct*float64(tl.textLen)), cutoff)
	if err != nil {
		return 0, err
	}
	return tl.TimeForPercentage(float64(off) / float64(tl.textLen)), nil
}

// LoadTimeline builds a timeline from a transcript file on disk.
func LoadTimeline(path string) (*Timeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening transcript: %w", err)
	}
	defer f.Close()
	return BuildTimeline(f)
}

// Duration returns the total audio duration covered by the transcript.
func (tl *Timeline) Duration() float64 {
	return tl.duration
}

// PercentageForTime maps a time offset in seconds to a text percentage.
func (tl *Timeline) PercentageForTime(sec float64) float64 {
	if tl.textLen == 0 {
		return 0
	}
	if sec <= tl.points[0].Time {
		return float64(tl.points[0].Offset) / float64(tl.textLen)
	}
	for i := len(tl.points) - 1; i >= 0; i-- {
		p := tl.points[i]
		if sec >= p.Time {
			// Interpolate toward the next point, or toward the end.
			nextTime, nextOff := tl.duration, tl.textLen
			if i+1 < len(tl.points) {
				nextTime, nextOff = tl.points[i+1].Time, tl.points[i+1].Offset
			}
			off := float64(p.Offset)
			if nextTime > p.Time {
				frac := (sec - p.Time) / (nextTime - p.Time)
				if frac > 1 {
					frac = 1
				}
				off += frac * float64(nextOff-p.Offset)
			}
			return off / float64(tl.textLen)
		}
	}
	return 0
}

// TimeForPercentage maps a text percentage back to a time offset in seconds.
func (tl *Timeline) TimeForPercentage(pct float64) float64 {
	if pct <= 0 {
		return 0
	}
	if pct >= 1 {
		return tl.duration
	}
	target := pct * float64(tl.textLen)
	for i := len(tl.points) - 1; i >= 0; i-- {
		p := tl.points[i]
		if target >= float64(p.Offset) {
			nextTime, nextOff := tl.duration, tl.textLen
			if i+1 < len(tl.points) {
				nextTime, nextOff = tl.points[i+1].Time, tl.points[i+1].Offset
			}
			if nextOff > p.Offset {
				frac := (target - float64(p.Offset)) / float64(nextOff-p.Offset)
				return p.Time + frac*(nextTime-p.Time)
			}
			return p.Time
		}
	}
	return 0
}

// Timelines is a per-book registry of built timelines, shared between the
// background job runner (writer) and the audio sync client (reader).
type Timelines struct {
	mu     sync.RWMutex
	byBook map[string]*Timeline
}

// NewTimelines creates an empty registry.
func NewTimelines() *Timelines {
	return &Timelines{byBook: make(map[string]*Timeline)}
}

// Get returns the timeline for a book, if built.
func (ts *Timelines) Get(bookID string) (*Timeline, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	tl, ok := ts.byBook[bookID]
	return tl, ok
}

// Set registers a built timeline for a book.
func (ts *Timelines) Set(bookID string, tl *Timeline) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.byBook[bookID] = tl
}

// Delete removes a book's timeline.
func (ts *Timelines) Delete(bookID string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.byBook, bookID)
}
