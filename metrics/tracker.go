package metrics

import (
	"strings"
	"sync"
	"time"

	"tgiedit/logger"
	"tgiedit/types"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Outcome is how a session ended
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// SessionStats summarizes one generation session
type SessionStats struct {
	ID                string
	Kind              types.SessionKind
	Fragments         int // non-empty fragments applied
	Bytes             int // bytes of text received
	LinesAdded        int
	LinesRemoved      int
	DelimitersRemoved int
	Duration          time.Duration
	Outcome           Outcome
	Err               error
}

// Tracker keeps the most recent session stats and running totals
type Tracker struct {
	mu       sync.Mutex
	last     *SessionStats
	sessions int
	bytes    int
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// Record stores and logs the stats of a finished session
func (t *Tracker) Record(s SessionStats) {
	t.mu.Lock()
	t.last = &s
	t.sessions++
	t.bytes += s.Bytes
	sessions, total := t.sessions, t.bytes
	t.mu.Unlock()

	logger.Info("session %s (%s) %s: fragments=%d bytes=%d +%d/-%d lines, %d fences removed, took %v (sessions=%d total_bytes=%d)",
		s.ID, s.Kind, s.Outcome, s.Fragments, s.Bytes, s.LinesAdded, s.LinesRemoved, s.DelimitersRemoved,
		s.Duration.Round(time.Millisecond), sessions, total)
}

// Last returns the stats of the most recent session
func (t *Tracker) Last() (SessionStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return SessionStats{}, false
	}
	return *t.last, true
}

// DiffLines counts the lines added and removed between two snapshots
func DiffLines(before, after []string) (added, removed int) {
	oldText := joinLines(before)
	newText := joinLines(after)
	if oldText == newText {
		return 0, 0
	}

	dmp := diffmatchpatch.New()
	chars1, chars2, lineArray := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(chars1, chars2, false), lineArray)

	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		}
	}
	return added, removed
}

// joinLines terminates every line so the last line diffs like the others
func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
