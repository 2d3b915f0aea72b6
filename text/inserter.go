package text

import (
	"fmt"
	"slices"
	"strings"

	"tgiedit/logger"
)

// Inserter writes streamed fragments into a Surface at a cursor that only
// moves forward. It remembers every line that received a code fence so the
// fences can be removed once streaming ends.
//
// Fragments must be applied one at a time, in arrival order. The Inserter is
// owned by a single goroutine and holds no locks.
type Inserter struct {
	surface         Surface
	origin          int // 1-indexed line the session started writing at
	cursor          int // 1-indexed line the next fragment starts on
	pending         map[int]struct{}
	trackDelimiters bool
}

// InserterOption configures an Inserter
type InserterOption func(*Inserter)

// WithoutDelimiterTracking keeps fence lines in the document (chat transcripts)
func WithoutDelimiterTracking() InserterOption {
	return func(in *Inserter) { in.trackDelimiters = false }
}

// NewInserter creates an Inserter that starts writing at target (1-indexed)
func NewInserter(surface Surface, target int, opts ...InserterOption) *Inserter {
	if target < 1 {
		target = 1
	}
	in := &Inserter{
		surface:         surface,
		origin:          target,
		cursor:          target,
		pending:         make(map[int]struct{}),
		trackDelimiters: true,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Cursor returns the line the next fragment starts on
func (in *Inserter) Cursor() int { return in.cursor }

// Origin returns the line the first fragment was written to
func (in *Inserter) Origin() int { return in.origin }

// Pending returns the recorded delimiter lines, highest first
func (in *Inserter) Pending() []int {
	lines := make([]int, 0, len(in.pending))
	for line := range in.pending {
		lines = append(lines, line)
	}
	slices.Sort(lines)
	slices.Reverse(lines)
	return lines
}

// Apply writes fragment at the cursor and returns the new cursor.
//
// The first sub-line extends the cursor line (or replaces it when the line is
// empty) so a token that splits a word continues the previous partial line.
// Every following sub-line is inserted below the cursor, advancing it by one.
// A trailing newline inserts one empty line so the next fragment starts on a
// fresh line. An empty fragment is a no-op.
func (in *Inserter) Apply(fragment string) (int, error) {
	if fragment == "" {
		return in.cursor, nil
	}

	if err := in.pad(); err != nil {
		return in.cursor, err
	}

	body, trailing := strings.CutSuffix(fragment, Newline)
	parts := strings.Split(body, Newline)

	for i, part := range parts {
		part = strings.TrimSuffix(part, "\r")

		var written string
		if i == 0 {
			current, err := in.surface.Line(in.cursor)
			if err != nil {
				return in.cursor, fmt.Errorf("read line %d: %w", in.cursor, err)
			}
			written = current + part
			if part != "" {
				if err := in.surface.SetLine(in.cursor, written); err != nil {
					return in.cursor, fmt.Errorf("write line %d: %w", in.cursor, err)
				}
			}
		} else {
			if err := in.surface.InsertLineAfter(in.cursor, part); err != nil {
				return in.cursor, fmt.Errorf("insert after line %d: %w", in.cursor, err)
			}
			in.cursor++
			written = part
		}

		// A fence split across fragments only shows up in the joined line.
		if in.trackDelimiters && strings.Contains(written, Delimiter) {
			in.pending[in.cursor] = struct{}{}
		}
	}

	if trailing {
		if err := in.surface.InsertLineAfter(in.cursor, ""); err != nil {
			return in.cursor, fmt.Errorf("insert after line %d: %w", in.cursor, err)
		}
		in.cursor++
	}

	if err := in.surface.SetCursor(in.cursor); err != nil {
		logger.Debug("inserter: set cursor %d: %v", in.cursor, err)
	}

	return in.cursor, nil
}

// Cleanup removes every recorded delimiter line and forgets them. Calling it
// again without new fragments is a no-op.
func (in *Inserter) Cleanup() (int, error) {
	lines := in.Pending()
	clear(in.pending)
	return RemoveLines(in.surface, lines)
}

// pad appends empty lines until the cursor line exists
func (in *Inserter) pad() error {
	count, err := in.surface.LineCount()
	if err != nil {
		return fmt.Errorf("line count: %w", err)
	}
	for ; count < in.cursor; count++ {
		if err := in.surface.AppendLine(""); err != nil {
			return fmt.Errorf("pad to line %d: %w", in.cursor, err)
		}
	}
	return nil
}
