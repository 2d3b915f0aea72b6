package text

import (
	"errors"
	"fmt"
	"slices"

	"tgiedit/types"
)

// RemoveLines deletes the given 1-indexed lines from the surface.
//
// Lines are deduplicated and deleted highest first: removing a line only
// shifts the lines below it, so every remaining (lower) index still points at
// the line it was recorded for. Lines that no longer exist are skipped, and a
// failed deletion does not stop the pass. Returns the number of lines removed
// and the joined per-line failures.
func RemoveLines(surface Surface, lines []int) (int, error) {
	if len(lines) == 0 {
		return 0, nil
	}

	sorted := slices.Clone(lines)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	slices.Reverse(sorted)

	count, err := surface.LineCount()
	if err != nil {
		return 0, fmt.Errorf("line count: %w", err)
	}

	removed := 0
	var errs []error
	for _, line := range sorted {
		if line < 1 || line > count {
			continue
		}
		if err := surface.DeleteLine(line); err != nil {
			errs = append(errs, fmt.Errorf("delete line %d: %w", line, err))
			continue
		}
		removed++
		count--
	}

	return removed, errors.Join(errs...)
}

// RemoveRange deletes lines r.End down to r.Start inclusive
func RemoveRange(surface Surface, r types.Range) (int, error) {
	if !r.Valid() {
		return 0, fmt.Errorf("invalid range %d-%d", r.Start, r.End)
	}
	lines := make([]int, 0, r.End-r.Start+1)
	for line := r.Start; line <= r.End; line++ {
		lines = append(lines, line)
	}
	return RemoveLines(surface, lines)
}
