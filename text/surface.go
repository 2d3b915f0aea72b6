package text

import (
	"errors"
	"fmt"
	"sync"
)

// ErrSurfaceClosed is returned by a surface that can no longer be mutated
var ErrSurfaceClosed = errors.New("surface closed")

// Surface is the line-addressable document streamed text is written into.
// All line numbers are 1-indexed. Implemented by buffer.NvimBuffer for Neovim
// and by MemorySurface for tests and headless use.
type Surface interface {
	LineCount() (int, error)
	Line(i int) (string, error)
	SetLine(i int, content string) error
	InsertLineAfter(i int, content string) error // i == 0 inserts before the first line
	DeleteLine(i int) error
	AppendLine(content string) error
	SetCursor(i int) error
	Refresh() error
}

// Document is a Surface whose whole content can be read in one call
type Document interface {
	Surface
	Snapshot() ([]string, error)
}

// MemorySurface is an in-memory Surface
type MemorySurface struct {
	mu        sync.Mutex
	lines     []string
	cursor    int
	refreshes int
	closed    bool
}

// NewMemorySurface creates a surface holding a copy of lines
func NewMemorySurface(lines ...string) *MemorySurface {
	return &MemorySurface{
		lines:  append([]string{}, lines...),
		cursor: 1,
	}
}

// Lines returns a copy of the current content
func (m *MemorySurface) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.lines...)
}

// Snapshot returns a copy of the current content
func (m *MemorySurface) Snapshot() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrSurfaceClosed
	}
	return append([]string{}, m.lines...), nil
}

// Cursor returns the last line passed to SetCursor
func (m *MemorySurface) Cursor() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor
}

// Refreshes returns how many times Refresh was called
func (m *MemorySurface) Refreshes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshes
}

// Close makes every later operation fail with ErrSurfaceClosed
func (m *MemorySurface) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *MemorySurface) LineCount() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrSurfaceClosed
	}
	return len(m.lines), nil
}

func (m *MemorySurface) Line(i int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(i); err != nil {
		return "", err
	}
	return m.lines[i-1], nil
}

func (m *MemorySurface) SetLine(i int, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(i); err != nil {
		return err
	}
	m.lines[i-1] = content
	return nil
}

func (m *MemorySurface) InsertLineAfter(i int, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSurfaceClosed
	}
	if i < 0 || i > len(m.lines) {
		return fmt.Errorf("insert after line %d: out of range (1-%d)", i, len(m.lines))
	}
	m.lines = append(m.lines, "")
	copy(m.lines[i+1:], m.lines[i:])
	m.lines[i] = content
	return nil
}

func (m *MemorySurface) DeleteLine(i int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(i); err != nil {
		return err
	}
	m.lines = append(m.lines[:i-1], m.lines[i:]...)
	return nil
}

func (m *MemorySurface) AppendLine(content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSurfaceClosed
	}
	m.lines = append(m.lines, content)
	return nil
}

func (m *MemorySurface) SetCursor(i int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSurfaceClosed
	}
	m.cursor = i
	return nil
}

func (m *MemorySurface) Refresh() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSurfaceClosed
	}
	m.refreshes++
	return nil
}

// check validates a 1-indexed line number. Caller must hold m.mu.
func (m *MemorySurface) check(i int) error {
	if m.closed {
		return ErrSurfaceClosed
	}
	if i < 1 || i > len(m.lines) {
		return fmt.Errorf("line %d: out of range (1-%d)", i, len(m.lines))
	}
	return nil
}
