package engine

import (
	"context"
	"errors"
	"time"

	"tgiedit/client/openai"
	"tgiedit/text"
	"tgiedit/types"
)

var (
	ErrSessionActive = errors.New("a generation is already running")
	ErrNoSession     = errors.New("no generation is running")
	ErrNothingToUndo = errors.New("no previously selected range to remove")
	ErrNoInput       = errors.New("no input provided")
	ErrStopped       = errors.New("engine stopped")
)

// Host is the editor a command came from. Implemented by buffer.Editor for
// Neovim.
type Host interface {
	// CurrentDocument binds the document the user is editing
	CurrentDocument() (text.Document, error)
	// ChatDocument opens or focuses the chat transcript
	ChatDocument(title string) (text.Document, error)
	// Notify shows a short message to the user
	Notify(msg string)
}

// StreamClient starts streaming chat completions.
// Implemented by openai.Client.
type StreamClient interface {
	DoChatStream(ctx context.Context, req *openai.ChatRequest, stopped func() bool) *openai.ChatStream
}

type EngineConfig struct {
	Generation      types.GenerationConfig
	RefreshInterval time.Duration // minimum time between redraws, 0 = every fragment
	ChatTitle       string
}

// selection is the range an inline edit was generated for, kept so the
// original lines can be removed once the user accepts the result
type selection struct {
	doc text.Document
	rng types.Range
}
