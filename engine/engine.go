package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tgiedit/logger"
	"tgiedit/metrics"
	"tgiedit/text"
	"tgiedit/types"

	"golang.org/x/sync/semaphore"
)

// shutdownGrace bounds how long Stop waits for a running session to clean up
const shutdownGrace = 2 * time.Second

type Engine struct {
	client  StreamClient
	config  EngineConfig
	tracker *metrics.Tracker

	// gate admits one session (or undo) at a time
	gate *semaphore.Weighted

	mu        sync.RWMutex
	session   *Session
	lastRange *selection
	eventChan chan Event

	// Main context and cancel for the engine lifecycle
	mainCtx    context.Context
	mainCancel context.CancelFunc
	stopped    bool
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func NewEngine(client StreamClient, config EngineConfig) *Engine {
	if config.Generation.InlineSystemPrompt == "" {
		config.Generation.InlineSystemPrompt = DefaultInlineSystemPrompt
	}
	if config.Generation.ChatSystemPrompt == "" {
		config.Generation.ChatSystemPrompt = DefaultChatSystemPrompt
	}
	if config.ChatTitle == "" {
		config.ChatTitle = DefaultChatTitle
	}

	mainCtx, mainCancel := context.WithCancel(context.Background())
	return &Engine{
		client:     client,
		config:     config,
		tracker:    metrics.NewTracker(),
		gate:       semaphore.NewWeighted(1),
		eventChan:  make(chan Event, 100),
		mainCtx:    mainCtx,
		mainCancel: mainCancel,
	}
}

// Start runs the event loop that serves editor commands
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.mainCancel()
	e.mainCtx, e.mainCancel = context.WithCancel(ctx)
	loopCtx := e.mainCtx
	e.wg.Add(1)
	e.mu.Unlock()

	go e.eventLoop(loopCtx)
	logger.Info("engine started")
}

// Stop stops the running session, waits briefly for its cleanup and shuts
// the event loop down
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		logger.Info("stopping engine...")
		e.stopped = true
		session := e.session
		e.mainCancel()
		close(e.eventChan)
		e.mu.Unlock()

		if session != nil {
			session.Stop()
		}

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			logger.Warn("engine stop: session still running after %v", shutdownGrace)
		}

		logger.Info("engine stopped")
	})
}

// Dispatch queues an editor command for the event loop. It never blocks so
// it is safe to call from RPC handlers.
func (e *Engine) Dispatch(event Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return
	}
	select {
	case e.eventChan <- event:
	default:
		logger.Warn("event queue full, dropping %s", event.Type)
	}
}

func (e *Engine) eventLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-e.eventChan:
			if !ok {
				return
			}

			// Wrap event handling in its own recovery
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("event handler panic recovered for event %v: %v", event.Type, r)
					}
				}()
				e.handleEvent(event)
			}()
		}
	}
}

func (e *Engine) handleEvent(event Event) {
	logger.Debug("handle event: %s", event.Type)

	var err error
	switch event.Type {
	case EventInlineEdit:
		args, _ := event.Data.(InlineEditArgs)
		_, err = e.StartInlineEdit(event.Host, args.Prompt, args.Range)
	case EventChat:
		prompt, _ := event.Data.(string)
		_, err = e.StartChat(event.Host, prompt)
	case EventStop:
		err = e.StopSession(event.Host)
	case EventUndo:
		err = e.UndoLastInsertion(event.Host)
	default:
		err = fmt.Errorf("unknown event %q", event.Type)
	}
	if err != nil {
		logger.Debug("event %s: %v", event.Type, err)
	}
}

// StartInlineEdit streams a generation for prompt (and the selected lines,
// when rng is set) into the current document. With a range the text goes
// below the selection and the range is remembered for UndoLastInsertion.
// Without one it goes to a new last line.
func (e *Engine) StartInlineEdit(host Host, prompt string, rng *types.Range) (*Session, error) {
	if strings.TrimSpace(prompt) == "" && rng == nil {
		host.Notify("No input or range provided. Aborting.")
		return nil, ErrNoInput
	}
	if err := e.acquire(host); err != nil {
		return nil, err
	}

	s, err := e.prepareInline(host, prompt, rng)
	if err != nil {
		e.gate.Release(1)
		host.Notify(fmt.Sprintf("Inline edit failed: %v", err))
		return nil, err
	}
	if err := e.launch(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (e *Engine) prepareInline(host Host, prompt string, rng *types.Range) (*Session, error) {
	doc, err := host.CurrentDocument()
	if err != nil {
		return nil, err
	}
	before, err := doc.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}

	var selected string
	var target int
	if rng != nil {
		if selected, err = selectedText(before, *rng); err != nil {
			return nil, err
		}
		// open a blank line below the selection so following text moves down
		if err := doc.InsertLineAfter(rng.End, ""); err != nil {
			return nil, fmt.Errorf("open line after %d: %w", rng.End, err)
		}
		target = rng.End + 1

		e.mu.Lock()
		e.lastRange = &selection{doc: doc, rng: *rng}
		e.mu.Unlock()
	} else {
		if err := doc.AppendLine(""); err != nil {
			return nil, fmt.Errorf("append line: %w", err)
		}
		target = len(before) + 1
	}

	messages := inlineMessages(e.config.Generation.InlineSystemPrompt, prompt, selected)
	inserter := text.NewInserter(doc, target)
	return newSession(types.SessionInline, host, doc, inserter, e.chatRequest(messages), before, e.config.RefreshInterval), nil
}

// StartChat appends prompt to the chat transcript and streams the reply
// under it. Earlier turns in the transcript are sent as history.
func (e *Engine) StartChat(host Host, prompt string) (*Session, error) {
	if strings.TrimSpace(prompt) == "" {
		host.Notify("No input provided. Aborting.")
		return nil, ErrNoInput
	}
	if err := e.acquire(host); err != nil {
		return nil, err
	}

	s, err := e.prepareChat(host, prompt)
	if err != nil {
		e.gate.Release(1)
		host.Notify(fmt.Sprintf("Chat failed: %v", err))
		return nil, err
	}
	if err := e.launch(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (e *Engine) prepareChat(host Host, prompt string) (*Session, error) {
	doc, err := host.ChatDocument(e.config.ChatTitle)
	if err != nil {
		return nil, err
	}
	before, err := doc.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	for _, line := range chatLines(prompt) {
		if err := doc.AppendLine(line); err != nil {
			return nil, fmt.Errorf("append to transcript: %w", err)
		}
	}
	transcript, err := doc.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	target := len(transcript)
	if err := doc.SetCursor(target); err != nil {
		logger.Debug("chat: set cursor %d: %v", target, err)
	}

	messages := transcriptMessages(e.config.Generation.ChatSystemPrompt, transcript)
	inserter := text.NewInserter(doc, target, text.WithoutDelimiterTracking())
	return newSession(types.SessionChat, host, doc, inserter, e.chatRequest(messages), before, e.config.RefreshInterval), nil
}

// StopSession stops the running session. Its delimiter lines are removed by
// the session itself once the stream has ended.
func (e *Engine) StopSession(host Host) error {
	e.mu.RLock()
	s := e.session
	e.mu.RUnlock()

	if s == nil {
		host.Notify("Nothing to stop.")
		return ErrNoSession
	}

	s.Stop()
	if s.Kind == types.SessionChat {
		host.Notify("Chat stopped.")
	} else {
		host.Notify("Inline editing stopped.")
	}
	return nil
}

// UndoLastInsertion deletes the lines that were selected for the last inline
// edit, leaving the generated text in their place
func (e *Engine) UndoLastInsertion(host Host) error {
	if err := e.acquire(host); err != nil {
		return err
	}
	defer e.gate.Release(1)

	e.mu.RLock()
	sel := e.lastRange
	e.mu.RUnlock()

	if sel == nil {
		host.Notify("No previously selected range to remove.")
		return ErrNothingToUndo
	}

	removed, err := text.RemoveRange(sel.doc, sel.rng)
	if err != nil {
		host.Notify(fmt.Sprintf("Failed to remove previously selected lines: %v", err))
		return err
	}
	if err := sel.doc.Refresh(); err != nil {
		logger.Debug("undo: refresh: %v", err)
	}

	e.mu.Lock()
	if e.lastRange == sel {
		e.lastRange = nil
	}
	e.mu.Unlock()

	logger.Info("undo: removed %d lines (%d-%d)", removed, sel.rng.Start, sel.rng.End)
	host.Notify("Previously selected lines removed.")
	return nil
}

// Active returns the running session, if any
func (e *Engine) Active() *Session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session
}

// LastStats returns the stats of the most recently finished session
func (e *Engine) LastStats() (metrics.SessionStats, bool) {
	return e.tracker.Last()
}

// acquire takes the single-flight gate or reports why it cannot
func (e *Engine) acquire(host Host) error {
	e.mu.RLock()
	stopped := e.stopped
	e.mu.RUnlock()
	if stopped {
		return ErrStopped
	}

	if !e.gate.TryAcquire(1) {
		host.Notify("A generation is already running. Stop it first.")
		return ErrSessionActive
	}
	return nil
}

// launch publishes s as the running session and starts its goroutine. The
// gate must be held; it is released when the session finishes.
func (e *Engine) launch(s *Session) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		e.gate.Release(1)
		return ErrStopped
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if timeout := e.config.Generation.CompletionTimeout; timeout > 0 {
		ctx, cancel = context.WithTimeout(e.mainCtx, time.Duration(timeout)*time.Millisecond)
	} else {
		ctx, cancel = context.WithCancel(e.mainCtx)
	}
	s.cancel = cancel
	e.session = s
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer close(s.done)
		defer cancel()

		stats := metrics.SessionStats{ID: s.ID, Kind: s.Kind, Outcome: metrics.OutcomeFailed}
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("session panic recovered: %v", r)
				stats.Err = errors.Join(stats.Err, fmt.Errorf("panic: %v", r))
				if _, err := s.cleanup(); err != nil {
					s.log.Warn("cleanup after panic: %v", err)
				}
			}
			e.finish(s, stats)
		}()

		stats = s.run(ctx, e.client)
	}()
	return nil
}

func (e *Engine) finish(s *Session, stats metrics.SessionStats) {
	e.mu.Lock()
	if e.session == s {
		e.session = nil
	}
	e.mu.Unlock()
	e.gate.Release(1)
	e.tracker.Record(stats)
}
