package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tgiedit/client/openai"
	"tgiedit/logger"
	"tgiedit/metrics"
	"tgiedit/text"
	"tgiedit/types"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Session is one streaming generation writing into one document. At most one
// session runs at a time.
type Session struct {
	ID   string
	Kind types.SessionKind

	host     Host
	doc      text.Document
	inserter *text.Inserter
	request  *openai.ChatRequest
	before   []string // document content before the session touched it
	started  time.Time

	stop        atomic.Bool
	cancel      context.CancelFunc
	cleanupOnce sync.Once
	limiter     *rate.Limiter
	done        chan struct{}
	log         logger.Prefixed
}

func newSession(kind types.SessionKind, host Host, doc text.Document, inserter *text.Inserter,
	request *openai.ChatRequest, before []string, refreshInterval time.Duration) *Session {
	id := uuid.NewString()

	limit := rate.Inf
	if refreshInterval > 0 {
		limit = rate.Every(refreshInterval)
	}

	return &Session{
		ID:       id,
		Kind:     kind,
		host:     host,
		doc:      doc,
		inserter: inserter,
		request:  request,
		before:   before,
		started:  time.Now(),
		cancel:   func() {},
		limiter:  rate.NewLimiter(limit, 1),
		done:     make(chan struct{}),
		log:      logger.With(id[:8]),
	}
}

// Stop asks the session to end. No fragment is applied once Stop returns;
// cleanup runs on the session goroutine.
func (s *Session) Stop() {
	s.stop.Store(true)
	s.cancel()
}

// Stopped reports whether Stop was called
func (s *Session) Stopped() bool { return s.stop.Load() }

// Done is closed after the session cleaned up and released the engine
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session has finished
func (s *Session) Wait() { <-s.done }

// run consumes the stream until it ends, then removes recorded delimiter
// lines. It returns the session stats; the caller records them.
func (s *Session) run(ctx context.Context, client StreamClient) metrics.SessionStats {
	defer logger.Trace("session.run")()
	s.log.Info("%s session started at line %d", s.Kind, s.inserter.Origin())

	stats := metrics.SessionStats{ID: s.ID, Kind: s.Kind}

	stream := client.DoChatStream(ctx, s.request, s.Stopped)

	var applyErr error
	for chunk := range stream.ChunksChan() {
		// keep draining so the stream goroutine can exit
		if applyErr != nil || s.Stopped() {
			continue
		}
		fragment, ok := chunk.DeltaContent()
		if !ok || fragment == "" {
			continue
		}
		stats.Bytes += len(fragment)

		if _, err := s.inserter.Apply(fragment); err != nil {
			applyErr = err
			s.log.Error("apply fragment: %v", err)
			stream.Cancel()
			continue
		}
		stats.Fragments++
		s.refresh(ctx)
	}
	result := <-stream.DoneChan()

	removed, cleanupErr := s.cleanup()
	stats.DelimitersRemoved = removed
	if cleanupErr != nil {
		s.log.Warn("cleanup: %v", cleanupErr)
	}

	switch {
	case applyErr != nil:
		stats.Outcome = metrics.OutcomeFailed
		stats.Err = applyErr
		s.host.Notify(fmt.Sprintf("Error processing token: %v", applyErr))
	case s.Stopped():
		stats.Outcome = metrics.OutcomeCancelled
	case result.Err != nil:
		stats.Outcome = metrics.OutcomeFailed
		stats.Err = result.Err
		s.host.Notify(fmt.Sprintf("Request error: %v", result.Err))
	case result.StoppedEarly:
		stats.Outcome = metrics.OutcomeCancelled
	default:
		stats.Outcome = metrics.OutcomeCompleted
	}
	if result.Skipped > 0 {
		s.log.Debug("skipped %d malformed frames", result.Skipped)
	}

	if after, err := s.doc.Snapshot(); err == nil {
		stats.LinesAdded, stats.LinesRemoved = metrics.DiffLines(s.before, after)
	}
	stats.Duration = time.Since(s.started)
	return stats
}

// refresh redraws the document, waiting out the pacing interval first
func (s *Session) refresh(ctx context.Context) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	if err := s.doc.Refresh(); err != nil {
		s.log.Debug("refresh: %v", err)
	}
}

// cleanup removes the recorded delimiter lines. Only the first call has an
// effect.
func (s *Session) cleanup() (removed int, err error) {
	s.cleanupOnce.Do(func() {
		removed, err = s.inserter.Cleanup()
		if refreshErr := s.doc.Refresh(); refreshErr != nil {
			s.log.Debug("refresh after cleanup: %v", refreshErr)
		}
	})
	return removed, err
}
