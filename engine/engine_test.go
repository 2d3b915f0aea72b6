package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tgiedit/metrics"
	"tgiedit/text"
	"tgiedit/types"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

func TestStartInlineEdit_NoRangeAppendsAtEnd(t *testing.T) {
	server := newStreamServer(t, false, "Hel", "lo\n", "World")
	host := newMockHost("x")
	e := createTestEngine(t, server.URL, EngineConfig{})

	s, err := e.StartInlineEdit(host, "greet", nil)
	assert.NoError(t, err, "start")
	waitSession(t, s)

	assert.Equal(t, []string{"x", "Hello", "World"}, host.lines(), "document")

	req := server.lastRequest(t)
	assert.Equal(t, "tgi", req.Model, "model")
	assert.Equal(t, 64, req.MaxTokens, "max tokens")
	assert.Equal(t, []types.Message{
		{Role: types.RoleSystem, Content: DefaultInlineSystemPrompt},
		{Role: types.RoleUser, Content: "greet"},
	}, req.Messages, "messages")

	stats, ok := e.LastStats()
	assert.True(t, ok, "stats recorded")
	assert.Equal(t, metrics.OutcomeCompleted, stats.Outcome, "outcome")
	assert.Equal(t, types.SessionInline, stats.Kind, "kind")
	assert.Equal(t, 3, stats.Fragments, "fragments")
	assert.Equal(t, len("Hello\nWorld"), stats.Bytes, "bytes")
	assert.Equal(t, 2, stats.LinesAdded, "lines added")
	assert.Nil(t, e.Active(), "no active session")
	assert.GreaterOrEqual(t, host.doc.(*text.MemorySurface).Refreshes(), 3, "redrawn per fragment")
}

func TestStartInlineEdit_WithRangeWritesBelowSelection(t *testing.T) {
	server := newStreamServer(t, false, "```go\n", "B\n", "```")
	host := newMockHost("a", "b", "c", "d")
	e := createTestEngine(t, server.URL, EngineConfig{})

	s, err := e.StartInlineEdit(host, "fix", &types.Range{Start: 2, End: 3})
	assert.NoError(t, err, "start")
	waitSession(t, s)

	assert.Equal(t, []string{"a", "b", "c", "B", "d"}, host.lines(), "fences removed, d pushed down")
	assert.Equal(t, "fix\n\nb\nc", server.lastRequest(t).Messages[1].Content, "prompt with selection")

	stats, _ := e.LastStats()
	assert.Equal(t, 2, stats.DelimitersRemoved, "delimiters removed")
	assert.Equal(t, 1, stats.LinesAdded, "net lines added")

	// Undo removes the selection and keeps the generated text
	assert.NoError(t, e.UndoLastInsertion(host), "undo")
	assert.Equal(t, []string{"a", "B", "d"}, host.lines(), "selection removed")
	assert.True(t, host.notified("Previously selected lines removed."), "undo notified")

	err = e.UndoLastInsertion(host)
	assert.ErrorIs(t, err, ErrNothingToUndo, "range cleared after undo")
	assert.True(t, host.notified("No previously selected range to remove."), "nothing to undo notified")
	assert.Equal(t, []string{"a", "B", "d"}, host.lines(), "document unchanged")
}

func TestStartInlineEdit_RangeOutsideDocument(t *testing.T) {
	host := newMockHost("a")
	e := createTestEngine(t, "http://127.0.0.1:0", EngineConfig{})

	_, err := e.StartInlineEdit(host, "fix", &types.Range{Start: 1, End: 5})

	assert.Error(t, err, "range rejected")
	assert.Equal(t, []string{"a"}, host.lines(), "document untouched")
	assert.True(t, host.notified("Inline edit failed"), "failure notified")
	assert.Nil(t, e.Active(), "no session")

	// the gate was released
	assert.ErrorIs(t, e.UndoLastInsertion(host), ErrNothingToUndo, "engine idle")
}

func TestStartInlineEdit_NoInput(t *testing.T) {
	host := newMockHost("a")
	e := createTestEngine(t, "http://127.0.0.1:0", EngineConfig{})

	s, err := e.StartInlineEdit(host, "  ", nil)

	assert.ErrorIs(t, err, ErrNoInput, "error")
	assert.Nil(t, s, "no session")
	assert.Equal(t, []string{"No input or range provided. Aborting."}, host.Messages(), "notification")
	assert.Equal(t, []string{"a"}, host.lines(), "document untouched")
}

func TestStartInlineEdit_RejectedWhileActive(t *testing.T) {
	server := newStreamServer(t, true, "one")
	host := newMockHost("a")
	e := createTestEngine(t, server.URL, EngineConfig{})

	s, err := e.StartInlineEdit(host, "first", nil)
	assert.NoError(t, err, "first start")

	_, err = e.StartInlineEdit(host, "second", nil)
	assert.ErrorIs(t, err, ErrSessionActive, "second start rejected")
	_, err = e.StartChat(host, "chat")
	assert.ErrorIs(t, err, ErrSessionActive, "chat rejected")
	assert.ErrorIs(t, e.UndoLastInsertion(host), ErrSessionActive, "undo rejected")
	assert.True(t, host.notified("already running"), "rejection notified")

	server.release <- struct{}{}
	waitSession(t, s)

	assert.Equal(t, []string{"a", "one"}, host.lines(), "only the first session wrote")
	assert.Nil(t, e.Active(), "gate released")
}

func TestStopSession_MidStream(t *testing.T) {
	server := newStreamServer(t, true, "```python\n", "print(1)\n", "more\n", "```")
	host := newMockHost("a", "b")
	e := createTestEngine(t, server.URL, EngineConfig{})

	s, err := e.StartInlineEdit(host, "code", nil)
	assert.NoError(t, err, "start")

	server.release <- struct{}{}
	server.release <- struct{}{}
	assert.Eventually(t, func() bool {
		lines := host.lines()
		return len(lines) == 5 && lines[3] == "print(1)"
	}, time.Second, 5*time.Millisecond, "two fragments applied")

	assert.NoError(t, e.StopSession(host), "stop")
	waitSession(t, s)

	assert.Equal(t, []string{"a", "b", "print(1)", ""}, host.lines(), "fence removed, nothing after stop")
	assert.True(t, host.notified("Inline editing stopped."), "stop notified")
	assert.False(t, host.notified("Request error"), "stop is not an error")

	stats, _ := e.LastStats()
	assert.Equal(t, metrics.OutcomeCancelled, stats.Outcome, "outcome")
	assert.Equal(t, 2, stats.Fragments, "fragments")
	assert.Equal(t, 1, stats.DelimitersRemoved, "delimiters removed")
}

func TestStopSession_NoSession(t *testing.T) {
	host := newMockHost("a")
	e := createTestEngine(t, "http://127.0.0.1:0", EngineConfig{})

	err := e.StopSession(host)

	assert.ErrorIs(t, err, ErrNoSession, "error")
	assert.Equal(t, []string{"Nothing to stop."}, host.Messages(), "notification")
	assert.Equal(t, []string{"a"}, host.lines(), "document untouched")
}

func TestStartInlineEdit_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer server.Close()
	host := newMockHost("a")
	e := createTestEngine(t, server.URL, EngineConfig{})

	s, err := e.StartInlineEdit(host, "go", nil)
	assert.NoError(t, err, "start")
	waitSession(t, s)

	assert.Equal(t, []string{"a", ""}, host.lines(), "only the target line was added")
	assert.True(t, host.notified("Request error"), "error notified")

	stats, _ := e.LastStats()
	assert.Equal(t, metrics.OutcomeFailed, stats.Outcome, "outcome")
	assert.ErrorContains(t, stats.Err, "500", "status in error")
}

func TestStartInlineEdit_Timeout(t *testing.T) {
	server := newStreamServer(t, true, "never")
	host := newMockHost("a")
	e := createTestEngine(t, server.URL, EngineConfig{
		Generation: types.GenerationConfig{Model: "tgi", CompletionTimeout: 50},
	})

	s, err := e.StartInlineEdit(host, "go", nil)
	assert.NoError(t, err, "start")
	waitSession(t, s)

	assert.True(t, host.notified("timed out"), "timeout notified")
	stats, _ := e.LastStats()
	assert.ErrorIs(t, stats.Err, context.DeadlineExceeded, "deadline error")
}

func TestStartInlineEdit_ApplyErrorStillCleansUp(t *testing.T) {
	server := newStreamServer(t, false, "```\n", "boom", "never applied")
	host := newMockHost()
	host.doc = &failingDoc{MemorySurface: text.NewMemorySurface("a"), failOn: "boom"}
	e := createTestEngine(t, server.URL, EngineConfig{})

	s, err := e.StartInlineEdit(host, "go", nil)
	assert.NoError(t, err, "start")
	waitSession(t, s)

	assert.Equal(t, []string{"a", ""}, host.lines(), "fence removed after failure")
	assert.True(t, host.notified("Error processing token"), "apply error notified")

	stats, _ := e.LastStats()
	assert.Equal(t, metrics.OutcomeFailed, stats.Outcome, "outcome")
	assert.Equal(t, 1, stats.Fragments, "fragments applied before failure")
}

func TestStartChat_StreamsReplyIntoTranscript(t *testing.T) {
	server := newStreamServer(t, false, "Hel", "lo ```x```")
	host := newMockHost()
	e := createTestEngine(t, server.URL, EngineConfig{})

	s, err := e.StartChat(host, "hi")
	assert.NoError(t, err, "start")
	waitSession(t, s)

	assert.Equal(t, DefaultChatTitle, host.chatTitle, "chat window title")
	assert.Equal(t, []string{"", "User: hi", "Assistant: Hello ```x```"}, host.chat.Lines(), "transcript keeps fences")
	assert.Equal(t, []types.Message{
		{Role: types.RoleSystem, Content: DefaultChatSystemPrompt},
		{Role: types.RoleUser, Content: "hi"},
	}, server.lastRequest(t).Messages, "first turn")

	s, err = e.StartChat(host, "more")
	assert.NoError(t, err, "second turn")
	waitSession(t, s)

	assert.Equal(t, []types.Message{
		{Role: types.RoleSystem, Content: DefaultChatSystemPrompt},
		{Role: types.RoleUser, Content: "hi"},
		{Role: types.RoleAssistant, Content: "Hello ```x```"},
		{Role: types.RoleUser, Content: "more"},
	}, server.lastRequest(t).Messages, "history sent")

	stats, _ := e.LastStats()
	assert.Equal(t, types.SessionChat, stats.Kind, "kind")
}

func TestStartChat_Stop(t *testing.T) {
	server := newStreamServer(t, true, "a", "b")
	host := newMockHost()
	e := createTestEngine(t, server.URL, EngineConfig{})

	s, err := e.StartChat(host, "hi")
	assert.NoError(t, err, "start")

	assert.NoError(t, e.StopSession(host), "stop")
	waitSession(t, s)

	assert.True(t, host.notified("Chat stopped."), "stop notified")
	assert.Equal(t, []string{"", "User: hi", "Assistant: "}, host.chat.Lines(), "nothing streamed")
}

func TestStartChat_BlankPrompt(t *testing.T) {
	host := newMockHost()
	e := createTestEngine(t, "http://127.0.0.1:0", EngineConfig{})

	_, err := e.StartChat(host, "")

	assert.ErrorIs(t, err, ErrNoInput, "error")
	assert.Equal(t, []string{"No input provided. Aborting."}, host.Messages(), "notification")
	assert.Equal(t, "", host.chatTitle, "chat window not opened")
}

func TestEngine_DispatchThroughEventLoop(t *testing.T) {
	server := newStreamServer(t, false, "done")
	host := newMockHost("a")
	e := createTestEngine(t, server.URL, EngineConfig{})
	e.Start(context.Background())

	e.Dispatch(Event{Type: EventStop, Host: host})
	assert.Eventually(t, func() bool { return host.notified("Nothing to stop.") },
		time.Second, 5*time.Millisecond, "stop handled")

	e.Dispatch(Event{Type: "bogus", Host: host})
	e.Dispatch(Event{Type: EventInlineEdit, Host: host, Data: InlineEditArgs{Prompt: "go"}})
	assert.Eventually(t, func() bool {
		_, ok := e.LastStats()
		return ok
	}, time.Second, 5*time.Millisecond, "inline edit ran")
	assert.Equal(t, []string{"a", "done"}, host.lines(), "document")

	e.Stop()
	e.Dispatch(Event{Type: EventStop, Host: host}) // no-op after stop
}

func TestEngine_StopEndsRunningSession(t *testing.T) {
	server := newStreamServer(t, true, "x")
	host := newMockHost("a")
	e := createTestEngine(t, server.URL, EngineConfig{})

	s, err := e.StartInlineEdit(host, "go", nil)
	assert.NoError(t, err, "start")

	e.Stop()
	waitSession(t, s)

	stats, _ := e.LastStats()
	assert.Equal(t, metrics.OutcomeCancelled, stats.Outcome, "outcome")

	_, err = e.StartInlineEdit(host, "again", nil)
	assert.ErrorIs(t, err, ErrStopped, "no sessions after stop")
}

func TestRangeArg(t *testing.T) {
	assert.Nil(t, rangeArg(0, 0), "unset")
	assert.Nil(t, rangeArg(3, 0), "partial")
	assert.Equal(t, &types.Range{Start: 2, End: 4}, rangeArg(2, 4), "range")
	assert.Equal(t, &types.Range{Start: 2, End: 4}, rangeArg(4, 2), "reversed")
}

func TestEventTypeFromString(t *testing.T) {
	assert.Equal(t, EventStop, EventTypeFromString("stop"), "stop")
	assert.Equal(t, EventUndo, EventTypeFromString("undo"), "undo")
	assert.Equal(t, EventType(""), EventTypeFromString("accept"), "unknown")
}
