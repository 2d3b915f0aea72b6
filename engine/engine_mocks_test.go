package engine

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"tgiedit/client/openai"
	"tgiedit/text"
	"tgiedit/types"
)

// --- Mock implementations ---

// mockHost implements the Host interface over in-memory documents
type mockHost struct {
	mu        sync.Mutex
	doc       text.Document
	chat      *text.MemorySurface
	chatTitle string
	messages  []string
}

func newMockHost(lines ...string) *mockHost {
	return &mockHost{
		doc:  text.NewMemorySurface(lines...),
		chat: text.NewMemorySurface(""),
	}
}

func (h *mockHost) CurrentDocument() (text.Document, error) {
	return h.doc, nil
}

func (h *mockHost) ChatDocument(title string) (text.Document, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chatTitle = title
	return h.chat, nil
}

func (h *mockHost) Notify(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *mockHost) Messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string{}, h.messages...)
}

func (h *mockHost) notified(substr string) bool {
	for _, msg := range h.Messages() {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// lines returns the current content of the inline document
func (h *mockHost) lines() []string {
	lines, _ := h.doc.Snapshot()
	return lines
}

// failingDoc fails SetLine for content containing failOn
type failingDoc struct {
	*text.MemorySurface
	failOn string
}

func (d *failingDoc) SetLine(i int, content string) error {
	if strings.Contains(content, d.failOn) {
		return fmt.Errorf("line %d is read-only", i)
	}
	return d.MemorySurface.SetLine(i, content)
}

// streamServer serves one SSE chat completion per request. When gated, each
// fragment waits for a value on release before it is written.
type streamServer struct {
	*httptest.Server
	requests chan openai.ChatRequest
	release  chan struct{}
}

func contentEvent(text string) string {
	b, _ := json.Marshal(text)
	return `{"choices":[{"index":0,"delta":{"content":` + string(b) + `},"finish_reason":null}]}`
}

func newStreamServer(t *testing.T, gated bool, fragments ...string) *streamServer {
	t.Helper()
	s := &streamServer{
		requests: make(chan openai.ChatRequest, 10),
		release:  make(chan struct{}),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		s.requests <- req

		flusher, _ := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for _, f := range fragments {
			if gated {
				select {
				case <-s.release:
				case <-r.Context().Done():
					return
				}
			}
			fmt.Fprintf(w, "data: %s\n\n", contentEvent(f))
			flusher.Flush()
		}
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	t.Cleanup(s.Close)
	return s
}

// lastRequest returns the most recent request the server received
func (s *streamServer) lastRequest(t *testing.T) openai.ChatRequest {
	t.Helper()
	select {
	case req := <-s.requests:
		return req
	case <-time.After(time.Second):
		t.Fatal("no request received")
		return openai.ChatRequest{}
	}
}

func createTestEngine(t *testing.T, url string, config EngineConfig) *Engine {
	t.Helper()
	if config.Generation.Model == "" {
		config.Generation = types.GenerationConfig{Model: "tgi", MaxTokens: 64}
	}
	e := NewEngine(openai.NewClient(url, ""), config)
	t.Cleanup(e.Stop)
	return e
}

// waitSession waits for s to finish, failing the test after a second
func waitSession(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not finish")
	}
}
