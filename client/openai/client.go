package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"tgiedit/logger"
	"tgiedit/types"

	"github.com/andybalholm/brotli"
)

// doneSentinel is the payload of the final SSE frame
const doneSentinel = "[DONE]"

// maxFrameSize bounds a single SSE line; long code blocks can arrive in one delta
const maxFrameSize = 1024 * 1024

// ChatRequest matches the OpenAI Chat Completions API format served by TGI
type ChatRequest struct {
	Model     string          `json:"model"`
	Messages  []types.Message `json:"messages"`
	Stream    bool            `json:"stream"`
	MaxTokens int             `json:"max_tokens"`
}

// Delta is the incremental part of a streamed choice
type Delta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content"`
}

// StreamChunk represents a single SSE chunk from a streaming chat response
type StreamChunk struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int     `json:"index"`
		Delta        Delta   `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	// Error is set by servers that report generation failures in-band
	Error string `json:"error,omitempty"`
}

// DeltaContent returns the text carried by the first choice. ok is false for
// chunks without text (role-only or finish-reason deltas), which is distinct
// from a chunk carrying an empty string.
func (c *StreamChunk) DeltaContent() (text string, ok bool) {
	if c == nil || len(c.Choices) == 0 || c.Choices[0].Delta.Content == nil {
		return "", false
	}
	return *c.Choices[0].Delta.Content, true
}

// StreamResult is delivered once on DoneChan when the stream ends
type StreamResult struct {
	Chunks       int    // chunks delivered on ChunksChan
	Skipped      int    // malformed frames dropped
	FinishReason string // last finish_reason seen
	StoppedEarly bool   // stopped by the caller before the server finished
	Err          error  // terminal transport error, nil on success or stop
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
}

// ChatStream delivers decoded chunks of one streaming chat completion
type ChatStream struct {
	chunksChan chan *StreamChunk
	doneChan   chan StreamResult
	cancel     context.CancelFunc
}

// ChunksChan returns the channel of decoded chunks. It is closed when the
// stream ends for any reason.
func (s *ChatStream) ChunksChan() <-chan *StreamChunk { return s.chunksChan }

// DoneChan receives exactly one StreamResult after ChunksChan is closed
func (s *ChatStream) DoneChan() <-chan StreamResult { return s.doneChan }

// Cancel aborts the HTTP request. The stream ends as stopped, not failed.
func (s *ChatStream) Cancel() { s.cancel() }

// Client is a reusable OpenAI-compatible chat completions client
type Client struct {
	HTTPClient *http.Client
	URL        string
	AuthToken  string
	// Brotli asks the server (or a proxy in front of it) for br-encoded streams
	Brotli bool
}

// NewClient creates a new client for a full chat completions URL
func NewClient(url, authToken string) *Client {
	return &Client{
		HTTPClient: &http.Client{},
		URL:        url,
		AuthToken:  authToken,
	}
}

// DoChatStream sends a streaming chat request and returns immediately.
// stopped is consulted before each chunk is delivered; once it reports true
// the stream ends silently. It may be nil.
func (c *Client) DoChatStream(ctx context.Context, req *ChatRequest, stopped func() bool) *ChatStream {
	req.Stream = true

	ctx, cancel := context.WithCancel(ctx)
	stream := &ChatStream{
		chunksChan: make(chan *StreamChunk),
		doneChan:   make(chan StreamResult, 1),
		cancel:     cancel,
	}

	go func() {
		defer cancel()
		result := c.runStream(ctx, req, stopped, stream.chunksChan)
		close(stream.chunksChan)
		stream.doneChan <- result
	}()

	return stream
}

func (c *Client) runStream(ctx context.Context, req *ChatRequest, stopped func() bool, out chan<- *StreamChunk) StreamResult {
	defer logger.Trace("openai.stream")()

	body, err := c.openStream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return contextResult(ctx, StreamResult{})
		}
		return StreamResult{Err: err}
	}
	defer body.Close()

	return readStream(ctx, body, stopped, out)
}

// openStream sends the request and returns the (decoded) response body
func (c *Client) openStream(ctx context.Context, req *ChatRequest) (io.ReadCloser, error) {
	// Marshal the request without HTML escaping
	var reqBodyBuf bytes.Buffer
	encoder := json.NewEncoder(&reqBodyBuf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(req); err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, &reqBodyBuf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.AuthToken)
	}
	if c.Brotli {
		httpReq.Header.Set("Accept-Encoding", "br")
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "br") {
		return &decodedBody{Reader: brotli.NewReader(resp.Body), Closer: resp.Body}, nil
	}
	return resp.Body, nil
}

type decodedBody struct {
	io.Reader
	io.Closer
}

// readStream parses SSE frames and forwards decoded chunks until the
// terminator, a stop request, or a transport failure
func readStream(ctx context.Context, body io.Reader, stopped func() bool, out chan<- *StreamChunk) StreamResult {
	var result StreamResult

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Text()

		// Skip empty lines and comments (keep-alives)
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}

		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		if data == doneSentinel {
			return result
		}

		var chunk StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			logger.Debug("openai stream: failed to parse chunk: %v", err)
			result.Skipped++
			continue
		}
		if chunk.Error != "" {
			result.Err = fmt.Errorf("generation failed: %s", chunk.Error)
			return result
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].FinishReason != nil {
			result.FinishReason = *chunk.Choices[0].FinishReason
		}

		if stopped != nil && stopped() {
			result.StoppedEarly = true
			return result
		}

		select {
		case out <- &chunk:
			result.Chunks++
		case <-ctx.Done():
			return contextResult(ctx, result)
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return contextResult(ctx, result)
		}
		result.Err = fmt.Errorf("read stream: %w", err)
	}
	return result
}

// contextResult maps a finished context onto the result: a cancel is a stop,
// an expired deadline is a transport failure
func contextResult(ctx context.Context, result StreamResult) StreamResult {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.Err = fmt.Errorf("stream timed out: %w", ctx.Err())
		return result
	}
	result.StoppedEarly = true
	return result
}
