package ai

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
	"time"

	"aun-builder/internal/metrics"

	"github.com/tidwall/gjson"
)

const (
	DefaultModel     = "claude-sonnet-4-20250514"
	defaultBaseURL   = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 8192
)

// ClaudeClient implements the Claude/Anthropic API client
type ClaudeClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewClaudeClient creates a new Claude API client. An empty model uses DefaultModel.
func NewClaudeClient(apiKey, model string) *ClaudeClient {
	if model == "" {
		model = DefaultModel
	}
	return &ClaudeClient{
		apiKey:  normalizeAPIKey(apiKey),
		model:   model,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			// streams are bounded by the request context instead
			Timeout: 0,
		},
	}
}

// WithBaseURL points the client at another Messages endpoint
func (c *ClaudeClient) WithBaseURL(url string) *ClaudeClient {
	c.baseURL = url
	return c
}

// Model returns the model used when a request names none
func (c *ClaudeClient) Model() string {
	return c.model
}

// IsConfigured reports whether an API key is set
func (c *ClaudeClient) IsConfigured() bool {
	return c.apiKey != ""
}

// Stream sends req with streaming enabled, calls onEvent for every text
// delta and completed tool call, and returns the assembled response.
func (c *ClaudeClient) Stream(ctx context.Context, req *Request, onEvent func(StreamEvent)) (resp *Response, err error) {
	if req.Model == "" {
		req.Model = c.model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = defaultMaxTokens
	}
	req.Stream = true

	m := metrics.Get()
	m.AIRequestsInFlight.Inc()
	start := time.Now()
	defer func() {
		m.AIRequestsInFlight.Dec()
		status := "success"
		var apiErr *APIError
		switch {
		case errors.As(err, &apiErr):
			status = strings.ToLower(apiErr.Code)
		case err != nil:
			status = "error"
		}
		var usage Usage
		if resp != nil {
			usage = resp.Usage
		}
		m.RecordAIRequest(req.Model, status, time.Since(start), usage.InputTokens, usage.OutputTokens)
	}()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, errorForStatus(httpResp.StatusCode, strings.TrimSpace(string(data)))
	}

	return readStream(httpResp.Body, onEvent)
}

// streamState assembles content blocks from stream events
type streamState struct {
	resp     *Response
	partials map[int]*strings.Builder
	onEvent  func(StreamEvent)
	done     bool
}

func readStream(r io.Reader, onEvent func(StreamEvent)) (*Response, error) {
	if onEvent == nil {
		onEvent = func(StreamEvent) {}
	}
	st := &streamState{
		resp:     &Response{},
		partials: make(map[int]*strings.Builder),
		onEvent:  onEvent,
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8<<20)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				if err := st.apply(data.String()); err != nil {
					return nil, err
				}
				data.Reset()
			}
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		if st.done {
			return st.resp, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	if data.Len() > 0 {
		if err := st.apply(data.String()); err != nil {
			return nil, err
		}
	}
	if !st.done {
		return nil, fmt.Errorf("stream ended before message_stop")
	}
	return st.resp, nil
}

func (st *streamState) apply(payload string) error {
	if !gjson.Valid(payload) {
		return fmt.Errorf("invalid stream event: %q", payload)
	}
	event := gjson.Parse(payload)

	switch event.Get("type").String() {
	case "message_start":
		msg := event.Get("message")
		st.resp.ID = msg.Get("id").String()
		st.resp.Model = msg.Get("model").String()
		st.resp.Usage.InputTokens = int(msg.Get("usage.input_tokens").Int())

	case "content_block_start":
		// Blocks start in order; anything else is a malformed stream
		index := int(event.Get("index").Int())
		if index < 0 || index > len(st.resp.Content) {
			return fmt.Errorf("content block %d started out of order", index)
		}
		block := event.Get("content_block")
		if index == len(st.resp.Content) {
			st.resp.Content = append(st.resp.Content, ContentBlock{})
		}
		st.resp.Content[index] = ContentBlock{
			Type: block.Get("type").String(),
			Text: block.Get("text").String(),
			ID:   block.Get("id").String(),
			Name: block.Get("name").String(),
		}
		if st.resp.Content[index].Type == BlockToolUse {
			st.partials[index] = &strings.Builder{}
		}

	case "content_block_delta":
		index := int(event.Get("index").Int())
		if index < 0 || index >= len(st.resp.Content) {
			return fmt.Errorf("delta for unknown content block %d", index)
		}
		delta := event.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			text := delta.Get("text").String()
			st.resp.Content[index].Text += text
			st.onEvent(StreamEvent{Type: EventTextDelta, Text: text})
		case "input_json_delta":
			if b, ok := st.partials[index]; ok {
				b.WriteString(delta.Get("partial_json").String())
			}
		}

	case "content_block_stop":
		index := int(event.Get("index").Int())
		if index < 0 || index >= len(st.resp.Content) {
			return nil
		}
		block := &st.resp.Content[index]
		if block.Type != BlockToolUse {
			return nil
		}
		input := "{}"
		if b := st.partials[index]; b != nil && strings.TrimSpace(b.String()) != "" {
			input = b.String()
		}
		if !gjson.Valid(input) {
			return fmt.Errorf("tool %s sent invalid input JSON", block.Name)
		}
		block.Input = json.RawMessage(input)
		delete(st.partials, index)
		call := *block
		st.onEvent(StreamEvent{Type: EventToolCall, ToolCall: &call})

	case "message_delta":
		if reason := event.Get("delta.stop_reason"); reason.Exists() {
			st.resp.StopReason = reason.String()
		}
		if out := event.Get("usage.output_tokens"); out.Exists() {
			st.resp.Usage.OutputTokens = int(out.Int())
		}

	case "message_stop":
		st.done = true

	case "error":
		errType := event.Get("error.type").String()
		msg := event.Get("error.message").String()
		code := CodeAPIError
		switch errType {
		case "overloaded_error", "api_error":
			code = CodeServiceError
		case "rate_limit_error":
			code = CodeRateLimit
		}
		return &APIError{Code: code, Message: msg}
	}
	return nil
}
