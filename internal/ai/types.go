// Package ai is a streaming client for the Claude Messages API with tool use.
package ai

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block types
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Message is one turn of a conversation
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is a text, image, tool call or tool result block
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	Source *ImageSource `json:"source,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ImageSource points Claude at an image by URL
type ImageSource struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// TextBlock returns a text content block
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ImageBlock returns an image content block referencing url
func ImageBlock(url string) ContentBlock {
	return ContentBlock{Type: BlockImage, Source: &ImageSource{Type: "url", URL: url}}
}

// ToolDefinition describes a tool Claude may call
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Request is a Messages API request
type Request struct {
	Model     string           `json:"model"`
	MaxTokens int              `json:"max_tokens"`
	System    string           `json:"system,omitempty"`
	Messages  []Message        `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	Stream    bool             `json:"stream"`
}

// Usage counts tokens for one request
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the assembled result of a streamed request
type Response struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// ToolCalls returns the tool_use blocks of the response
func (r *Response) ToolCalls() []ContentBlock {
	var calls []ContentBlock
	for _, block := range r.Content {
		if block.Type == BlockToolUse {
			calls = append(calls, block)
		}
	}
	return calls
}

// StreamEventType identifies events delivered while a response streams
type StreamEventType string

const (
	EventTextDelta StreamEventType = "text-delta"
	EventToolCall  StreamEventType = "tool-call"
)

// StreamEvent is delivered to the handler passed to Stream
type StreamEvent struct {
	Type     StreamEventType
	Text     string
	ToolCall *ContentBlock
}

// Error codes for failed requests
const (
	CodeRateLimit     = "RATE_LIMIT"
	CodeForbidden     = "FORBIDDEN"
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeQuotaExceeded = "QUOTA_EXCEEDED"
	CodeServiceError  = "SERVICE_ERROR"
	CodeAPIError      = "API_ERROR"
)

// APIError is a failed Claude request
type APIError struct {
	Code       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Retryable reports whether the request may succeed later
func (e *APIError) Retryable() bool {
	return e.Code == CodeRateLimit || e.Code == CodeServiceError
}

// errorForStatus maps an HTTP status to an APIError
func errorForStatus(status int, body string) *APIError {
	switch status {
	case http.StatusTooManyRequests:
		return &APIError{Code: CodeRateLimit, StatusCode: status, Message: "Claude API rate limit exceeded. Please wait before retrying"}
	case http.StatusForbidden:
		return &APIError{Code: CodeForbidden, StatusCode: status, Message: "Claude API access denied - check API key permissions"}
	case http.StatusUnauthorized:
		return &APIError{Code: CodeUnauthorized, StatusCode: status, Message: "Invalid Claude API key"}
	case http.StatusPaymentRequired:
		return &APIError{Code: CodeQuotaExceeded, StatusCode: status, Message: "Claude API quota exhausted"}
	case 500, 502, 503, 504, 529:
		return &APIError{Code: CodeServiceError, StatusCode: status, Message: fmt.Sprintf("Claude service temporarily unavailable (status %d)", status)}
	default:
		return &APIError{Code: CodeAPIError, StatusCode: status, Message: fmt.Sprintf("Claude request failed with status %d: %s", status, body)}
	}
}
