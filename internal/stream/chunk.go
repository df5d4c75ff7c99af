// Package stream runs one agent response per app in the background and lets
// any number of subscribers replay and follow it. Stream state lives in a
// Broker so a reconnecting client, or another instance, can resume.
package stream

import (
	"encoding/json"
	"time"

	"aun-builder/pkg/models"
)

// ChunkType identifies a stream chunk
type ChunkType string

const (
	ChunkTextDelta  ChunkType = "text-delta"
	ChunkToolCall   ChunkType = "tool-call"
	ChunkToolResult ChunkType = "tool-result"
	ChunkDone       ChunkType = "done"
	ChunkError      ChunkType = "error"
	ChunkAborted    ChunkType = "aborted"
)

// Stream statuses
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusError   = "error"
	StatusAborted = "aborted"
)

// Chunk is one event of a streamed agent response
type Chunk struct {
	Seq      int64     `json:"seq"`
	StreamID string    `json:"streamId"`
	Type     ChunkType `json:"type"`

	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
	Error      string          `json:"error,omitempty"`
	MessageID  string          `json:"messageId,omitempty"`

	Time time.Time `json:"time"`
}

// Terminal reports whether the chunk ends its stream
func (c Chunk) Terminal() bool {
	return c.Type == ChunkDone || c.Type == ChunkError || c.Type == ChunkAborted
}

// State describes the latest stream of an app
type State struct {
	StreamID   string     `json:"streamId"`
	AppID      string     `json:"appId"`
	MessageID  string     `json:"messageId"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Running reports whether the stream is still producing chunks
func (s *State) Running() bool {
	return s != nil && s.Status == StatusRunning
}

// RunRequest is one user message for the agent of an app
type RunRequest struct {
	AppID      string
	MCPURL     string
	PreviewURL string
	Message    models.UIMessage
}

func statusFor(t ChunkType) string {
	switch t {
	case ChunkDone:
		return StatusDone
	case ChunkAborted:
		return StatusAborted
	default:
		return StatusError
	}
}
