package models

import "encoding/json"

// Message roles stored in chat threads
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message part types
const (
	PartText       = "text"
	PartImage      = "image"
	PartToolCall   = "tool-call"
	PartToolResult = "tool-result"
)

// MessagePart is one piece of a chat message
type MessagePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`

	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
}

// UIMessage is a chat message as exchanged with the client
type UIMessage struct {
	ID    string        `json:"id"`
	Role  string        `json:"role"`
	Parts []MessagePart `json:"parts"`
}

// TextMessage builds a single-part user message
func TextMessage(id, text string) UIMessage {
	return UIMessage{
		ID:    id,
		Role:  RoleUser,
		Parts: []MessagePart{{Type: PartText, Text: text}},
	}
}
