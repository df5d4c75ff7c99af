// Package agents runs the app builder agent: a Claude tool loop over the
// MCP tools exposed by an app's dev server, with memory stored per app thread.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"aun-builder/internal/ai"
	"aun-builder/internal/logging"
	"aun-builder/internal/mcp"
	"aun-builder/internal/metrics"
	"aun-builder/internal/stream"
	"aun-builder/pkg/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultMaxSteps  = 25
	defaultMaxTokens = 8192

	interruptedToolOutput = "Tool call was interrupted before it returned."
)

const systemPrompt = `You are AUN.AI, a senior full-stack engineer building a web app in a sandboxed git repository.
Use the tools to inspect and change the project. Every change is live on the dev server at %s, which reloads automatically.
Work in small verified steps, prefer editing existing files over rewriting them, and commit when a feature works.
Do not touch .env files, the .git directory or node_modules.
When you are done, reply with a short summary of what changed.`

// LLM streams a model response with tool use
type LLM interface {
	Stream(ctx context.Context, req *ai.Request, onEvent func(ai.StreamEvent)) (*ai.Response, error)
	Model() string
}

// ToolServer is the MCP endpoint of a dev server
type ToolServer interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*mcp.ToolCallResult, error)
}

// ToolServerFactory connects to the MCP endpoint at url
type ToolServerFactory func(url string) ToolServer

// MCPToolServers is the ToolServerFactory backed by the JSON-RPC client
func MCPToolServers(url string) ToolServer {
	return mcp.NewClient(url)
}

// Builder is the app builder agent
type Builder struct {
	llm      LLM
	memory   *Memory
	tools    ToolServerFactory
	guard    *PathGuard
	maxSteps int
}

func NewBuilder(llm LLM, memory *Memory, tools ToolServerFactory, maxSteps int) *Builder {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	if tools == nil {
		tools = MCPToolServers
	}
	return &Builder{
		llm:      llm,
		memory:   memory,
		tools:    tools,
		guard:    NewPathGuard(),
		maxSteps: maxSteps,
	}
}

// Memory returns the thread store
func (b *Builder) Memory() *Memory {
	return b.memory
}

// Run stores the user message and loops model turns and tool calls until the
// model stops asking for tools or the step limit is hit
func (b *Builder) Run(ctx context.Context, req stream.RunRequest, emit func(stream.Chunk)) error {
	log := logging.L().With(zap.String("app_id", req.AppID))
	m := metrics.Get()

	if _, err := b.memory.AppendMessage(ctx, req.AppID, req.Message.ID, models.RoleUser, req.Message.Parts); err != nil {
		return fmt.Errorf("failed to store user message: %w", err)
	}

	server, tools, err := b.connect(ctx, req.MCPURL)
	if err != nil {
		return err
	}

	history, err := b.memory.History(ctx, req.AppID, DefaultHistoryLimit)
	if err != nil {
		return err
	}
	messages := toAIMessages(history)

	for step := 1; step <= b.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, err := b.llm.Stream(ctx, &ai.Request{
			Model:     b.llm.Model(),
			MaxTokens: defaultMaxTokens,
			System:    fmt.Sprintf(systemPrompt, req.PreviewURL),
			Messages:  messages,
			Tools:     tools,
			Stream:    true,
		}, func(ev ai.StreamEvent) {
			switch ev.Type {
			case ai.EventTextDelta:
				emit(stream.Chunk{Type: stream.ChunkTextDelta, Text: ev.Text})
			case ai.EventToolCall:
				emit(stream.Chunk{
					Type:       stream.ChunkToolCall,
					ToolCallID: ev.ToolCall.ID,
					ToolName:   ev.ToolCall.Name,
					Input:      ev.ToolCall.Input,
				})
			}
		})
		if err != nil {
			m.AgentStepsTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("model request failed: %w", err)
		}

		if parts := assistantParts(resp.Content); len(parts) > 0 {
			if _, err := b.memory.AppendMessage(ctx, req.AppID, "", models.RoleAssistant, parts); err != nil {
				return fmt.Errorf("failed to store assistant message: %w", err)
			}
			_, blocks := convertMessage(models.UIMessage{Role: models.RoleAssistant, Parts: parts})
			messages = append(messages, ai.Message{Role: ai.RoleAssistant, Content: blocks})
		}

		calls := resp.ToolCalls()
		if len(calls) == 0 {
			m.AgentStepsTotal.WithLabelValues("completed").Inc()
			log.Debug("agent finished", zap.Int("steps", step), zap.String("stop_reason", resp.StopReason))
			return nil
		}

		results := make([]ai.ContentBlock, 0, len(calls))
		parts := make([]models.MessagePart, 0, len(calls))
		for _, call := range calls {
			output, isError := b.callTool(ctx, server, call)
			emit(stream.Chunk{
				Type:       stream.ChunkToolResult,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Output:     output,
				IsError:    isError,
			})
			results = append(results, ai.ContentBlock{
				Type:      ai.BlockToolResult,
				ToolUseID: call.ID,
				Content:   output,
				IsError:   isError,
			})
			parts = append(parts, models.MessagePart{
				Type:       models.PartToolResult,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				Output:     output,
				IsError:    isError,
			})
		}

		if _, err := b.memory.AppendMessage(ctx, req.AppID, "", models.RoleTool, parts); err != nil {
			return fmt.Errorf("failed to store tool results: %w", err)
		}
		messages = append(messages, ai.Message{Role: ai.RoleUser, Content: results})
		m.AgentStepsTotal.WithLabelValues("tool_use").Inc()
	}

	m.AgentStepsTotal.WithLabelValues("step_limit").Inc()
	log.Warn("agent hit the step limit", zap.Int("max_steps", b.maxSteps))
	return nil
}

// connect runs the MCP handshake and lists the dev server tools. An empty
// url runs the agent without tools.
func (b *Builder) connect(ctx context.Context, url string) (ToolServer, []ai.ToolDefinition, error) {
	if url == "" {
		return nil, nil, nil
	}
	server := b.tools(url)
	if err := server.Initialize(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to dev server tools: %w", err)
	}
	listed, err := server.ListTools(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list dev server tools: %w", err)
	}

	defs := make([]ai.ToolDefinition, 0, len(listed))
	for _, t := range listed {
		schema := t.InputSchema
		if len(schema) == 0 || string(schema) == "null" {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		defs = append(defs, ai.ToolDefinition{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return server, defs, nil
}

// callTool executes one tool call. Failures become error results for the model.
func (b *Builder) callTool(ctx context.Context, server ToolServer, call ai.ContentBlock) (string, bool) {
	if server == nil {
		return fmt.Sprintf("Tool %s is not available", call.Name), true
	}
	if err := b.guard.CheckToolCall(call.Name, call.Input); err != nil {
		return err.Error(), true
	}
	result, err := server.CallTool(ctx, call.Name, call.Input)
	if err != nil {
		logging.L().Warn("tool call failed", zap.String("tool", call.Name), zap.Error(err))
		return err.Error(), true
	}
	return result.Text(), result.IsError
}

func assistantParts(content []ai.ContentBlock) []models.MessagePart {
	parts := make([]models.MessagePart, 0, len(content))
	for _, block := range content {
		switch block.Type {
		case ai.BlockText:
			if block.Text != "" {
				parts = append(parts, models.MessagePart{Type: models.PartText, Text: block.Text})
			}
		case ai.BlockToolUse:
			parts = append(parts, models.MessagePart{
				Type:       models.PartToolCall,
				ToolCallID: block.ID,
				ToolName:   block.Name,
				Input:      block.Input,
			})
		}
	}
	return parts
}

// toAIMessages converts stored turns into Messages API turns. Consecutive
// turns with the same role are merged, the conversation starts at the first
// plain user turn, and tool calls left without a result are closed.
func toAIMessages(history []models.UIMessage) []ai.Message {
	var out []ai.Message
	for _, msg := range history {
		role, blocks := convertMessage(msg)
		if len(blocks) == 0 {
			continue
		}
		if len(out) == 0 && (role != ai.RoleUser || hasToolResult(blocks)) {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, ai.Message{Role: role, Content: blocks})
	}
	return closeToolCalls(out)
}

func convertMessage(msg models.UIMessage) (string, []ai.ContentBlock) {
	var blocks []ai.ContentBlock
	switch msg.Role {
	case models.RoleUser:
		for _, p := range msg.Parts {
			switch p.Type {
			case models.PartText:
				if strings.TrimSpace(p.Text) != "" {
					blocks = append(blocks, ai.TextBlock(p.Text))
				}
			case models.PartImage:
				if p.URL != "" {
					blocks = append(blocks, ai.ImageBlock(p.URL))
				}
			}
		}
		return ai.RoleUser, blocks
	case models.RoleAssistant:
		for _, p := range msg.Parts {
			switch p.Type {
			case models.PartText:
				if p.Text != "" {
					blocks = append(blocks, ai.TextBlock(p.Text))
				}
			case models.PartToolCall:
				input := p.Input
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, ai.ContentBlock{Type: ai.BlockToolUse, ID: p.ToolCallID, Name: p.ToolName, Input: input})
			}
		}
		return ai.RoleAssistant, blocks
	case models.RoleTool:
		for _, p := range msg.Parts {
			if p.Type == models.PartToolResult {
				blocks = append(blocks, ai.ContentBlock{Type: ai.BlockToolResult, ToolUseID: p.ToolCallID, Content: p.Output, IsError: p.IsError})
			}
		}
		return ai.RoleUser, blocks
	}
	return "", nil
}

func hasToolResult(blocks []ai.ContentBlock) bool {
	for _, b := range blocks {
		if b.Type == ai.BlockToolResult {
			return true
		}
	}
	return false
}

// closeToolCalls makes every tool_use block answered by a tool_result in the
// following user turn, as the Messages API requires
func closeToolCalls(messages []ai.Message) []ai.Message {
	for i := 0; i < len(messages); i++ {
		if messages[i].Role != ai.RoleAssistant {
			continue
		}
		var pending []string
		for _, b := range messages[i].Content {
			if b.Type == ai.BlockToolUse {
				pending = append(pending, b.ID)
			}
		}
		if len(pending) == 0 {
			continue
		}

		answered := map[string]bool{}
		if i+1 < len(messages) {
			for _, b := range messages[i+1].Content {
				if b.Type == ai.BlockToolResult {
					answered[b.ToolUseID] = true
				}
			}
		}

		var missing []ai.ContentBlock
		for _, id := range pending {
			if !answered[id] {
				missing = append(missing, ai.ContentBlock{Type: ai.BlockToolResult, ToolUseID: id, Content: interruptedToolOutput, IsError: true})
			}
		}
		if len(missing) == 0 {
			continue
		}

		if i+1 < len(messages) {
			messages[i+1].Content = append(missing, messages[i+1].Content...)
		} else {
			messages = append(messages, ai.Message{Role: ai.RoleUser, Content: missing})
		}
	}
	return messages
}

// NewUserMessage builds a user message from text and optional image URLs
func NewUserMessage(text string, imageURLs ...string) models.UIMessage {
	msg := models.TextMessage(uuid.New().String(), text)
	for _, url := range imageURLs {
		msg.Parts = append(msg.Parts, models.MessagePart{Type: models.PartImage, URL: url})
	}
	return msg
}
