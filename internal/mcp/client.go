package mcp

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
	"sync"
	"sync/atomic"
	"time"

	"aun-builder/internal/metrics"

	"github.com/tidwall/gjson"
)

const sessionHeader = "Mcp-Session-Id"

// ErrNotInitialized is returned when a request is made before Initialize
var ErrNotInitialized = errors.New("mcp client is not initialized")

// Client is an MCP client over streamable HTTP. Responses may come back as
// a single JSON body or as an SSE stream carrying the JSON-RPC response.
type Client struct {
	url        string
	httpClient *http.Client
	requestID  int64

	mu          sync.RWMutex
	sessionID   string
	serverInfo  *ServerInfo
	initialized bool
}

// NewClient creates a client for the MCP endpoint at url
func NewClient(url string) *Client {
	return &Client{
		url: url,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// Initialize performs the MCP handshake
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]interface{}{
		"protocolVersion": MCPVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]string{
			"name":    "AUN.AI",
			"version": "1.0.0",
		},
	}

	result, err := c.request(ctx, MethodInitialize, params)
	if err != nil {
		return err
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		return fmt.Errorf("failed to parse initialize result: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = &initResult.ServerInfo
	c.initialized = true
	c.mu.Unlock()

	return c.Notify(ctx, MethodInitialized, nil)
}

// ServerInfo returns the server described during Initialize
func (c *Client) ServerInfo() *ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ListTools returns every tool the server exposes, following pagination
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	cursor := ""
	for {
		var params interface{}
		if cursor != "" {
			params = map[string]string{"cursor": cursor}
		}
		result, err := c.Request(ctx, MethodToolsList, params)
		if err != nil {
			return nil, err
		}

		var page struct {
			Tools []Tool `json:"tools"`
		}
		if err := json.Unmarshal(result, &page); err != nil {
			return nil, fmt.Errorf("failed to parse tools: %w", err)
		}
		tools = append(tools, page.Tools...)

		cursor = gjson.GetBytes(result, "nextCursor").String()
		if cursor == "" {
			return tools, nil
		}
	}
}

// CallTool calls a tool on the remote server
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolCallResult, error) {
	result, err := c.Request(ctx, MethodToolsCall, ToolCallParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}

	var toolResult ToolCallResult
	if err := json.Unmarshal(result, &toolResult); err != nil {
		return nil, fmt.Errorf("failed to parse tool result: %w", err)
	}
	return &toolResult, nil
}

// Request sends a request on an initialized session and returns its result
func (c *Client) Request(ctx context.Context, method Method, params interface{}) (json.RawMessage, error) {
	c.mu.RLock()
	ok := c.initialized
	c.mu.RUnlock()
	if !ok {
		return nil, ErrNotInitialized
	}
	return c.request(ctx, method, params)
}

// Notify sends a notification (no response expected)
func (c *Client) Notify(ctx context.Context, method Method, params interface{}) error {
	msg := &MCPMessage{JSONRPC: "2.0", Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = data
	}

	resp, err := c.post(ctx, msg)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("mcp notification %s failed with status %d", method, resp.StatusCode)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method Method, params interface{}) (result json.RawMessage, err error) {
	start := time.Now()
	defer func() { metrics.RecordUpstreamCall("mcp", string(method), err, time.Since(start)) }()

	id := atomic.AddInt64(&c.requestID, 1)
	msg := &MCPMessage{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = data
	}

	resp, err := c.post(ctx, msg)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("mcp %s failed with status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var raw []byte
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		raw, err = readSSEResponse(resp.Body, id)
	} else {
		raw, err = io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", method, err)
	}

	return decodeResponse(raw)
}

func (c *Client) post(ctx context.Context, msg *MCPMessage) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	c.mu.RLock()
	if c.sessionID != "" {
		req.Header.Set(sessionHeader, c.sessionID)
	}
	c.mu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", msg.Method, err)
	}
	return resp, nil
}

// readSSEResponse returns the data of the first event whose id matches
func readSSEResponse(r io.Reader, id int64) ([]byte, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)

	var data strings.Builder
	flush := func() []byte {
		defer data.Reset()
		payload := data.String()
		if payload == "" || !gjson.Valid(payload) {
			return nil
		}
		if gjson.Get(payload, "id").Int() != id {
			return nil
		}
		return []byte(payload)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if msg := flush(); msg != nil {
				return msg, nil
			}
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if msg := flush(); msg != nil {
		return msg, nil
	}
	return nil, io.ErrUnexpectedEOF
}

func decodeResponse(raw []byte) (json.RawMessage, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid JSON-RPC response")
	}
	if e := gjson.GetBytes(raw, "error"); e.Exists() && e.Type != gjson.Null {
		return nil, &MCPError{
			Code:    int(e.Get("code").Int()),
			Message: e.Get("message").String(),
			Data:    json.RawMessage(e.Get("data").Raw),
		}
	}
	result := gjson.GetBytes(raw, "result")
	if !result.Exists() {
		return nil, fmt.Errorf("JSON-RPC response has no result")
	}
	return json.RawMessage(result.Raw), nil
}
