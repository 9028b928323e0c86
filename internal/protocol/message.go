// Package protocol models the JSON-RPC 2.0 subset that MCP speaks on the
// wire. Messages are carried as a tagged envelope with opaque params/result
// payloads so the proxy only ever decodes the fields it actually inspects,
// per the "Dynamic message shapes" design note.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message is the wire envelope for every JSON-RPC 2.0 frame the proxy
// observes: a request, a response, a notification, or an error.
// Fields are kept as json.RawMessage where the proxy only forwards them,
// and decoded into typed helpers where the proxy needs to inspect or
// rewrite them (Method, params.name, params.arguments, result.tools, ...).
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// IsRequest reports whether m carries an id and a method: a call expecting
// a response.
func (m *Message) IsRequest() bool {
	return len(m.ID) > 0 && m.Method != ""
}

// IsNotification reports whether m has a method but no id: fire-and-forget.
func (m *Message) IsNotification() bool {
	return len(m.ID) == 0 && m.Method != ""
}

// IsResponse reports whether m carries an id but no method: a reply to a
// prior request, either a result or an error.
func (m *Message) IsResponse() bool {
	return len(m.ID) > 0 && m.Method == ""
}

// IDString renders the id as a stable map key, regardless of whether the
// wire value was a JSON number or a JSON string.
func (m *Message) IDString() string {
	if len(m.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s
	}
	return string(m.ID)
}

// Clone returns a deep-enough copy of m so that the caller can mutate
// Result/Params/Error without aliasing the original decoded message.
func (m *Message) Clone() *Message {
	clone := *m
	clone.ID = append(json.RawMessage(nil), m.ID...)
	clone.Params = append(json.RawMessage(nil), m.Params...)
	clone.Result = append(json.RawMessage(nil), m.Result...)
	if m.Error != nil {
		errCopy := *m.Error
		clone.Error = &errCopy
	}
	return &clone
}

// ToolCallParams is the decoded shape of params for a tools/call request.
type ToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// DecodeToolCallParams extracts name/arguments from a tools/call request's
// params. Returns ok=false if params does not look like a tool call.
func DecodeToolCallParams(params json.RawMessage) (ToolCallParams, bool) {
	if len(params) == 0 {
		return ToolCallParams{}, false
	}
	var p ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return ToolCallParams{}, false
	}
	return p, p.Name != ""
}

// EncodeToolCallParams re-serializes p back into params bytes, preserving
// the tool name even when Arguments is empty.
func EncodeToolCallParams(p ToolCallParams) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode tool call params: %w", err)
	}
	return data, nil
}

// StripArgument removes key from a tools/call request's params.arguments,
// returning the (possibly unchanged) params bytes. It is a no-op if the
// key is absent or params do not decode as a tool call.
func StripArgument(params json.RawMessage, key string) json.RawMessage {
	p, ok := DecodeToolCallParams(params)
	if !ok {
		return params
	}
	if _, present := p.Arguments[key]; !present {
		return params
	}
	delete(p.Arguments, key)
	out, err := EncodeToolCallParams(p)
	if err != nil {
		return params
	}
	return out
}

// ToolsListResult is the decoded shape of a tools/list response's result.
type ToolsListResult struct {
	Tools      []ToolDescriptor `json:"tools"`
	ServerInfo json.RawMessage  `json:"serverInfo,omitempty"`
}

// DecodeToolsListResult extracts the tools array from a tools/list response.
func DecodeToolsListResult(result json.RawMessage) (ToolsListResult, bool) {
	if len(result) == 0 {
		return ToolsListResult{}, false
	}
	var r ToolsListResult
	if err := json.Unmarshal(result, &r); err != nil {
		return ToolsListResult{}, false
	}
	return r, true
}

// EncodeToolsListResult re-serializes r into result bytes.
func EncodeToolsListResult(r ToolsListResult) (json.RawMessage, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode tools/list result: %w", err)
	}
	return data, nil
}

// ContentItem is one element of a CallToolResult.content array; only the
// "text" variant is inspected by detectors. Decoding fills only Type and
// Text; Raw is left empty.
type ContentItem struct {
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	Raw  json.RawMessage `json:"-"`
}

// CallToolResult is the decoded shape of a tools/call response's result.
type CallToolResult struct {
	Content          []ContentItem   `json:"content"`
	IsError          bool            `json:"isError,omitempty"`
	StructuredResult json.RawMessage `json:"structuredContent,omitempty"`
}

// DecodeCallToolResult extracts content/isError from a tools/call response.
func DecodeCallToolResult(result json.RawMessage) (CallToolResult, bool) {
	if len(result) == 0 {
		return CallToolResult{}, false
	}
	var r CallToolResult
	if err := json.Unmarshal(result, &r); err != nil {
		return CallToolResult{}, false
	}
	return r, true
}

// TextContent concatenates every text content item, newline-separated.
// Used by detectors that scan a tool response's visible text.
func (r CallToolResult) TextContent() string {
	out := ""
	for _, c := range r.Content {
		if c.Type != "text" || c.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += c.Text
	}
	return out
}

// NewBlockResult builds the JSON-RPC result object used to answer a blocked
// request/response with a single human-readable text content item.
func NewBlockResult(reason string, isRequest bool) json.RawMessage {
	prefix := "Request blocked: "
	if !isRequest {
		prefix = "Response blocked: "
	}
	result := CallToolResult{
		Content: []ContentItem{{Type: "text", Text: prefix + reason}},
		IsError: false,
	}
	data, _ := json.Marshal(result)
	return data
}

// NewBlockError builds a JSON-RPC error object (code -32000) for transports
// that surface blocks as errors rather than results (HTTP.2).
func NewBlockError(reason string, isRequest bool) *RPCError {
	prefix := "Request blocked: "
	if !isRequest {
		prefix = "Response blocked: "
	}
	return &RPCError{Code: -32000, Message: prefix + reason}
}
