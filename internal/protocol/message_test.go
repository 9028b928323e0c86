package protocol

import (
	"encoding/json"
	"testing"
)

func TestMessage_RoundTripPreservesFields(t *testing.T) {
	line := `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"read_file","arguments":{"path":"/tmp/x"}}}`

	var msg Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out, err := json.Marshal(&msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var a, b map[string]any
	if err := json.Unmarshal([]byte(line), &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(out, &b); err != nil {
		t.Fatal(err)
	}
	if a["method"] != b["method"] || a["jsonrpc"] != b["jsonrpc"] {
		t.Errorf("round trip changed fields: %v vs %v", a, b)
	}
	if string(msg.ID) != "7" {
		t.Errorf("ID = %s, want 7", msg.ID)
	}
}

func TestMessage_Classification(t *testing.T) {
	req := Message{ID: json.RawMessage(`1`), Method: "tools/list"}
	if !req.IsRequest() || req.IsNotification() || req.IsResponse() {
		t.Error("id+method must classify as request")
	}
	note := Message{Method: "notifications/initialized"}
	if !note.IsNotification() || note.IsRequest() {
		t.Error("method-only must classify as notification")
	}
	resp := Message{ID: json.RawMessage(`1`), Result: json.RawMessage(`{}`)}
	if !resp.IsResponse() || resp.IsRequest() {
		t.Error("id-only must classify as response")
	}
}

func TestIDString_NumberAndString(t *testing.T) {
	num := Message{ID: json.RawMessage(`42`)}
	if num.IDString() != "42" {
		t.Errorf("IDString() = %q, want 42", num.IDString())
	}
	str := Message{ID: json.RawMessage(`"pre_tools_1"`)}
	if str.IDString() != "pre_tools_1" {
		t.Errorf("IDString() = %q, want pre_tools_1", str.IDString())
	}
	none := Message{}
	if none.IDString() != "" {
		t.Errorf("IDString() = %q, want empty", none.IDString())
	}
}

func TestStripArgument_RemovesKeyEverywhereItMatters(t *testing.T) {
	params := json.RawMessage(`{"name":"read_file","arguments":{"path":"/tmp/x","tool_call_reason":"debug"}}`)
	out := StripArgument(params, "tool_call_reason")

	p, ok := DecodeToolCallParams(out)
	if !ok {
		t.Fatal("stripped params no longer decode")
	}
	if _, present := p.Arguments["tool_call_reason"]; present {
		t.Error("tool_call_reason survived stripping")
	}
	if p.Arguments["path"] != "/tmp/x" {
		t.Errorf("unrelated argument lost: %v", p.Arguments)
	}
}

func TestStripArgument_NoOpWhenAbsent(t *testing.T) {
	params := json.RawMessage(`{"name":"read_file","arguments":{"path":"/tmp/x"}}`)
	out := StripArgument(params, "tool_call_reason")
	if string(out) != string(params) {
		t.Errorf("absent key must leave params untouched, got %s", out)
	}
}

func TestStripArgument_NonToolCallPassesThrough(t *testing.T) {
	params := json.RawMessage(`{"protocolVersion":"2024-11-05"}`)
	out := StripArgument(params, "tool_call_reason")
	if string(out) != string(params) {
		t.Errorf("non-tool-call params must pass through, got %s", out)
	}
}

func TestNewBlockResult_Shape(t *testing.T) {
	raw := NewBlockResult("matched denylisted pattern", true)
	r, ok := DecodeCallToolResult(raw)
	if !ok {
		t.Fatal("block result does not decode as CallToolResult")
	}
	if len(r.Content) != 1 || r.Content[0].Type != "text" {
		t.Fatalf("content = %+v, want one text item", r.Content)
	}
	if got := r.Content[0].Text; got != "Request blocked: matched denylisted pattern" {
		t.Errorf("text = %q", got)
	}

	respRaw := NewBlockResult("reason", false)
	resp, _ := DecodeCallToolResult(respRaw)
	if resp.Content[0].Text != "Response blocked: reason" {
		t.Errorf("response text = %q", resp.Content[0].Text)
	}
}

func TestNewBlockError_Code(t *testing.T) {
	e := NewBlockError("nope", true)
	if e.Code != -32000 {
		t.Errorf("code = %d, want -32000", e.Code)
	}
	if e.Message != "Request blocked: nope" {
		t.Errorf("message = %q", e.Message)
	}
}

func TestToolsListResult_RoundTrip(t *testing.T) {
	in := ToolsListResult{Tools: []ToolDescriptor{{
		Name:        "read_file",
		Description: "reads a file",
		InputSchema: InputSchema{Type: "object", Properties: map[string]map[string]any{"path": {"type": "string"}}, Required: []string{"path"}},
	}}}
	raw, err := EncodeToolsListResult(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, ok := DecodeToolsListResult(raw)
	if !ok {
		t.Fatal("decode failed")
	}
	if len(out.Tools) != 1 || out.Tools[0].Name != "read_file" {
		t.Errorf("tools = %+v", out.Tools)
	}
	if out.Tools[0].InputSchema.Required[0] != "path" {
		t.Errorf("required = %v", out.Tools[0].InputSchema.Required)
	}
}

func TestClone_DoesNotAliasSchema(t *testing.T) {
	orig := ToolDescriptor{
		Name:        "t",
		InputSchema: InputSchema{Type: "object", Properties: map[string]map[string]any{"a": {"type": "string"}}, Required: []string{"a"}},
	}
	clone := orig.Clone()
	clone.InputSchema.Properties["b"] = map[string]any{"type": "number"}
	clone.InputSchema.Required = append(clone.InputSchema.Required, "b")

	if _, ok := orig.InputSchema.Properties["b"]; ok {
		t.Error("clone aliases the original's properties map")
	}
	if len(orig.InputSchema.Required) != 1 {
		t.Errorf("clone aliases the original's required slice: %v", orig.InputSchema.Required)
	}
}

func TestCallToolResult_TextContent(t *testing.T) {
	raw := json.RawMessage(`{"content":[{"type":"text","text":"a"},{"type":"image","data":"x"},{"type":"text","text":"b"}]}`)
	r, ok := DecodeCallToolResult(raw)
	if !ok {
		t.Fatal("decode failed")
	}
	if got := r.TextContent(); got != "a\nb" {
		t.Errorf("TextContent() = %q, want a\\nb", got)
	}
}
