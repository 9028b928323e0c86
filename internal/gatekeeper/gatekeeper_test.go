package gatekeeper

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mcpsentinel/proxy/internal/bus"
	"github.com/mcpsentinel/proxy/internal/journal"
	"github.com/mcpsentinel/proxy/internal/protocol"
)

func newTestGatekeeper() *Gatekeeper {
	b := bus.New(nil, journal.NewMemory(), nil, nil, 0)
	return New(b, nil)
}

func TestCheckRequest_AllowsOrdinaryCall(t *testing.T) {
	g := newTestGatekeeper()
	msg := &protocol.Message{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"read_file","arguments":{"path":"/tmp/x"}}`),
	}
	res := g.CheckRequest(context.Background(), "claude", "fs", msg, StageNone)
	if !res.Allowed {
		t.Fatalf("expected allow, got block: %s", res.Reason)
	}
	if got := g.StateFor("claude", "fs", "1"); got != "PENDING_RESP" {
		t.Errorf("state = %s, want PENDING_RESP", got)
	}
}

func TestCheckRequest_BlocksDenylistedArgument(t *testing.T) {
	g := newTestGatekeeper()
	msg := &protocol.Message{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`2`),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"run_shell","arguments":{"command":"rm -rf /"}}`),
	}
	res := g.CheckRequest(context.Background(), "claude", "fs", msg, StageNone)
	if res.Allowed {
		t.Fatal("expected block for rm -rf")
	}
	if got := g.StateFor("claude", "fs", "2"); got != "BLOCKED_REQ" {
		t.Errorf("state = %s, want BLOCKED_REQ", got)
	}
}

func TestCheckResponse_AlwaysAllows(t *testing.T) {
	g := newTestGatekeeper()
	msg := &protocol.Message{JSONRPC: "2.0", ID: json.RawMessage(`1`), Result: json.RawMessage(`{"content":[]}`)}
	res := g.CheckResponse(context.Background(), "claude", "fs", msg, false, false)
	if !res.Allowed {
		t.Fatal("response path should always allow per current policy")
	}
}

func TestReapStale_DropsOldPendingResp(t *testing.T) {
	g := newTestGatekeeper()
	g.staleAfter = 10 * time.Millisecond
	msg := &protocol.Message{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`3`),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"read_file","arguments":{}}`),
	}
	g.CheckRequest(context.Background(), "claude", "fs", msg, StageNone)

	if n := g.ReapStale(time.Now()); n != 0 {
		t.Fatalf("reaped %d immediately, want 0", n)
	}

	time.Sleep(20 * time.Millisecond)
	if n := g.ReapStale(time.Now()); n != 1 {
		t.Fatalf("reaped %d after stale window, want 1", n)
	}
	if got := g.StateFor("claude", "fs", "3"); got != "DROPPED" {
		t.Errorf("state = %s, want DROPPED", got)
	}
}
