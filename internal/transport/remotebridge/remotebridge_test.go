package remotebridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mcpsentinel/proxy/internal/protocol"
)

func TestWriteReadMessage_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := &protocol.Message{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/list"}
	if err := writeMessage(&buf, msg); err != nil {
		t.Fatalf("writeMessage: %v", err)
	}
	got, err := readMessage(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("readMessage: %v", err)
	}
	if got.Method != "tools/list" {
		t.Errorf("Method = %q, want tools/list", got.Method)
	}
}

func TestEndpointTracker_SetThenResolve(t *testing.T) {
	e := newEndpointTracker("http://target.example/sse")
	e.set("/sessions/abc/message")

	got := e.resolveOrFallback(context.Background(), "http://target.example/sse")
	want := "http://target.example/sessions/abc/message"
	if got != want {
		t.Errorf("resolveOrFallback = %q, want %q", got, want)
	}
}

func TestEndpointTracker_AbsoluteURLPassesThrough(t *testing.T) {
	e := newEndpointTracker("http://target.example/sse")
	e.set("http://other.example/message")

	got := e.resolveOrFallback(context.Background(), "http://target.example/sse")
	if got != "http://other.example/message" {
		t.Errorf("resolveOrFallback = %q, want absolute URL unchanged", got)
	}
}

func TestEndpointTracker_FallsBackOnTimeout(t *testing.T) {
	e := newEndpointTracker("http://target.example/sse")
	// Don't call set(); resolveOrFallback must fall back once
	// endpointWaitTimeout elapses rather than block forever.
	ctx, cancel := context.WithTimeout(context.Background(), endpointWaitTimeout+500*time.Millisecond)
	defer cancel()

	got := e.resolveOrFallback(ctx, "http://target.example/sse")
	if got != "http://target.example/sse/message" {
		t.Errorf("resolveOrFallback fallback = %q, want <target>/message", got)
	}
}

func TestEndpointTracker_SetIsIdempotent(t *testing.T) {
	e := newEndpointTracker("http://target.example/sse")
	e.set("/first")
	e.set("/second")

	got := e.resolveOrFallback(context.Background(), "http://target.example/sse")
	if got != "http://target.example/first" {
		t.Errorf("expected the first endpoint event to win, got %q", got)
	}
}

func TestPendingCalls_PutThenTake(t *testing.T) {
	p := newPendingCalls()
	p.put("7", "read_file")

	name, ok := p.take("7")
	if !ok || name != "read_file" {
		t.Fatalf("take(7) = (%q, %v), want (read_file, true)", name, ok)
	}

	if _, ok := p.take("7"); ok {
		t.Fatal("expected the entry to be consumed by the first take")
	}
}

func TestPendingCalls_TakeUnknownID(t *testing.T) {
	p := newPendingCalls()
	if _, ok := p.take("orphan"); ok {
		t.Fatal("expected ok=false for an id that was never tracked")
	}
}

func TestBuildHeaders_CustomHeadersTakePrecedenceOverToken(t *testing.T) {
	b := New(Config{
		TargetHeaders:  `{"X-Custom":"abc"}`,
		APIAccessToken: "should-not-be-used",
	})
	h, err := b.buildHeaders()
	if err != nil {
		t.Fatalf("buildHeaders: %v", err)
	}
	if got := h.Get("X-Custom"); got != "abc" {
		t.Errorf("X-Custom = %q, want abc", got)
	}
	if got := h.Get("Authorization"); got != "" {
		t.Errorf("Authorization = %q, want empty when MCP_TARGET_HEADERS is set", got)
	}
}

func TestBuildHeaders_BearerTokenFallback(t *testing.T) {
	b := New(Config{APIAccessToken: "secret-token"})
	h, err := b.buildHeaders()
	if err != nil {
		t.Fatalf("buildHeaders: %v", err)
	}
	if got := h.Get("Authorization"); got != "Bearer secret-token" {
		t.Errorf("Authorization = %q, want Bearer secret-token", got)
	}
}

func TestBuildHeaders_InvalidJSON(t *testing.T) {
	b := New(Config{TargetHeaders: "not json"})
	if _, err := b.buildHeaders(); err == nil {
		t.Fatal("expected an error for malformed MCP_TARGET_HEADERS")
	}
}

func TestConsumeEventStream_CapturesEndpointWithoutForwarding(t *testing.T) {
	b := New(Config{Stdout: &bytes.Buffer{}})
	endpoint := newEndpointTracker("http://target.example/sse")
	pending := newPendingCalls()

	stream := "event: endpoint\ndata: /sessions/xyz/message\n\n"
	b.consumeEventStream(context.Background(), strings.NewReader(stream), endpoint, pending)

	got := endpoint.resolveOrFallback(context.Background(), "http://target.example/sse")
	if got != "http://target.example/sessions/xyz/message" {
		t.Errorf("endpoint not captured correctly, got %q", got)
	}
}

func TestRun_MissingTargetURL(t *testing.T) {
	b := New(Config{})
	code, err := b.Run(context.Background())
	if err == nil {
		t.Fatal("expected error when TargetURL is empty")
	}
	if code != 1 {
		t.Errorf("code = %d, want 1", code)
	}
}
