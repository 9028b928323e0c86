package sse

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEndpointTracker_ResolvesAbsoluteURLUnchanged(t *testing.T) {
	e := newEndpointTracker()
	e.set("https://target.example/msg", "https://target.example/sse")
	got := e.resolveOrFallback(context.Background(), "https://target.example/sse")
	if got != "https://target.example/msg" {
		t.Errorf("got %q", got)
	}
}

func TestEndpointTracker_ResolvesRelativeAgainstBase(t *testing.T) {
	e := newEndpointTracker()
	e.set("/message?id=1", "https://target.example/sse")
	got := e.resolveOrFallback(context.Background(), "https://target.example/sse")
	if got != "https://target.example/message?id=1" {
		t.Errorf("got %q", got)
	}
}

func TestEndpointTracker_FallsBackToTargetMessagePath(t *testing.T) {
	e := newEndpointTracker()
	// No set(): the tracker must fall back to <target>/message once the
	// wait window elapses rather than fail the message.
	ctx, cancel := context.WithTimeout(context.Background(), endpointWaitTimeout+500*time.Millisecond)
	defer cancel()
	got := e.resolveOrFallback(ctx, "https://target.example/sse")
	if got != "https://target.example/sse/message" {
		t.Errorf("fallback = %q, want <target>/message", got)
	}
}

func TestEndpointTracker_CancelledContextFallsBackToTargetURL(t *testing.T) {
	e := newEndpointTracker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got := e.resolveOrFallback(ctx, "https://target.example/sse")
	if got != "https://target.example/sse" {
		t.Errorf("fallback = %q, want the target URL itself", got)
	}
}

func TestEndpointTracker_FirstEndpointEventWins(t *testing.T) {
	e := newEndpointTracker()
	e.set("/first", "https://target.example/sse")
	e.set("/second", "https://target.example/sse")
	got := e.resolveOrFallback(context.Background(), "https://target.example/sse")
	if got != "https://target.example/first" {
		t.Errorf("got %q, want the first endpoint event to win", got)
	}
}

func TestPendingToolCalls_PutThenTake(t *testing.T) {
	p := newPendingToolCalls()
	p.put("7", "read_file")
	if !p.take("7") {
		t.Fatal("expected the tracked id to be found")
	}
	if p.take("7") {
		t.Fatal("expected the entry to be consumed by the first take")
	}
}

func TestWriteChunked_SplitsAtChunkSize(t *testing.T) {
	rec := httptest.NewRecorder()
	data := make([]byte, chunkSize*2+10)
	for i := range data {
		data[i] = 'x'
	}
	writeChunked(rec, rec, string(data))
	if rec.Body.Len() != len(data) {
		t.Fatalf("body len = %d, want %d", rec.Body.Len(), len(data))
	}
}

func TestNextConnSeq_Increments(t *testing.T) {
	a := nextConnSeq()
	b := nextConnSeq()
	if b <= a {
		t.Fatalf("expected increasing sequence, got %d then %d", a, b)
	}
}
