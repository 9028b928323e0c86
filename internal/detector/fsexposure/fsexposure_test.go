package fsexposure

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mcpsentinel/proxy/internal/mcpevent"
	"github.com/mcpsentinel/proxy/internal/protocol"
)

func callEvent(argsJSON string) *mcpevent.MCPEvent {
	return &mcpevent.MCPEvent{
		EventType: mcpevent.KindMCP,
		Data: mcpevent.EventData{
			Message: protocol.Message{
				Method: "tools/call",
				Params: json.RawMessage(`{"name":"read_file","arguments":` + argsJSON + `}`),
			},
		},
	}
}

func TestAnalyze_NoFindingForBenignPath(t *testing.T) {
	d := New()
	f, err := d.Analyze(context.Background(), callEvent(`{"path":"notes.txt"}`))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !f.IsEmpty() {
		t.Errorf("expected no finding, got %+v", f)
	}
}

func TestAnalyze_HighForCriticalSystemPath(t *testing.T) {
	d := New()
	f, err := d.Analyze(context.Background(), callEvent(`{"path":"/etc/shadow"}`))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if f.Severity != mcpevent.SeverityHigh {
		t.Errorf("severity = %s, want high", f.Severity)
	}
}

func TestAnalyze_TraversalPattern(t *testing.T) {
	d := New()
	f, err := d.Analyze(context.Background(), callEvent(`{"path":"../../../../etc/passwd"}`))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if f.IsEmpty() {
		t.Fatal("expected a finding for path traversal")
	}
}

func TestAnalyze_IgnoresNonPathKeys(t *testing.T) {
	d := New()
	f, err := d.Analyze(context.Background(), callEvent(`{"query":"/etc/shadow"}`))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !f.IsEmpty() {
		t.Errorf("non-path key should not be scanned, got %+v", f)
	}
}

func TestAnalyze_DangerousExtension(t *testing.T) {
	d := New()
	f, err := d.Analyze(context.Background(), callEvent(`{"file":"/home/user/id.pem"}`))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if f.IsEmpty() {
		t.Fatal("expected a finding for .pem extension")
	}
}
