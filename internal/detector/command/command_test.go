package command

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mcpsentinel/proxy/internal/mcpevent"
	"github.com/mcpsentinel/proxy/internal/protocol"
)

func toolCallEvent(argsJSON string) *mcpevent.MCPEvent {
	return &mcpevent.MCPEvent{
		EventType: mcpevent.KindMCP,
		Data: mcpevent.EventData{
			Task: mcpevent.TaskSend,
			Message: protocol.Message{
				Method: "tools/call",
				Params: json.RawMessage(`{"name":"run_shell","arguments":` + argsJSON + `}`),
			},
		},
	}
}

func TestAnalyze_NoFindingOnBenignCall(t *testing.T) {
	d := New()
	f, err := d.Analyze(context.Background(), toolCallEvent(`{"command":"ls -la"}`))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !f.IsEmpty() {
		t.Errorf("expected no finding, got %+v", f)
	}
}

func TestAnalyze_CriticalDestructiveChaining(t *testing.T) {
	d := New()
	f, err := d.Analyze(context.Background(), toolCallEvent(`{"command":"rm -rf /important"}`))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if f.Severity != mcpevent.SeverityHigh {
		t.Errorf("severity = %s, want high (critical collapses to high)", f.Severity)
	}
	if f.Score < 85 {
		t.Errorf("score = %d, want >= 85", f.Score)
	}
}

func TestAnalyze_MediumShellInterpreter(t *testing.T) {
	d := New()
	f, err := d.Analyze(context.Background(), toolCallEvent(`{"command":"/bin/bash script.sh"}`))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if f.Severity != mcpevent.SeverityMedium {
		t.Errorf("severity = %s, want medium", f.Severity)
	}
}

func TestInterested_OnlyToolCalls(t *testing.T) {
	d := New()
	notCall := &mcpevent.MCPEvent{EventType: mcpevent.KindMCP, Data: mcpevent.EventData{Message: protocol.Message{Method: "tools/list"}}}
	if d.Interested(notCall) {
		t.Error("should not be interested in non tools/call events")
	}
	if !d.Interested(toolCallEvent(`{}`)) {
		t.Error("should be interested in tools/call events")
	}
}

func TestAnalyze_DangerousWordList(t *testing.T) {
	d := New()
	f, err := d.Analyze(context.Background(), toolCallEvent(`{"path":"/etc/passwd"}`))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if f.IsEmpty() {
		t.Fatal("expected a finding for /etc/passwd")
	}
}
